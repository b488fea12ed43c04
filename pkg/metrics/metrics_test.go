package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestRecorders(t *testing.T) {
	RecordAdmission("denied", "Forbidden", 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(admissionDecisionsTotal.WithLabelValues("denied", "Forbidden")))

	RecordReconciliation("Gateway", nil)
	RecordReconciliation("Gateway", errors.New("boom"))
	assert.Equal(t, float64(1), testutil.ToFloat64(reconciliationsTotal.WithLabelValues("Gateway", "error")))

	SetCachedResources("Broker", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(cachedResources.WithLabelValues("Broker")))
}
