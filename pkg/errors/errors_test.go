package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

func TestReasonFor(t *testing.T) {
	gr := schema.GroupResource{Group: "cloud-streams.io", Resource: "gateways"}
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{name: "nil error", err: nil, want: ""},
		{name: "forbidden", err: Forbiddenf("rule %d failed", 0), want: ReasonForbidden},
		{name: "configuration", err: Configurationf("unknown strategy %q", "quorum"), want: ReasonConfigurationError},
		{name: "validation", err: NewValidationError(field.ErrorList{field.Required(field.NewPath("id"), "")}), want: ReasonValidationFailed},
		{name: "wrapped upstream", err: WrapUpstreamUnavailable(errors.New("dial tcp: connection refused")), want: ReasonUpstreamUnavailable},
		{name: "service unavailable status", err: apierrors.NewServiceUnavailable("down"), want: ReasonUpstreamUnavailable},
		{name: "not found status", err: apierrors.NewNotFound(gr, "main"), want: ReasonNotFound},
		{name: "other", err: errors.New("boom"), want: ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonFor(tt.err))
		})
	}
}

func TestWrapUpstreamUnavailable(t *testing.T) {
	assert.Nil(t, WrapUpstreamUnavailable(nil))

	err := WrapUpstreamUnavailable(errors.New("timeout"))
	assert.True(t, IsUpstreamUnavailable(err))
	assert.Same(t, err, WrapUpstreamUnavailable(err), "already wrapped errors are returned as-is")

	wrapped := fmt.Errorf("listing gateways: %w", err)
	assert.True(t, IsUpstreamUnavailable(wrapped))
	assert.False(t, IsForbidden(wrapped))
}

func TestValidationError(t *testing.T) {
	errs := field.ErrorList{
		field.Required(field.NewPath("id"), "must not be empty"),
		field.Invalid(field.NewPath("extensions").Key("Tenant"), "Tenant", "must be lower-case alphanumeric"),
		field.Required(field.NewPath("id"), "second"),
	}
	v := NewValidationError(errs)
	require.NotNil(t, v)

	assert.Len(t, v.Errors["id"], 2)
	assert.Len(t, v.Errors["extensions[Tenant]"], 1)
	assert.True(t, IsValidationFailed(v))
	assert.Contains(t, v.Error(), "id: ")

	assert.Nil(t, NewValidationError(nil))
}
