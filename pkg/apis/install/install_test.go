package install

import (
	"testing"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	scheme, defs, err := New()
	require.NoError(t, err)

	kinds := []string{}
	for _, def := range defs.List() {
		kinds = append(kinds, def.Kind)
		assert.Equal(t, cloudstreamsv1.GroupName, def.Group)
		assert.Equal(t, "v1", def.Version)
		assert.True(t, def.Namespaced())
		assert.True(t, scheme.Recognizes(def.GroupVersionKind()))
	}
	assert.Equal(t, []string{"Broker", "Gateway", "Subscription"}, kinds)

	gw, err := defs.Resolve("gw")
	require.NoError(t, err)
	assert.Equal(t, "gateways", gw.Plural)
	assert.Equal(t, "/apis/cloud-streams.io/v1/namespaces/default/gateways/main", gw.Path("default", "main"))

	// 两次构造互不影响
	_, other, err := New()
	require.NoError(t, err)
	assert.NotSame(t, defs, other)
}
