package cmd

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/cli/util"
	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/install"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apiserver"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatewayManifest = `
apiVersion: cloud-streams.io/v1
kind: Gateway
metadata:
  name: main
spec:
  authorization:
    decisionStrategy: consensus
    rules:
      - type: attribute
        effect: authorize
        attributeName: tenant
        attributeValue: %s
`

func newTestFactory(t *testing.T) *util.Factory {
	t.Helper()
	scheme, defs, err := install.New()
	require.NoError(t, err)
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), scheme, defs)
	require.NoError(t, err)

	server := httptest.NewServer(apiserver.New(reg, scheme, defs))
	t.Cleanup(func() {
		server.Close()
		_ = reg.Close()
	})

	f, err := util.NewFactory(server.URL, nil)
	require.NoError(t, err)
	return f
}

func TestApply(t *testing.T) {
	f := newTestFactory(t)
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	applyTenant := func(tenant string) string {
		objs, err := util.DecodeManifests(strings.NewReader(strings.Replace(gatewayManifest, "%s", tenant, 1)), f.Scheme, f.Defs)
		require.NoError(t, err)
		require.Len(t, objs, 1)
		result, err := apply(cmd, f, objs[0], "tenants")
		require.NoError(t, err)
		return result
	}

	assert.Equal(t, "gateway.cloud-streams.io/main created", applyTenant("acme"))
	assert.Equal(t, "gateway.cloud-streams.io/main configured", applyTenant("globex"))

	gvk := cloudstreamsv1.SchemeGroupVersion.WithKind(cloudstreamsv1.GatewayKind)
	obj, err := f.Client.Get(context.Background(), gvk, "tenants", "main")
	require.NoError(t, err)
	gw := obj.(*cloudstreamsv1.Gateway)
	assert.Equal(t, "globex", gw.Spec.Authorization.Rules[0].AttributeValue)
}

func TestApplyRejectsInvalidPolicy(t *testing.T) {
	f := newTestFactory(t)
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	objs, err := util.DecodeManifests(strings.NewReader(strings.Replace(gatewayManifest, "consensus", "quorum", 1)), f.Scheme, f.Defs)
	require.NoError(t, err)
	_, err = apply(cmd, f, objs[0], "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decisionStrategy")
}

func TestScopeFlags(t *testing.T) {
	f := newTestFactory(t)
	def, err := f.Resolve("gateways")
	require.NoError(t, err)

	scope := scopeFlags{namespace: "tenants", selector: "tier=edge"}
	opts, err := scope.listOptions(def)
	require.NoError(t, err)
	assert.Equal(t, "tenants", opts.Namespace)
	assert.Equal(t, "tier=edge", opts.LabelSelector.String())

	scope.allNamespaces = true
	assert.Empty(t, scope.namespaceFor(def))

	scope.selector = "tier in ("
	_, err = scope.listOptions(def)
	assert.Error(t, err)
}
