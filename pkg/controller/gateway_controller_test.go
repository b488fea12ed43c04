package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/install"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyOf(t *testing.T, reg registry.Interface, name string) *metav1.Condition {
	t.Helper()
	obj, err := reg.Get(context.Background(), gatewayGVK, "default", name)
	require.NoError(t, err)
	return metav1.FindCondition(obj.(*cloudstreamsv1.Gateway).Status.Conditions, cloudstreamsv1.GatewayConditionReady)
}

func TestGatewayController(t *testing.T) {
	scheme, defs, err := install.New()
	require.NoError(t, err)
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), scheme, defs)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	valid := gateway("default", "valid", "")
	valid.Spec.Authorization = &cloudstreamsv1.AuthorizationPolicy{
		DecisionStrategy: cloudstreamsv1.DecisionStrategyUnanimous,
		Rules: []cloudstreamsv1.AuthorizationRule{{
			Type:          cloudstreamsv1.AuthorizationRuleTypeAttribute,
			Effect:        cloudstreamsv1.AuthorizationPolicyEffectAuthorize,
			AttributeName: "tenant",
		}},
	}
	_, err = reg.Add(ctx, valid)
	require.NoError(t, err)

	invalid := gateway("default", "invalid", "")
	invalid.Spec.Authorization = &cloudstreamsv1.AuthorizationPolicy{DecisionStrategy: "quorum"}
	_, err = reg.Add(ctx, invalid)
	require.NoError(t, err)

	gateways := NewResourceController(reg, gatewayGVK, Options{Namespace: "default"})
	gc := NewGatewayController(reg, gateways)
	require.NoError(t, gateways.Start(ctx))
	defer gateways.Stop()
	go gc.Run(ctx, 2)

	require.Eventually(t, func() bool {
		c := readyOf(t, reg, "valid")
		return c != nil && c.Status == metav1.ConditionStatusTrue
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		c := readyOf(t, reg, "invalid")
		return c != nil && c.Status == metav1.ConditionStatusFalse
	}, 5*time.Second, 20*time.Millisecond)
	c := readyOf(t, reg, "invalid")
	assert.Equal(t, ReasonInvalidPolicy, c.Reason)
	assert.Contains(t, c.Message, "spec.authorization.decisionStrategy")

	// 状态写入本身会触发一次调谐，但不会再产生新的写入
	obj, err := reg.Get(ctx, gatewayGVK, "default", "valid")
	require.NoError(t, err)
	settled := obj.(*cloudstreamsv1.Gateway).ResourceVersion
	time.Sleep(200 * time.Millisecond)
	obj, err = reg.Get(ctx, gatewayGVK, "default", "valid")
	require.NoError(t, err)
	assert.Equal(t, settled, obj.(*cloudstreamsv1.Gateway).ResourceVersion)

	// 修正策略后 condition 变为 True，spec 保持用户写入的值
	obj, err = reg.Get(ctx, gatewayGVK, "default", "invalid")
	require.NoError(t, err)
	fixed := obj.(*cloudstreamsv1.Gateway)
	fixed.Spec.Authorization.DecisionStrategy = cloudstreamsv1.DecisionStrategyMinority
	_, err = reg.Update(ctx, fixed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := readyOf(t, reg, "invalid")
		return c != nil && c.Status == metav1.ConditionStatusTrue
	}, 5*time.Second, 20*time.Millisecond)
	obj, err = reg.Get(ctx, gatewayGVK, "default", "invalid")
	require.NoError(t, err)
	assert.Equal(t, cloudstreamsv1.DecisionStrategyMinority, obj.(*cloudstreamsv1.Gateway).Spec.Authorization.DecisionStrategy)
}

func TestReadyCondition(t *testing.T) {
	gw := gateway("default", "main", "1")
	c := readyCondition(gw)
	assert.Equal(t, metav1.ConditionStatusTrue, c.Status)
	assert.Equal(t, ReasonPoliciesValid, c.Reason)

	gw.Spec.Events = []cloudstreamsv1.CloudEventSourceDefinition{{URI: ""}}
	c = readyCondition(gw)
	assert.Equal(t, metav1.ConditionStatusFalse, c.Status)
	assert.Contains(t, c.Message, "spec.events[0].uri")
}
