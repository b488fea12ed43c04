package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/install"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apiserver"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/controller"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
)

var gatewayGVK = cloudstreamsv1.SchemeGroupVersion.WithKind(cloudstreamsv1.GatewayKind)

// newTestClient 启动一个由 bbolt 支撑的 API Server，并返回连接到它的客户端
func newTestClient(t *testing.T) *Client {
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

	c, err := New(server.URL, nil, scheme, defs)
	require.NoError(t, err)
	return c
}

func newGateway(namespace, name string) *cloudstreamsv1.Gateway {
	return &cloudstreamsv1.Gateway{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
			Labels:    map[string]string{"app": name},
		},
		Spec: cloudstreamsv1.GatewaySpec{
			Authorization: &cloudstreamsv1.AuthorizationPolicy{
				DecisionStrategy: cloudstreamsv1.DecisionStrategyConsensus,
			},
		},
	}
}

func nextEvent(t *testing.T, w watch.Interface) watch.Event {
	t.Helper()
	select {
	case ev, ok := <-w.ResultChan():
		require.True(t, ok, "watch closed unexpectedly")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return watch.Event{}
	}
}

func TestClientCRUD(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	obj, err := c.Add(ctx, newGateway("default", "main"))
	require.NoError(t, err)
	created := obj.(*cloudstreamsv1.Gateway)
	assert.NotEmpty(t, created.UID)
	assert.Equal(t, gatewayGVK, created.GroupVersionKind())

	_, err = c.Add(ctx, newGateway("default", "main"))
	assert.True(t, apierrors.IsAlreadyExists(err))

	obj, err = c.Get(ctx, gatewayGVK, "default", "main")
	require.NoError(t, err)
	assert.Equal(t, created.ResourceVersion, obj.(*cloudstreamsv1.Gateway).ResourceVersion)

	_, err = c.Get(ctx, gatewayGVK, "default", "missing")
	assert.True(t, apierrors.IsNotFound(err))

	t.Run("Update", func(t *testing.T) {
		toUpdate := created.DeepCopy()
		toUpdate.Spec.Authorization.DecisionStrategy = cloudstreamsv1.DecisionStrategyMinority
		obj, err := c.Update(ctx, toUpdate)
		require.NoError(t, err)
		updated := obj.(*cloudstreamsv1.Gateway)
		assert.NotEqual(t, created.ResourceVersion, updated.ResourceVersion)

		// 用旧版本再次更新会冲突
		_, err = c.Update(ctx, toUpdate)
		assert.True(t, apierrors.IsConflict(err))
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		obj, err := c.Get(ctx, gatewayGVK, "default", "main")
		require.NoError(t, err)
		gw := obj.(*cloudstreamsv1.Gateway)
		metav1.SetCondition(&gw.Status.Conditions, metav1.Condition{
			Type:   cloudstreamsv1.GatewayConditionReady,
			Status: metav1.ConditionStatusTrue,
			Reason: "Test",
		})
		gw.Spec.Authorization = nil
		obj, err = c.UpdateStatus(ctx, gw)
		require.NoError(t, err)
		updated := obj.(*cloudstreamsv1.Gateway)
		require.NotNil(t, metav1.FindCondition(updated.Status.Conditions, cloudstreamsv1.GatewayConditionReady))
		assert.NotNil(t, updated.Spec.Authorization, "status writes leave the spec alone")
	})

	t.Run("Patch", func(t *testing.T) {
		obj, err := c.Patch(ctx, gatewayGVK, "default", "main", registry.Patch{
			Type: types.JSONPatchType,
			Data: []byte(`[{"op":"add","path":"/metadata/labels/tier","value":"edge"}]`),
		})
		require.NoError(t, err)
		assert.Equal(t, "edge", obj.(*cloudstreamsv1.Gateway).Labels["tier"])

		_, err = c.Patch(ctx, gatewayGVK, "default", "main", registry.Patch{Data: []byte(`{}`)})
		assert.True(t, apierrors.IsBadRequest(err), "patch kind is never inferred")
	})

	t.Run("List", func(t *testing.T) {
		_, err := c.Add(ctx, newGateway("other", "second"))
		require.NoError(t, err)

		obj, err := c.List(ctx, gatewayGVK, registry.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, obj.(*cloudstreamsv1.GatewayList).Items, 2)

		obj, err = c.List(ctx, gatewayGVK, registry.ListOptions{Namespace: "other"})
		require.NoError(t, err)
		assert.Len(t, obj.(*cloudstreamsv1.GatewayList).Items, 1)

		obj, err = c.List(ctx, gatewayGVK, registry.ListOptions{LabelSelector: labels.SelectorFromSet(labels.Set{"tier": "edge"})})
		require.NoError(t, err)
		items := obj.(*cloudstreamsv1.GatewayList).Items
		require.Len(t, items, 1)
		assert.Equal(t, "main", items[0].Name)
	})

	obj, err = c.Delete(ctx, gatewayGVK, "default", "main")
	require.NoError(t, err)
	assert.Equal(t, "main", obj.(*cloudstreamsv1.Gateway).Name)
	_, err = c.Delete(ctx, gatewayGVK, "default", "main")
	assert.True(t, apierrors.IsNotFound(err))
}

func TestClientWatch(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := c.Watch(ctx, gatewayGVK, registry.ListOptions{Namespace: "default"})
	require.NoError(t, err)
	defer w.Stop()

	_, err = c.Add(ctx, newGateway("other", "ignored"))
	require.NoError(t, err)
	_, err = c.Add(ctx, newGateway("default", "main"))
	require.NoError(t, err)
	_, err = c.Patch(ctx, gatewayGVK, "default", "main", registry.Patch{Type: types.MergePatchType, Data: []byte(`{"metadata":{"labels":{"v":"2"}}}`)})
	require.NoError(t, err)
	_, err = c.Delete(ctx, gatewayGVK, "default", "main")
	require.NoError(t, err)

	for _, want := range []watch.EventType{watch.Added, watch.Modified, watch.Deleted} {
		ev := nextEvent(t, w)
		assert.Equal(t, want, ev.Type)
		gw := ev.Object.(*cloudstreamsv1.Gateway)
		assert.Equal(t, "main", gw.Name)
	}

	t.Run("StopClosesStream", func(t *testing.T) {
		w.Stop()
		w.Stop()
		select {
		case _, ok := <-w.ResultChan():
			for ok {
				_, ok = <-w.ResultChan()
			}
		case <-time.After(5 * time.Second):
			t.Fatal("watch was not closed after Stop")
		}
	})
}

// 控制器通过远程仓库工作时，与使用本地仓库的行为一致
func TestResourceControllerOverHTTP(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.Add(ctx, newGateway("default", "seeded"))
	require.NoError(t, err)

	rc := controller.NewResourceController(c, gatewayGVK, controller.Options{Namespace: "default"})
	require.NoError(t, rc.Start(ctx))
	defer rc.Stop()

	_, exists := rc.Get("default", "seeded")
	assert.True(t, exists, "seed reconciliation lists through the API")

	_, err = c.Add(ctx, newGateway("default", "pushed"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := rc.Get("default", "pushed")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	_, err = c.Delete(ctx, gatewayGVK, "default", "seeded")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := rc.Get("default", "seeded")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
