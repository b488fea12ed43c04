package registry

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/install"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
)

var gatewayGVK = cloudstreamsv1.SchemeGroupVersion.WithKind(cloudstreamsv1.GatewayKind)

// newTestRegistry 在临时目录中创建一个 Registry，测试结束时自动关闭。
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	scheme, defs, err := install.New()
	require.NoError(t, err)

	reg, err := Open(filepath.Join(t.TempDir(), "registry.db"), scheme, defs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

// newTestGateway 是一个辅助函数，用于快速创建一个测试用的 Gateway 对象。
func newTestGateway(namespace, name string) *cloudstreamsv1.Gateway {
	return &cloudstreamsv1.Gateway{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
			Labels:    map[string]string{"app": name},
		},
		Spec: cloudstreamsv1.GatewaySpec{
			Authorization: &cloudstreamsv1.AuthorizationPolicy{
				DecisionStrategy: cloudstreamsv1.DecisionStrategyUnanimous,
			},
		},
	}
}

func rvOf(t *testing.T, obj interface{ GetResourceVersion() string }) uint64 {
	t.Helper()
	rv, err := strconv.ParseUint(obj.GetResourceVersion(), 10, 64)
	require.NoError(t, err)
	return rv
}

func TestRegistryCRUD(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var created *cloudstreamsv1.Gateway

	t.Run("AddAndGet", func(t *testing.T) {
		obj, err := reg.Add(ctx, newTestGateway("default", "main"))
		require.NoError(t, err)
		created = obj.(*cloudstreamsv1.Gateway)

		assert.NotEmpty(t, created.UID)
		assert.NotEmpty(t, created.ResourceVersion)
		assert.False(t, created.CreationTimestamp.IsZero())
		assert.Equal(t, gatewayGVK, created.GroupVersionKind())

		got, err := reg.Get(ctx, gatewayGVK, "default", "main")
		require.NoError(t, err)
		assert.Equal(t, created, got)
	})

	t.Run("AddDuplicate", func(t *testing.T) {
		_, err := reg.Add(ctx, newTestGateway("default", "main"))
		assert.True(t, errors.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)
	})

	t.Run("AddInvalidName", func(t *testing.T) {
		_, err := reg.Add(ctx, newTestGateway("default", "Not_Valid"))
		assert.True(t, errors.IsInvalid(err), "expected Invalid, got %v", err)

		_, err = reg.Add(ctx, newTestGateway("", "main"))
		assert.True(t, errors.IsInvalid(err), "namespaced resources require a namespace")
	})

	t.Run("UpdateKeepsStatus", func(t *testing.T) {
		withStatus := created.DeepCopy()
		metav1.SetCondition(&withStatus.Status.Conditions, metav1.Condition{Type: cloudstreamsv1.GatewayConditionReady, Status: metav1.ConditionStatusTrue})
		statusObj, err := reg.UpdateStatus(ctx, withStatus)
		require.NoError(t, err)
		updatedStatus := statusObj.(*cloudstreamsv1.Gateway)
		require.Len(t, updatedStatus.Status.Conditions, 1)
		assert.Greater(t, rvOf(t, updatedStatus), rvOf(t, created))

		// spec 更新不能抹掉 status
		toUpdate := updatedStatus.DeepCopy()
		toUpdate.Spec.Authorization.DecisionStrategy = cloudstreamsv1.DecisionStrategyMinority
		toUpdate.Status = cloudstreamsv1.GatewayStatus{}
		obj, err := reg.Update(ctx, toUpdate)
		require.NoError(t, err)
		updated := obj.(*cloudstreamsv1.Gateway)
		assert.Equal(t, cloudstreamsv1.DecisionStrategyMinority, updated.Spec.Authorization.DecisionStrategy)
		assert.Len(t, updated.Status.Conditions, 1)
		assert.Equal(t, created.UID, updated.UID)
		created = updated
	})

	t.Run("UpdateStatusKeepsSpec", func(t *testing.T) {
		toUpdate := created.DeepCopy()
		toUpdate.Spec.Authorization = nil
		toUpdate.Status.Conditions = nil
		obj, err := reg.UpdateStatus(ctx, toUpdate)
		require.NoError(t, err)
		updated := obj.(*cloudstreamsv1.Gateway)
		assert.NotNil(t, updated.Spec.Authorization)
		assert.Empty(t, updated.Status.Conditions)
		created = updated
	})

	t.Run("UpdateConflict", func(t *testing.T) {
		stale := created.DeepCopy()
		stale.ResourceVersion = "1"
		_, err := reg.Update(ctx, stale)
		assert.True(t, errors.IsConflict(err), "expected Conflict, got %v", err)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		_, err := reg.Update(ctx, newTestGateway("default", "missing"))
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("Delete", func(t *testing.T) {
		obj, err := reg.Delete(ctx, gatewayGVK, "default", "main")
		require.NoError(t, err)
		assert.Greater(t, rvOf(t, obj.(*cloudstreamsv1.Gateway)), rvOf(t, created))

		_, err = reg.Get(ctx, gatewayGVK, "default", "main")
		assert.True(t, errors.IsNotFound(err))

		_, err = reg.Delete(ctx, gatewayGVK, "default", "main")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestRegistryList(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, gw := range []*cloudstreamsv1.Gateway{
		newTestGateway("default", "app-one"),
		newTestGateway("default", "app-two"),
		newTestGateway("production", "app-one"), // 在另一个命名空间下的同名对象
	} {
		_, err := reg.Add(ctx, gw)
		require.NoError(t, err)
	}

	t.Run("AllNamespaces", func(t *testing.T) {
		obj, err := reg.List(ctx, gatewayGVK, ListOptions{})
		require.NoError(t, err)
		list := obj.(*cloudstreamsv1.GatewayList)
		assert.Len(t, list.Items, 3)
		assert.Equal(t, "3", list.ResourceVersion)
	})

	t.Run("Namespace", func(t *testing.T) {
		obj, err := reg.List(ctx, gatewayGVK, ListOptions{Namespace: "production"})
		require.NoError(t, err)
		list := obj.(*cloudstreamsv1.GatewayList)
		require.Len(t, list.Items, 1)
		assert.Equal(t, "app-one", list.Items[0].Name)
	})

	t.Run("LabelSelector", func(t *testing.T) {
		selector, err := labels.Parse("app=app-two")
		require.NoError(t, err)
		obj, err := reg.List(ctx, gatewayGVK, ListOptions{LabelSelector: selector})
		require.NoError(t, err)
		list := obj.(*cloudstreamsv1.GatewayList)
		require.Len(t, list.Items, 1)
		assert.Equal(t, "app-two", list.Items[0].Name)
	})

	t.Run("EmptyKind", func(t *testing.T) {
		obj, err := reg.List(ctx, cloudstreamsv1.SchemeGroupVersion.WithKind(cloudstreamsv1.BrokerKind), ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, obj.(*cloudstreamsv1.BrokerList).Items)
	})
}

func TestRegistryPatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Add(ctx, newTestGateway("default", "main"))
	require.NoError(t, err)

	t.Run("MergePatch", func(t *testing.T) {
		obj, err := reg.Patch(ctx, gatewayGVK, "default", "main", Patch{
			Type: types.MergePatchType,
			Data: []byte(`{"metadata":{"labels":{"tier":"edge"}}}`),
		})
		require.NoError(t, err)
		gw := obj.(*cloudstreamsv1.Gateway)
		assert.Equal(t, "edge", gw.Labels["tier"])
		assert.Equal(t, "main", gw.Labels["app"])
	})

	t.Run("JSONPatch", func(t *testing.T) {
		obj, err := reg.Patch(ctx, gatewayGVK, "default", "main", Patch{
			Type: types.JSONPatchType,
			Data: []byte(`[{"op":"replace","path":"/spec/authorization/decisionStrategy","value":"consensus"}]`),
		})
		require.NoError(t, err)
		assert.Equal(t, cloudstreamsv1.DecisionStrategyConsensus, obj.(*cloudstreamsv1.Gateway).Spec.Authorization.DecisionStrategy)
	})

	t.Run("StrategicMergePatch", func(t *testing.T) {
		obj, err := reg.Patch(ctx, gatewayGVK, "default", "main", Patch{
			Type: types.StrategicMergePatchType,
			Data: []byte(`{"spec":{"validation":{"skipValidation":true}}}`),
		})
		require.NoError(t, err)
		gw := obj.(*cloudstreamsv1.Gateway)
		require.NotNil(t, gw.Spec.Validation)
		assert.True(t, gw.Spec.Validation.SkipValidation)
		assert.NotNil(t, gw.Spec.Authorization)
	})

	t.Run("PatchCannotRename", func(t *testing.T) {
		obj, err := reg.Patch(ctx, gatewayGVK, "default", "main", Patch{
			Type: types.MergePatchType,
			Data: []byte(`{"metadata":{"name":"other"}}`),
		})
		require.NoError(t, err)
		assert.Equal(t, "main", obj.(*cloudstreamsv1.Gateway).Name)
	})

	t.Run("PatchStatus", func(t *testing.T) {
		obj, err := reg.PatchStatus(ctx, gatewayGVK, "default", "main", Patch{
			Type: types.MergePatchType,
			Data: []byte(`{"spec":null,"status":{"conditions":[{"type":"Ready","status":"True"}]}}`),
		})
		require.NoError(t, err)
		gw := obj.(*cloudstreamsv1.Gateway)
		assert.Len(t, gw.Status.Conditions, 1)
		assert.NotNil(t, gw.Spec.Authorization, "status patches never touch spec")
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := reg.Patch(ctx, gatewayGVK, "default", "main", Patch{Type: "application/yaml", Data: []byte(`{}`)})
		assert.True(t, errors.IsUnsupportedMediaType(err))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := reg.Patch(ctx, gatewayGVK, "default", "missing", Patch{Type: types.MergePatchType, Data: []byte(`{}`)})
		assert.True(t, errors.IsNotFound(err))
	})
}

// nextEvent 读取下一个事件，超时视为失败。
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

func TestRegistryWatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 还没有任何对象时 watch 也必须成功，并且是一个打开的空流
	w, err := reg.Watch(ctx, gatewayGVK, ListOptions{Namespace: "default"})
	require.NoError(t, err)
	defer w.Stop()

	select {
	case ev := <-w.ResultChan():
		t.Fatalf("unexpected event on empty stream: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = reg.Add(ctx, newTestGateway("other", "ignored"))
	require.NoError(t, err)
	_, err = reg.Add(ctx, newTestGateway("default", "main"))
	require.NoError(t, err)
	_, err = reg.Patch(ctx, gatewayGVK, "default", "main", Patch{Type: types.MergePatchType, Data: []byte(`{"metadata":{"labels":{"v":"2"}}}`)})
	require.NoError(t, err)
	_, err = reg.Delete(ctx, gatewayGVK, "default", "main")
	require.NoError(t, err)

	expected := []watch.EventType{watch.Added, watch.Modified, watch.Deleted}
	var lastRV uint64
	for _, want := range expected {
		ev := nextEvent(t, w)
		assert.Equal(t, want, ev.Type)
		gw := ev.Object.(*cloudstreamsv1.Gateway)
		assert.Equal(t, "default", gw.Namespace, "events from other namespaces are filtered out")
		rv := rvOf(t, gw)
		assert.Greater(t, rv, lastRV, "events for one object follow its resourceVersion")
		lastRV = rv
	}

	t.Run("StopClosesStream", func(t *testing.T) {
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

func TestRegistryWatchLabelTransitions(t *testing.T) {
	reg := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	selector, err := labels.Parse("tier=gold")
	require.NoError(t, err)
	w, err := reg.Watch(ctx, gatewayGVK, ListOptions{LabelSelector: selector})
	require.NoError(t, err)
	defer w.Stop()

	setLabels := func(patch string) {
		t.Helper()
		_, err := reg.Patch(ctx, gatewayGVK, "default", "main", Patch{Type: types.MergePatchType, Data: []byte(patch)})
		require.NoError(t, err)
	}

	gw := newTestGateway("default", "main")
	gw.Labels["tier"] = "bronze"
	_, err = reg.Add(ctx, gw)
	require.NoError(t, err)

	// 进入 selector
	setLabels(`{"metadata":{"labels":{"tier":"gold"}}}`)
	ev := nextEvent(t, w)
	assert.Equal(t, watch.Added, ev.Type)
	entered := rvOf(t, ev.Object.(*cloudstreamsv1.Gateway))

	setLabels(`{"metadata":{"labels":{"owner":"ops"}}}`)
	ev = nextEvent(t, w)
	assert.Equal(t, watch.Modified, ev.Type)

	// 离开 selector：携带新对象和新版本号
	setLabels(`{"metadata":{"labels":{"tier":"bronze"}}}`)
	ev = nextEvent(t, w)
	assert.Equal(t, watch.Deleted, ev.Type)
	left := ev.Object.(*cloudstreamsv1.Gateway)
	assert.Equal(t, "bronze", left.Labels["tier"])
	assert.Greater(t, rvOf(t, left), entered)

	// 不匹配的对象的变化和删除都不可见
	setLabels(`{"metadata":{"labels":{"owner":"dev"}}}`)
	_, err = reg.Delete(ctx, gatewayGVK, "default", "main")
	require.NoError(t, err)

	marker := newTestGateway("default", "marker")
	marker.Labels["tier"] = "gold"
	_, err = reg.Add(ctx, marker)
	require.NoError(t, err)
	ev = nextEvent(t, w)
	assert.Equal(t, watch.Added, ev.Type)
	assert.Equal(t, "marker", ev.Object.(*cloudstreamsv1.Gateway).Name)
}

func TestRegistryWatchContextCancel(t *testing.T) {
	reg := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	w, err := reg.Watch(ctx, gatewayGVK, ListOptions{})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-w.ResultChan():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("watch was not closed after context cancellation")
	}

	// 取消后的写入不能被已经结束的订阅者阻塞
	_, err = reg.Add(context.Background(), newTestGateway("default", "main"))
	require.NoError(t, err)
}

func TestEventWireShape(t *testing.T) {
	reg := newTestRegistry(t)
	obj, err := reg.Add(context.Background(), newTestGateway("default", "main"))
	require.NoError(t, err)

	ev, err := NewEvent(reg.scheme, watch.Event{Type: watch.Added, Object: obj})
	require.NoError(t, err)
	assert.Equal(t, EventCreated, ev.Type)
	assert.Contains(t, string(ev.Resource), `"kind":"Gateway"`)

	decoded, err := ev.Decode(func(data []byte) (runtime.Object, error) {
		return Decode(reg.scheme, gatewayGVK, data)
	})
	require.NoError(t, err)
	assert.Equal(t, watch.Added, decoded.Type)
	assert.Equal(t, obj, decoded.Object)
}
