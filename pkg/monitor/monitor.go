package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/util"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
)

// ErrNotRunning 表示对一个未运行的 monitor 进行了订阅
var ErrNotRunning = errors.New("monitor is not running")

const defaultRetryDelay = time.Second

// Monitor 跟踪单个资源的实时状态。
// 依赖方通过 State 同步读取最新值，不需要自己轮询仓库。
// 被监视的资源删除后，monitor 发布最后一次状态并自行停止。
type Monitor struct {
	repo       registry.Interface
	gvk        schema.GroupVersionKind
	key        cache.ObjectName
	retryDelay time.Duration
	logger     klog.Logger

	// state 只做整体替换，读取方不会看到更新到一半的对象
	state   atomic.Pointer[runtime.Object]
	running atomic.Bool

	lifecycleLock sync.Mutex
	cancel        context.CancelFunc
	done          chan struct{}
	broadcaster   *watch.Broadcaster
}

// New 创建一个 monitor。initial 是调用方已经读到的资源状态，作为 State 的初值。
func New(repo registry.Interface, initial runtime.Object) (*Monitor, error) {
	key, err := util.ObjectKeyOf(initial)
	if err != nil {
		return nil, err
	}
	gvk := initial.GetObjectKind().GroupVersionKind()
	if gvk.Empty() {
		return nil, fmt.Errorf("monitored object %s has no kind", key)
	}
	m := &Monitor{
		repo:       repo,
		gvk:        gvk,
		key:        key,
		retryDelay: defaultRetryDelay,
		logger:     klog.LoggerWithValues(klog.LoggerWithName(klog.Background(), "monitor"), "kind", gvk.Kind, "resource", key.String()),
	}
	m.setState(initial.DeepCopyObject())
	return m, nil
}

// Get 从仓库读取资源并创建 monitor
func Get(ctx context.Context, repo registry.Interface, gvk schema.GroupVersionKind, namespace, name string) (*Monitor, error) {
	obj, err := repo.Get(ctx, gvk, namespace, name)
	if err != nil {
		return nil, err
	}
	obj.GetObjectKind().SetGroupVersionKind(gvk)
	return New(repo, obj)
}

// State 返回最新的已知状态。对象是共享的，调用方不能修改。
func (m *Monitor) State() runtime.Object {
	return *m.state.Load()
}

func (m *Monitor) setState(obj runtime.Object) {
	m.state.Store(&obj)
}

func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Key 返回被监视资源的身份
func (m *Monitor) Key() cache.ObjectName {
	return m.key
}

// Start 打开 watch 并在后台跟踪资源。已经在运行时不做任何事。
// 资源在 monitor 创建之后已被删除时返回 NotFound，monitor 保持未运行。
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleLock.Lock()
	defer m.lifecycleLock.Unlock()
	if m.running.Load() {
		return nil
	}
	if m.cancel != nil {
		// 上一轮因资源被删除而自行结束
		m.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	w, err := m.repo.Watch(runCtx, m.gvk, registry.ListOptions{Namespace: m.key.Namespace})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to watch %s %s: %w", m.gvk.Kind, m.key, err)
	}

	// 读取与打开 watch 之间发生的写入只能靠这次读取补上
	if _, err := m.refresh(runCtx); err != nil {
		if apierrors.IsNotFound(err) {
			w.Stop()
			cancel()
			return fmt.Errorf("monitored %s %s no longer exists: %w", m.gvk.Kind, m.key, err)
		}
		m.logger.Error(err, "Failed to refresh monitored resource, continuing with the initial state")
	}

	m.cancel = cancel
	m.done = make(chan struct{})
	m.broadcaster = watch.NewBroadcaster(16, watch.WaitIfChannelFull)
	m.running.Store(true)

	go m.run(runCtx, w, m.done, m.broadcaster)
	m.logger.V(2).Info("Started monitor")
	return nil
}

// Stop 释放 watch 并标记为未运行。重复调用不做任何事。
func (m *Monitor) Stop() {
	m.lifecycleLock.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.lifecycleLock.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Subscribe 订阅状态变化。每个事件携带变化后的状态，最后一个事件是 Deleted。
// 订阅者必须持续读取直到流关闭，或者调用 Stop 退订，否则会阻塞 monitor。
// monitor 未运行时返回 ErrNotRunning。
func (m *Monitor) Subscribe() (watch.Interface, error) {
	m.lifecycleLock.Lock()
	defer m.lifecycleLock.Unlock()
	if !m.running.Load() {
		return nil, ErrNotRunning
	}
	return m.broadcaster.Watch()
}

// Done 在 monitor 停止后关闭。未启动过时返回 nil。
func (m *Monitor) Done() <-chan struct{} {
	m.lifecycleLock.Lock()
	defer m.lifecycleLock.Unlock()
	return m.done
}

func (m *Monitor) run(ctx context.Context, w watch.Interface, done chan struct{}, broadcaster *watch.Broadcaster) {
	defer close(done)
	defer broadcaster.Shutdown()
	defer m.running.Store(false)
	defer utilruntime.HandleCrash()

	for {
		deleted := m.consume(ctx, w, broadcaster)
		w.Stop()
		if deleted {
			m.logger.Info("Monitored resource was deleted, stopping")
			return
		}
		if ctx.Err() != nil {
			return
		}

		// 流提前结束：重新打开 watch，并读一次资源补上断开期间的变化
		var reopened watch.Interface
		err := wait.PollUntilContextCancel(ctx, m.retryDelay, false, func(ctx context.Context) (bool, error) {
			nw, err := m.repo.Watch(ctx, m.gvk, registry.ListOptions{Namespace: m.key.Namespace})
			if err != nil {
				m.logger.Error(err, "Failed to re-open watch")
				return false, nil
			}
			reopened = nw
			return true, nil
		})
		if err != nil {
			return
		}
		w = reopened

		obj, err := m.refresh(ctx)
		switch {
		case apierrors.IsNotFound(err):
			m.publish(broadcaster, watch.Deleted, m.State())
			w.Stop()
			m.logger.Info("Monitored resource disappeared while the watch was down, stopping")
			return
		case err != nil:
			m.logger.Error(err, "Failed to refresh monitored resource")
		case obj != nil:
			m.publish(broadcaster, watch.Modified, obj)
		}
	}
}

// refresh 从仓库重新读取资源。版本号变化时替换 State 并返回新对象，否则返回 nil。
func (m *Monitor) refresh(ctx context.Context) (runtime.Object, error) {
	obj, err := m.repo.Get(ctx, m.gvk, m.key.Namespace, m.key.Name)
	if err != nil {
		return nil, err
	}
	if util.ResourceVersionOf(obj) == util.ResourceVersionOf(m.State()) {
		return nil, nil
	}
	obj.GetObjectKind().SetGroupVersionKind(m.gvk)
	m.setState(obj)
	return obj, nil
}

// consume 读取 watch 流，只保留与被监视资源身份相同的事件，直到第一个 Deleted（含）。
// 返回值表示是否已经看到 Deleted。
func (m *Monitor) consume(ctx context.Context, w watch.Interface, broadcaster *watch.Broadcaster) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-w.ResultChan():
			if !ok {
				return false
			}
			if event.Type == watch.Error {
				m.logger.Error(apierrors.FromObject(event.Object), "Watch reported an error")
				continue
			}
			// 按身份过滤，而不是与当前缓存的值做比较
			key, err := util.ObjectKeyOf(event.Object)
			if err != nil || key != m.key {
				continue
			}
			m.setState(event.Object)
			m.publish(broadcaster, event.Type, event.Object)
			if event.Type == watch.Deleted {
				return true
			}
		}
	}
}

func (m *Monitor) publish(broadcaster *watch.Broadcaster, eventType watch.EventType, obj runtime.Object) {
	if err := broadcaster.Action(eventType, obj); err != nil {
		m.logger.V(4).Info("Dropped monitor event", "reason", err.Error())
	}
}
