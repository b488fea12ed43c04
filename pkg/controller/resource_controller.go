package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/metrics"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/util"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
)

const (
	// DefaultReconciliationInterval 是全量对账的默认周期
	DefaultReconciliationInterval = 5 * time.Minute
	// DefaultWatchRetryDelay 是 watch 断开后重新打开前的等待时间
	DefaultWatchRetryDelay = time.Second
)

// ResourceEventHandler 是一组由业务控制器提供的回调函数。
// 我们直接复用 client-go 的定义。
type ResourceEventHandler = cache.ResourceEventHandler

// Options 描述一个 ResourceController 关注的资源范围
type Options struct {
	// Namespace 为空表示所有命名空间
	Namespace string
	// LabelSelector 为 nil 表示不过滤
	LabelSelector labels.Selector
	// ReconciliationInterval 是周期性全量对账的间隔
	ReconciliationInterval time.Duration
	// WatchRetryDelay 是 watch 结束后重新打开前的等待时间
	WatchRetryDelay time.Duration
}

func (o Options) listOptions() registry.ListOptions {
	return registry.ListOptions{Namespace: o.Namespace, LabelSelector: o.LabelSelector}
}

// ResourceController 为一种资源类型维护一份完整的内存缓存。
// 缓存由两个来源驱动：仓库的 watch 流，以及周期性的全量 List 对账。
// 两者都只通过 transition 修改缓存，因此可以并发运行。
type ResourceController struct {
	repo   registry.Interface
	gvk    schema.GroupVersionKind
	opts   Options
	logger klog.Logger

	// --- 我们的核心状态 ---
	items  sync.Map // cache.ObjectName -> runtime.Object
	synced atomic.Bool

	// --- 事件分发 ---
	handlers    []ResourceEventHandler
	handlerLock sync.RWMutex
	broadcaster *watch.Broadcaster

	// --- 生命周期 ---
	lifecycleLock sync.Mutex
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewResourceController 创建一个新的 ResourceController 实例。
func NewResourceController(repo registry.Interface, gvk schema.GroupVersionKind, opts Options) *ResourceController {
	if opts.ReconciliationInterval <= 0 {
		opts.ReconciliationInterval = DefaultReconciliationInterval
	}
	if opts.WatchRetryDelay <= 0 {
		opts.WatchRetryDelay = DefaultWatchRetryDelay
	}
	return &ResourceController{
		repo:        repo,
		gvk:         gvk,
		opts:        opts,
		logger:      klog.LoggerWithValues(klog.LoggerWithName(klog.Background(), "resource-controller"), "kind", gvk.Kind),
		broadcaster: watch.NewBroadcaster(100, watch.WaitIfChannelFull),
	}
}

func (c *ResourceController) AddEventHandler(handler ResourceEventHandler) {
	c.handlerLock.Lock()
	defer c.handlerLock.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Watch 订阅缓存的变化。事件在缓存更新之后发出，对象不能被修改。
func (c *ResourceController) Watch() (watch.Interface, error) {
	return c.broadcaster.Watch()
}

// HasSynced 在第一次全量对账完成后返回 true
func (c *ResourceController) HasSynced() bool {
	return c.synced.Load()
}

// Get 按身份读取缓存中的对象
func (c *ResourceController) Get(namespace, name string) (runtime.Object, bool) {
	obj, ok := c.items.Load(cache.ObjectName{Namespace: namespace, Name: name})
	if !ok {
		return nil, false
	}
	return obj.(runtime.Object), true
}

// List 返回缓存中所有对象的快照，顺序不确定
func (c *ResourceController) List() []runtime.Object {
	var objs []runtime.Object
	c.items.Range(func(_, value interface{}) bool {
		objs = append(objs, value.(runtime.Object))
		return true
	})
	return objs
}

// Start 完成首次对账并打开 watch，之后在后台持续同步。
// 首次 List 或 Watch 失败时直接返回错误：一个从未填充过的缓存不能对外提供服务。
// 对已经在运行的控制器调用 Start 不做任何事。
func (c *ResourceController) Start(ctx context.Context) error {
	c.lifecycleLock.Lock()
	defer c.lifecycleLock.Unlock()
	if c.cancel != nil {
		return nil
	}

	c.logger.Info("Starting resource controller", "namespace", c.opts.Namespace, "interval", c.opts.ReconciliationInterval)
	runCtx, cancel := context.WithCancel(ctx)

	// 先打开 watch 再做首次 List，两者之间的变更不会丢失
	w, err := c.repo.Watch(runCtx, c.gvk, c.opts.listOptions())
	if err != nil {
		cancel()
		return fmt.Errorf("failed to watch %s: %w", c.gvk.Kind, err)
	}
	if err := c.reconcile(runCtx); err != nil {
		w.Stop()
		cancel()
		return fmt.Errorf("failed to seed %s cache: %w", c.gvk.Kind, err)
	}
	c.synced.Store(true)

	c.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer utilruntime.HandleCrash()
		c.watchLoop(runCtx, w)
	}()
	go func() {
		defer c.wg.Done()
		defer utilruntime.HandleCrash()
		// 首次对账已经在上面完成，第一次定时对账在一个周期之后
		_ = wait.PollUntilContextCancel(runCtx, c.opts.ReconciliationInterval, false, func(ctx context.Context) (bool, error) {
			c.resync(ctx)
			return false, nil
		})
	}()
	return nil
}

// Stop 关闭 watch 和定时器，并等待后台任务退出。Stop 之后不会再开始新的对账。
func (c *ResourceController) Stop() {
	c.lifecycleLock.Lock()
	defer c.lifecycleLock.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.cancel = nil
	c.logger.Info("Shut down resource controller")
}

// Running 表示控制器是否已启动且未停止
func (c *ResourceController) Running() bool {
	c.lifecycleLock.Lock()
	defer c.lifecycleLock.Unlock()
	return c.cancel != nil
}

// watchLoop 消费来自仓库的实时事件。流结束后等待片刻重新打开，并立即对账一次补上断开期间的变化。
func (c *ResourceController) watchLoop(ctx context.Context, w watch.Interface) {
	for {
		c.consume(ctx, w)
		w.Stop()
		if ctx.Err() != nil {
			return
		}

		c.logger.V(2).Info("Watch terminated, re-opening", "delay", c.opts.WatchRetryDelay)
		err := wait.PollUntilContextCancel(ctx, c.opts.WatchRetryDelay, false, func(ctx context.Context) (bool, error) {
			nw, err := c.repo.Watch(ctx, c.gvk, c.opts.listOptions())
			if err != nil {
				c.logger.Error(err, "Failed to re-open watch")
				return false, nil
			}
			w = nw
			return true, nil
		})
		if err != nil {
			return
		}
		metrics.RecordWatchRestart(c.gvk.Kind)
		c.resync(ctx)
	}
}

func (c *ResourceController) consume(ctx context.Context, w watch.Interface) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.ResultChan():
			if !ok {
				return
			}
			c.processEvent(event)
		}
	}
}

// processEvent 把 watch 事件映射到 transition
func (c *ResourceController) processEvent(event watch.Event) {
	switch event.Type {
	case watch.Added, watch.Modified, watch.Deleted:
		c.transition(event.Type, event.Object)
	case watch.Error:
		c.logger.Error(apierrors.FromObject(event.Object), "Watch reported an error")
	default:
		c.logger.V(2).Info("Ignoring unsupported watch event", "type", event.Type)
	}
}

// resync 是我们的"安全网"。失败只记录日志，下一个周期重试。
func (c *ResourceController) resync(ctx context.Context) {
	if err := c.reconcile(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error(err, "Periodic reconciliation failed, will retry")
	}
}

// reconcile 全量 List 一次，并把结果与缓存逐项比较：
// 缓存里没有的视为新增，resourceVersion 不同的以新列出的对象视为更新，
// 缓存里有但这次没有列出的视为删除。
// watch 在 List 期间仍会修改缓存。List 之后被 watch 改动过的条目以 watch 为准，本轮跳过。
func (c *ResourceController) reconcile(ctx context.Context) (err error) {
	defer func() { metrics.RecordReconciliation(c.gvk.Kind, err) }()
	c.logger.V(4).Info("Running reconciliation")

	before := c.versions()
	list, err := c.repo.List(ctx, c.gvk, c.opts.listOptions())
	if err != nil {
		return err
	}
	items, err := meta.ExtractList(list)
	if err != nil {
		return err
	}

	// untouched 表示条目自 List 之前以来没有被 watch 改动
	untouched := func(key cache.ObjectName) bool {
		current, exists := c.items.Load(key)
		rv, existed := before[key]
		if !exists {
			return !existed
		}
		return existed && rv == util.ResourceVersionOf(current.(runtime.Object))
	}

	seen := make(map[cache.ObjectName]struct{}, len(items))
	for _, item := range items {
		key, err := util.ObjectKeyOf(item)
		if err != nil {
			utilruntime.HandleError(err)
			continue
		}
		seen[key] = struct{}{}
		if !untouched(key) {
			continue
		}

		existing, exists := c.items.Load(key)
		switch {
		case !exists:
			c.transition(watch.Added, item)
		case util.ResourceVersionOf(existing.(runtime.Object)) != util.ResourceVersionOf(item):
			c.transition(watch.Modified, item)
		}
	}

	c.items.Range(func(key, value interface{}) bool {
		name := key.(cache.ObjectName)
		if _, ok := seen[name]; !ok && untouched(name) {
			c.transition(watch.Deleted, value.(runtime.Object))
		}
		return true
	})

	c.logger.V(4).Info("Reconciliation complete", "count", len(items))
	return nil
}

// versions 返回缓存中每个条目的 resourceVersion
func (c *ResourceController) versions() map[cache.ObjectName]string {
	out := map[cache.ObjectName]string{}
	c.items.Range(func(key, value interface{}) bool {
		out[key.(cache.ObjectName)] = util.ResourceVersionOf(value.(runtime.Object))
		return true
	})
	return out
}

// transition 是缓存唯一的状态迁移函数，watch 和对账共用。
// 新增/更新时整体替换缓存项，resourceVersion 未变则不通知；删除时移除缓存项。
// 重复应用同一个事件不会改变结果。
func (c *ResourceController) transition(eventType watch.EventType, obj runtime.Object) {
	key, err := util.ObjectKeyOf(obj)
	if err != nil {
		utilruntime.HandleError(fmt.Errorf("cannot compute cache key: %w", err))
		return
	}

	switch eventType {
	case watch.Added, watch.Modified:
		old, loaded := c.items.Swap(key, obj)
		if !loaded {
			c.distribute(watch.Added, nil, obj)
			return
		}
		if util.ResourceVersionOf(old.(runtime.Object)) == util.ResourceVersionOf(obj) {
			return
		}
		c.distribute(watch.Modified, old.(runtime.Object), obj)
	case watch.Deleted:
		old, loaded := c.items.LoadAndDelete(key)
		if !loaded {
			return
		}
		c.distribute(watch.Deleted, nil, old.(runtime.Object))
	}
}

// distribute 将一个缓存变化分发给所有已注册的处理器和订阅者。
func (c *ResourceController) distribute(eventType watch.EventType, oldObj, obj runtime.Object) {
	metrics.SetCachedResources(c.gvk.Kind, c.size())

	c.handlerLock.RLock()
	for _, handler := range c.handlers {
		switch eventType {
		case watch.Added:
			handler.OnAdd(obj, !c.synced.Load())
		case watch.Modified:
			handler.OnUpdate(oldObj, obj)
		case watch.Deleted:
			handler.OnDelete(obj)
		}
	}
	c.handlerLock.RUnlock()

	if err := c.broadcaster.Action(eventType, obj); err != nil {
		c.logger.V(4).Info("Dropped cache event", "reason", err.Error())
	}
}

func (c *ResourceController) size() int {
	n := 0
	c.items.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
