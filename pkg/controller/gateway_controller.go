package controller

import (
	"context"
	"fmt"
	"time"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/authorization"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/metrics"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/util"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
)

const (
	// maxRetries 是一个 key 在被放弃前的最大重试次数。
	maxRetries = 15

	ReasonPoliciesValid = "PoliciesValid"
	ReasonInvalidPolicy = "InvalidPolicy"
)

// GatewayController 校验每个 Gateway 的策略，并把结果写入 status 中的 Ready condition。
// 准入控制在运行时才会发现的配置错误，在这里提前暴露给运维人员。
type GatewayController struct {
	// registry 用于写回 status
	registry registry.Interface

	// gateways 提供 Gateway 的缓存
	gateways *ResourceController

	// queue 是一个限速工作队列。
	queue workqueue.TypedRateLimitingInterface[cache.ObjectName]
}

// NewGatewayController 创建一个新的控制器实例。
func NewGatewayController(reg registry.Interface, gateways *ResourceController) *GatewayController {
	c := &GatewayController{
		registry: reg,
		gateways: gateways,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[cache.ObjectName](),
			workqueue.TypedRateLimitingQueueConfig[cache.ObjectName]{Name: "gateway"},
		),
	}

	// EventHandler 的唯一职责就是将事件的 key 推入队列。
	gateways.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    c.enqueueGateway,
		UpdateFunc: func(_, obj interface{}) { c.enqueueGateway(obj) },
		// 删除之后没有 status 可写
	})
	return c
}

// enqueueGateway 将一个 Gateway 的 key 添加到工作队列中。
func (c *GatewayController) enqueueGateway(obj interface{}) {
	ro, ok := obj.(runtime.Object)
	if !ok {
		utilruntime.HandleError(fmt.Errorf("unexpected object %T", obj))
		return
	}
	key, err := util.ObjectKeyOf(ro)
	if err != nil {
		utilruntime.HandleError(err)
		return
	}
	c.queue.Add(key)
}

// Run 启动控制器的主工作循环，阻塞直到 ctx 结束。
// gateways 缓存需要由调用方启动。
func (c *GatewayController) Run(ctx context.Context, workers int) {
	defer utilruntime.HandleCrash()
	defer c.queue.ShutDown()

	logger := klog.FromContext(ctx).WithName("gateway-controller")
	logger.Info("Starting Gateway controller")
	defer logger.Info("Shutting down Gateway controller")

	logger.Info("Waiting for informer caches to sync...")
	if !cache.WaitForCacheSync(ctx.Done(), c.gateways.HasSynced) {
		utilruntime.HandleError(fmt.Errorf("timed out waiting for caches to sync"))
		return
	}

	logger.Info("Starting workers", "count", workers)
	for i := 0; i < workers; i++ {
		go wait.UntilWithContext(ctx, c.runWorker, time.Second)
	}

	<-ctx.Done()
}

// runWorker 是一个持续运行的循环，负责从队列中消费任务并处理。
func (c *GatewayController) runWorker(ctx context.Context) {
	for c.processNextWorkItem(ctx) {
	}
}

// processNextWorkItem 从队列中取出一个任务，并调用 reconcile 来处理它。
func (c *GatewayController) processNextWorkItem(ctx context.Context) bool {
	key, quit := c.queue.Get()
	if quit {
		return false
	}
	defer c.queue.Done(key)

	err := c.reconcile(ctx, key)
	metrics.RecordReconciliation("GatewayStatus", err)
	c.handleErr(err, key)
	return true
}

// handleErr 负责处理 reconcile 返回的错误，并决定是否重试。
func (c *GatewayController) handleErr(err error, key cache.ObjectName) {
	if err == nil {
		c.queue.Forget(key)
		return
	}

	if c.queue.NumRequeues(key) < maxRetries {
		klog.V(2).InfoS("Error syncing gateway, retrying", "gateway", key.String(), "err", err)
		c.queue.AddRateLimited(key)
		return
	}

	utilruntime.HandleError(err)
	klog.InfoS("Dropping gateway out of the queue", "gateway", key.String(), "err", err)
	c.queue.Forget(key)
}

func (c *GatewayController) reconcile(ctx context.Context, key cache.ObjectName) error {
	klog.V(4).InfoS("Reconciling Gateway", "gateway", key.String())

	obj, exists := c.gateways.Get(key.Namespace, key.Name)
	if !exists {
		klog.V(4).InfoS("Gateway in work queue no longer exists", "gateway", key.String())
		return nil
	}
	gw := obj.(*cloudstreamsv1.Gateway)

	desired := readyCondition(gw)
	if current := metav1.FindCondition(gw.Status.Conditions, cloudstreamsv1.GatewayConditionReady); current != nil &&
		current.Status == desired.Status && current.Reason == desired.Reason && current.Message == desired.Message {
		return nil
	}

	// 只写 status，不会覆盖用户同时对 spec 做的修改
	toUpdate := gw.DeepCopy()
	metav1.SetCondition(&toUpdate.Status.Conditions, desired)
	if _, err := c.registry.UpdateStatus(ctx, toUpdate); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		// Conflict 表示缓存还没有看到最新版本，重试时会读到新的对象
		return fmt.Errorf("failed to update status of gateway %s: %w", key, err)
	}
	klog.InfoS("Updated Gateway status", "gateway", key.String(), "ready", desired.IsTrue(), "reason", desired.Reason)
	return nil
}

// readyCondition 根据策略的静态校验结果计算 Ready condition
func readyCondition(gw *cloudstreamsv1.Gateway) metav1.Condition {
	errs := authorization.ValidateGateway(&gw.Spec)
	if len(errs) > 0 {
		return metav1.Condition{
			Type:    cloudstreamsv1.GatewayConditionReady,
			Status:  metav1.ConditionStatusFalse,
			Reason:  ReasonInvalidPolicy,
			Message: errs.ToAggregate().Error(),
		}
	}
	return metav1.Condition{
		Type:    cloudstreamsv1.GatewayConditionReady,
		Status:  metav1.ConditionStatusTrue,
		Reason:  ReasonPoliciesValid,
		Message: "all authorization policies are valid",
	}
}
