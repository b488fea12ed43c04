package registry

import (
	"context"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
)

// Interface 是资源仓库的抽象。
// 它的方法是通用的，可以处理任何已登记了定义的资源类型。
// 上层组件（controller、monitor、apiserver）只依赖这个接口，
// 既可以由本地 bbolt 实现，也可以由远程 HTTP 客户端实现。
type Interface interface {
	// Add 创建一个新对象，同名对象已存在时返回 AlreadyExists。
	Add(ctx context.Context, obj runtime.Object) (runtime.Object, error)

	// Get 读取一个对象，不存在时返回 NotFound。
	Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (runtime.Object, error)

	// List 返回对应的 List 类型（例如 *GatewayList）。
	List(ctx context.Context, gvk schema.GroupVersionKind, opts ListOptions) (runtime.Object, error)

	// Watch 返回变更流。没有任何对象时也返回一个打开的空流。
	// 流可能随时结束，调用方重新调用 Watch 即可恢复。
	Watch(ctx context.Context, gvk schema.GroupVersionKind, opts ListOptions) (watch.Interface, error)

	// Update 替换对象的 spec 和元数据。
	// 携带的 resourceVersion 与存储中的不一致时返回 Conflict。
	Update(ctx context.Context, obj runtime.Object) (runtime.Object, error)

	// UpdateStatus 只替换对象的 status。
	UpdateStatus(ctx context.Context, obj runtime.Object) (runtime.Object, error)

	Patch(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, patch Patch) (runtime.Object, error)
	PatchStatus(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, patch Patch) (runtime.Object, error)

	// Delete 删除对象并返回它最后的状态，不存在时返回 NotFound。
	Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (runtime.Object, error)
}

// ListOptions 限定 List 和 Watch 的范围
type ListOptions struct {
	// Namespace 为空表示所有命名空间
	Namespace string
	// LabelSelector 为 nil 表示不过滤
	LabelSelector labels.Selector
}

func (o ListOptions) matches(namespace string, objLabels map[string]string) bool {
	if o.Namespace != "" && o.Namespace != namespace {
		return false
	}
	if o.LabelSelector != nil && !o.LabelSelector.Matches(labels.Set(objLabels)) {
		return false
	}
	return true
}

// Patch 是一个补丁文档及其类型。类型总是显式给出，从不根据文档内容推断。
type Patch struct {
	Type types.PatchType
	Data []byte
}
