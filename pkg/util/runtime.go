package util

import (
	"fmt"

	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/tools/cache"
)

// GetGVK 返回对象的 GVK。
// 对象自身携带了 apiVersion/kind 时以它为准，否则通过 scheme 反查 Go 类型。
func GetGVK(obj runtime.Object, scheme *runtime.Scheme) (schema.GroupVersionKind, error) {
	gvk := obj.GetObjectKind().GroupVersionKind()
	if !gvk.Empty() && gvk.Kind != "" {
		return gvk, nil
	}
	gvks, _, err := scheme.ObjectKinds(obj)
	if err != nil {
		return schema.GroupVersionKind{}, err
	}
	if len(gvks) == 0 {
		return schema.GroupVersionKind{}, fmt.Errorf("no kind registered for %T", obj)
	}
	return gvks[0], nil
}

// EnsureGVK 在对象缺少 apiVersion/kind 时从 scheme 中补全。
// JSON 序列化前调用，保证输出的文档总是自描述的。
func EnsureGVK(obj runtime.Object, scheme *runtime.Scheme) error {
	gvk, err := GetGVK(obj, scheme)
	if err != nil {
		return err
	}
	obj.GetObjectKind().SetGroupVersionKind(gvk)
	return nil
}

// ObjectKeyOf 返回对象在缓存中的身份。
func ObjectKeyOf(obj runtime.Object) (cache.ObjectName, error) {
	accessor, err := metav1.Accessor(obj)
	if err != nil {
		return cache.ObjectName{}, err
	}
	return cache.ObjectName{Namespace: accessor.GetNamespace(), Name: accessor.GetName()}, nil
}

// ResourceVersionOf 返回对象的 resourceVersion，无法访问元数据时返回空串。
func ResourceVersionOf(obj runtime.Object) string {
	accessor, err := metav1.Accessor(obj)
	if err != nil {
		return ""
	}
	return accessor.GetResourceVersion()
}
