package v1

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// Object 是所有嵌入了 ObjectMeta 的资源都满足的访问接口。
// registry、controller 和 monitor 只通过它读写元数据，不依赖具体类型。
type Object interface {
	GetName() string
	SetName(name string)
	GetNamespace() string
	SetNamespace(namespace string)
	GetUID() string
	SetUID(uid string)
	GetResourceVersion() string
	SetResourceVersion(version string)
	GetLabels() map[string]string
	SetLabels(labels map[string]string)
	GetAnnotations() map[string]string
	SetAnnotations(annotations map[string]string)
	GetCreationTimestamp() metav1.Time
	SetCreationTimestamp(timestamp metav1.Time)
}

var _ Object = &ObjectMeta{}

func (m *ObjectMeta) GetName() string { return m.Name }
func (m *ObjectMeta) SetName(name string) { m.Name = name }
func (m *ObjectMeta) GetNamespace() string { return m.Namespace }
func (m *ObjectMeta) SetNamespace(namespace string) { m.Namespace = namespace }
func (m *ObjectMeta) GetUID() string { return m.UID }
func (m *ObjectMeta) SetUID(uid string) { m.UID = uid }
func (m *ObjectMeta) GetResourceVersion() string { return m.ResourceVersion }
func (m *ObjectMeta) SetResourceVersion(version string) { m.ResourceVersion = version }
func (m *ObjectMeta) GetLabels() map[string]string { return m.Labels }
func (m *ObjectMeta) SetLabels(labels map[string]string) { m.Labels = labels }
func (m *ObjectMeta) GetAnnotations() map[string]string { return m.Annotations }
func (m *ObjectMeta) SetAnnotations(a map[string]string) { m.Annotations = a }
func (m *ObjectMeta) GetCreationTimestamp() metav1.Time { return m.CreationTimestamp }
func (m *ObjectMeta) SetCreationTimestamp(ts metav1.Time) { m.CreationTimestamp = ts }
func (l *ListMeta) GetResourceVersion() string { return l.ResourceVersion }
func (l *ListMeta) SetResourceVersion(version string) { l.ResourceVersion = version }

// Accessor 从一个 runtime.Object 中取出元数据访问接口。
func Accessor(obj runtime.Object) (Object, error) {
	if obj == nil {
		return nil, fmt.Errorf("object is nil")
	}
	accessor, ok := obj.(Object)
	if !ok {
		return nil, fmt.Errorf("object of type %T does not embed ObjectMeta", obj)
	}
	return accessor, nil
}

// FindCondition 按类型查找 condition，找不到时返回 nil。
func FindCondition(conditions []Condition, conditionType string) *Condition {
	for i := range conditions {
		if conditions[i].Type == conditionType {
			return &conditions[i]
		}
	}
	return nil
}

// SetCondition 新增或替换同类型的 condition。
// 只有当 Status 发生变化时才刷新 LastTransitionTime，否则保留原值，
// 这样重复调谐不会产生无意义的状态写入。
func SetCondition(conditions *[]Condition, condition Condition) {
	existing := FindCondition(*conditions, condition.Type)
	if existing == nil {
		if condition.LastTransitionTime.IsZero() {
			condition.LastTransitionTime = metav1.Now()
		}
		*conditions = append(*conditions, condition)
		return
	}
	if existing.Status != condition.Status {
		existing.Status = condition.Status
		if condition.LastTransitionTime.IsZero() {
			existing.LastTransitionTime = metav1.Now()
		} else {
			existing.LastTransitionTime = condition.LastTransitionTime
		}
	}
	existing.Reason = condition.Reason
	existing.Message = condition.Message
}
