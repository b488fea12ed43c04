package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// TypeMeta 携带资源文档的 apiVersion 和 kind，实现 schema.ObjectKind
type TypeMeta struct {
	Kind string `json:"kind,omitempty"`
	// 例如 "cloud-streams.io/v1"
	APIVersion string `json:"apiVersion,omitempty"`
}

var _ schema.ObjectKind = &TypeMeta{}

func (t *TypeMeta) GetObjectKind() schema.ObjectKind { return t }

func (t *TypeMeta) SetGroupVersionKind(gvk schema.GroupVersionKind) {
	t.APIVersion, t.Kind = gvk.ToAPIVersionAndKind()
}

// GroupVersionKind 解析 apiVersion 和 kind，任一为空时结果不完整
func (t *TypeMeta) GroupVersionKind() schema.GroupVersionKind {
	return schema.FromAPIVersionAndKind(t.APIVersion, t.Kind)
}

// ObjectMeta 是每个 Gateway、Broker、Subscription 共有的元数据。
// uid、resourceVersion 和 creationTimestamp 只由 registry 写入，客户端提交的值会被覆盖或用于并发检查。
type ObjectMeta struct {
	// DNS-1123 子域名
	Name string `json:"name"`
	// 集群级资源为空
	Namespace string            `json:"namespace,omitempty"`
	UID       string            `json:"uid,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	// 不参与 label selector 匹配
	Annotations map[string]string `json:"annotations,omitempty"`

	// ResourceVersion 在每次写入（包括删除）时由存储层重新分配。
	// 它是判断资源是否变化的唯一依据；Update 时携带旧值会得到 Conflict。
	ResourceVersion   string      `json:"resourceVersion,omitempty"`
	CreationTimestamp metav1.Time `json:"creationTimestamp,omitempty"`
}

// ListMeta 是 List 结果的元数据
type ListMeta struct {
	// 生成列表时存储的全局版本号
	ResourceVersion string `json:"resourceVersion,omitempty"`
}

type ConditionStatus string

const (
	ConditionStatusTrue    ConditionStatus = "True"
	ConditionStatusFalse   ConditionStatus = "False"
	ConditionStatusUnknown ConditionStatus = "Unknown"
)

// Condition 记录 status 中某个方面的最新观察结果，例如 Gateway 的 Ready
type Condition struct {
	Type   string          `json:"type,omitempty"`
	Status ConditionStatus `json:"status,omitempty"`
	// 只有 Status 变化时才更新
	LastTransitionTime metav1.Time `json:"lastTransitionTime,omitempty"`
	// 机器可读的 CamelCase 原因，例如 InvalidPolicy
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c Condition) IsTrue() bool {
	return c.Status == ConditionStatusTrue
}
