package v1

import metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// Subscription 描述一个订阅者希望接收的事件
type Subscription struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   SubscriptionSpec   `json:"spec,omitempty"`
	Status SubscriptionStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// SubscriptionList 包含 Subscription 的列表
type SubscriptionList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Subscription `json:"items"`
}

// SubscriptionSpec 定义了 Subscription 的期望状态
type SubscriptionSpec struct {
	// +required
	Subscriber Subscriber `json:"subscriber"`

	// Partition 限定只订阅某个分区（例如某个 source 或 type）的事件
	// +optional
	Partition *PartitionReference `json:"partition,omitempty"`

	// +optional
	Filter *CloudEventFilter `json:"filter,omitempty"`

	// +optional
	Stream *SubscriptionStreamConfiguration `json:"stream,omitempty"`
}

type Subscriber struct {
	// URI 是事件投递的目标地址
	// +required
	URI string `json:"uri"`

	// RateLimit 是每秒最多投递的事件数
	// +optional
	RateLimit *int32 `json:"rateLimit,omitempty"`
}

type PartitionType string

const (
	PartitionTypeBySource  PartitionType = "bySource"
	PartitionTypeByType    PartitionType = "byType"
	PartitionTypeBySubject PartitionType = "bySubject"
)

type PartitionReference struct {
	// +kubebuilder:validation:Enum=bySource;byType;bySubject
	// +required
	Type PartitionType `json:"type"`

	// +required
	ID string `json:"id"`
}

type CloudEventFilterType string

const (
	CloudEventFilterTypeAttributes CloudEventFilterType = "attributes"
	CloudEventFilterTypeExpression CloudEventFilterType = "expression"
)

type CloudEventFilter struct {
	// +kubebuilder:validation:Enum=attributes;expression
	// +required
	Type CloudEventFilterType `json:"type"`

	// Attributes 是 attributes 过滤器要求的属性值
	// +optional
	Attributes map[string]string `json:"attributes,omitempty"`

	// Expression 是 expression 过滤器的表达式
	// +optional
	Expression string `json:"expression,omitempty"`
}

type SubscriptionStreamConfiguration struct {
	// Offset 是开始消费的流位置，-1 表示从最新位置开始
	// +optional
	Offset *int64 `json:"offset,omitempty"`
}

// SubscriptionStatus 定义了 Subscription 的观测状态
type SubscriptionStatus struct {
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}
