package v1

import (
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// Broker 负责把事件分发给订阅者
type Broker struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   BrokerSpec   `json:"spec,omitempty"`
	Status BrokerStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// BrokerList 包含 Broker 的列表
type BrokerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Broker `json:"items"`
}

// BrokerSpec 定义了 Broker 的期望状态
type BrokerSpec struct {
	// +optional
	Dispatch *BrokerDispatchConfiguration `json:"dispatch,omitempty"`
}

type BrokerDispatchConfiguration struct {
	// Sequential 为 true 时同一订阅的事件按顺序逐个投递
	// +optional
	Sequential bool `json:"sequential,omitempty"`

	// +optional
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`
}

// RetryPolicy 描述投递失败后的重试方式
type RetryPolicy struct {
	// +kubebuilder:validation:Minimum=0
	// +optional
	MaxAttempts *int32 `json:"maxAttempts,omitempty"`

	// +optional
	BackoffDuration *k8smetav1.Duration `json:"backoffDuration,omitempty"`
}

// BrokerStatus 定义了 Broker 的观测状态
type BrokerStatus struct {
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}
