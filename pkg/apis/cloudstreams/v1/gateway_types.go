package v1

import metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// Gateway 是事件进入平台的入口，它的 spec 携带了准入控制使用的授权与校验策略
type Gateway struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   GatewaySpec   `json:"spec,omitempty"`
	Status GatewayStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// GatewayList 包含 Gateway 的列表
type GatewayList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Gateway `json:"items"`
}

// GatewaySpec 定义了 Gateway 的期望状态
type GatewaySpec struct {
	// Authorization 是所有事件默认使用的授权策略
	// +optional
	Authorization *AuthorizationPolicy `json:"authorization,omitempty"`

	// Validation 是所有事件默认使用的校验策略
	// +optional
	Validation *ValidationPolicy `json:"validation,omitempty"`

	// Events 按事件来源声明专属策略，匹配到的来源优先于默认策略
	// +optional
	Events []CloudEventSourceDefinition `json:"events,omitempty"`
}

// CloudEventSourceDefinition 描述一个已知的事件来源及其策略
type CloudEventSourceDefinition struct {
	// URI 与事件的 source 属性做完全匹配
	// +required
	URI string `json:"uri"`

	// +optional
	Authorization *AuthorizationPolicy `json:"authorization,omitempty"`

	// +optional
	Validation *ValidationPolicy `json:"validation,omitempty"`
}

const (
	// GatewayConditionReady 表示 Gateway 的策略可以被准入控制使用
	GatewayConditionReady = "Ready"
)

// GatewayStatus 定义了 Gateway 的观测状态
type GatewayStatus struct {
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// SourceDefinition 返回与 source 完全匹配的来源定义，没有时返回 nil。
func (s *GatewaySpec) SourceDefinition(source string) *CloudEventSourceDefinition {
	for i := range s.Events {
		if s.Events[i].URI == source {
			return &s.Events[i]
		}
	}
	return nil
}

// AuthorizationPolicyFor 优先返回来源专属的授权策略，否则返回默认策略。两者都没有时返回 nil。
func (s *GatewaySpec) AuthorizationPolicyFor(source string) *AuthorizationPolicy {
	if def := s.SourceDefinition(source); def != nil && def.Authorization != nil {
		return def.Authorization
	}
	return s.Authorization
}

// ValidationPolicyFor 按与 AuthorizationPolicyFor 相同的顺序解析校验策略。
func (s *GatewaySpec) ValidationPolicyFor(source string) *ValidationPolicy {
	if def := s.SourceDefinition(source); def != nil && def.Validation != nil {
		return def.Validation
	}
	return s.Validation
}
