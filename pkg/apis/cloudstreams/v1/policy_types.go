package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RuleBasedDecisionStrategy 决定如何把多条规则的结果合并成一个授权决定
type RuleBasedDecisionStrategy string

const (
	// DecisionStrategyConsensus 成功的规则数严格多于失败的规则数时放行，平局拒绝
	DecisionStrategyConsensus RuleBasedDecisionStrategy = "consensus"
	// DecisionStrategyMinority 至少一条规则成功即放行
	DecisionStrategyMinority RuleBasedDecisionStrategy = "minority"
	// DecisionStrategyUnanimous 所有规则都成功才放行
	DecisionStrategyUnanimous RuleBasedDecisionStrategy = "unanimous"
)

type AuthorizationRuleType string

const (
	AuthorizationRuleTypeAttribute AuthorizationRuleType = "attribute"
	AuthorizationRuleTypePayload   AuthorizationRuleType = "payload"
	AuthorizationRuleTypeTemporary AuthorizationRuleType = "temporary"
	AuthorizationRuleTypeTimeOfDay AuthorizationRuleType = "timeOfDay"
)

type AuthorizationPolicyEffect string

const (
	AuthorizationPolicyEffectAuthorize AuthorizationPolicyEffect = "authorize"
	AuthorizationPolicyEffectForbid    AuthorizationPolicyEffect = "forbid"
)

// AuthorizationPolicy 是一组有序的授权规则加上一个决策策略
type AuthorizationPolicy struct {
	// DecisionStrategy 为空时按 consensus 处理
	// +kubebuilder:validation:Enum=consensus;minority;unanimous
	// +optional
	DecisionStrategy RuleBasedDecisionStrategy `json:"decisionStrategy,omitempty"`

	// Rules 为空时所有事件都被授权
	// +optional
	Rules []AuthorizationRule `json:"rules,omitempty"`
}

// AuthorizationRule 描述单条授权规则。哪些字段生效取决于 Type。
type AuthorizationRule struct {
	// +kubebuilder:validation:Enum=attribute;payload;temporary;timeOfDay
	// +required
	Type AuthorizationRuleType `json:"type"`

	// Effect 决定条件满足时规则的结果：authorize 为成功，forbid 为失败
	// +kubebuilder:validation:Enum=authorize;forbid
	// +required
	Effect AuthorizationPolicyEffect `json:"effect"`

	// AttributeName 是 attribute 规则要求事件携带的上下文属性名
	// +optional
	AttributeName string `json:"attributeName,omitempty"`

	// AttributeValue 是 attribute 规则的期望值，可以是完整匹配的正则表达式
	// +optional
	AttributeValue string `json:"attributeValue,omitempty"`

	// MaxSize 是 payload 规则允许的 JSON 负载最大字节数
	// +optional
	MaxSize *int64 `json:"maxSize,omitempty"`

	// From 和 To 是 temporary 规则的绝对时间窗口，或 timeOfDay 规则取其一天中的时刻
	// +optional
	From *metav1.Time `json:"from,omitempty"`
	// +optional
	To *metav1.Time `json:"to,omitempty"`
}

// ValidationPolicy 配置事件负载的校验方式
type ValidationPolicy struct {
	// SkipValidation 为 true 时不做任何负载校验
	// +optional
	SkipValidation bool `json:"skipValidation,omitempty"`

	// +optional
	DataSchema *DataSchemaValidationPolicy `json:"dataSchema,omitempty"`
}

type DataSchemaValidationPolicy struct {
	// Required 要求事件必须声明 dataschema
	// +optional
	Required bool `json:"required,omitempty"`

	// AutoGenerate 允许根据负载自动生成并注册 schema
	// +optional
	AutoGenerate bool `json:"autoGenerate,omitempty"`
}
