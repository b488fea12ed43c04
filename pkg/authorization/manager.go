// Package authorization 根据授权策略决定是否接受一个事件。
package authorization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/cloudevent"
	cserrors "github.com/neuroglia-io/cloud-streams-sub001/pkg/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// Decision 是一次授权的结果
type Decision struct {
	Allowed bool
	// Reason 在拒绝时列出每一条失败的规则
	Reason string
	// Outcomes 是每条规则的结果，顺序与策略中的规则一致
	Outcomes []bool
}

// RuleEvaluator 判断一条规则的条件在给定时刻是否对事件成立
type RuleEvaluator func(rule *cloudstreamsv1.AuthorizationRule, event *cloudevent.Event, now time.Time) (bool, error)

// Manager 按策略评估事件。它不持有可变状态，可以被并发使用。
type Manager struct {
	clock      clock.PassiveClock
	evaluators map[cloudstreamsv1.AuthorizationRuleType]RuleEvaluator
	logger     klog.Logger
}

// NewManager 创建一个 Manager。clk 为 nil 时使用系统时钟。
func NewManager(clk clock.PassiveClock) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := &Manager{
		clock:  clk,
		logger: klog.LoggerWithName(klog.Background(), "authorization"),
	}
	m.evaluators = map[cloudstreamsv1.AuthorizationRuleType]RuleEvaluator{
		cloudstreamsv1.AuthorizationRuleTypeAttribute: evaluateAttribute,
		cloudstreamsv1.AuthorizationRuleTypePayload:   evaluatePayload,
		cloudstreamsv1.AuthorizationRuleTypeTemporary: evaluateTemporary,
		cloudstreamsv1.AuthorizationRuleTypeTimeOfDay: evaluateTimeOfDay,
	}
	return m
}

// Evaluate 对事件应用策略。policy 为 nil 或没有规则时放行。
// 未知的规则类型、效果或决策策略返回 ConfigurationError，而不是任何默认决定。
func (m *Manager) Evaluate(ctx context.Context, event *cloudevent.Event, policy *cloudstreamsv1.AuthorizationPolicy) (Decision, error) {
	if policy == nil || len(policy.Rules) == 0 {
		return Decision{Allowed: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	now := m.clock.Now()
	if event.Time != nil {
		now = *event.Time
	}

	outcomes := make([]bool, len(policy.Rules))
	var failed []string
	for i := range policy.Rules {
		rule := &policy.Rules[i]
		outcome, err := m.evaluateRule(rule, event, now)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %d: %w", i, err)
		}
		outcomes[i] = outcome
		if !outcome {
			failed = append(failed, describeRule(i, rule))
		}
	}

	allowed, err := Aggregate(policy.DecisionStrategy, outcomes)
	if err != nil {
		return Decision{}, err
	}
	m.logger.V(4).Info("Evaluated authorization policy", "event", event.ID, "strategy", policy.DecisionStrategy, "outcomes", outcomes, "allowed", allowed)

	d := Decision{Allowed: allowed, Outcomes: outcomes}
	if !allowed {
		d.Reason = fmt.Sprintf("%s strategy denied the event: %s", strategyOrDefault(policy.DecisionStrategy), strings.Join(failed, "; "))
	}
	return d, nil
}

// evaluateRule 返回规则的结果：条件成立时为 effect == authorize，否则取反
func (m *Manager) evaluateRule(rule *cloudstreamsv1.AuthorizationRule, event *cloudevent.Event, now time.Time) (bool, error) {
	var match bool
	switch rule.Effect {
	case cloudstreamsv1.AuthorizationPolicyEffectAuthorize:
		match = true
	case cloudstreamsv1.AuthorizationPolicyEffectForbid:
		match = false
	default:
		return false, cserrors.Configurationf("unknown rule effect %q", rule.Effect)
	}

	evaluate, ok := m.evaluators[rule.Type]
	if !ok {
		return false, cserrors.Configurationf("unknown rule type %q", rule.Type)
	}
	holds, err := evaluate(rule, event, now)
	if err != nil {
		return false, err
	}
	if holds {
		return match, nil
	}
	return !match, nil
}

// Aggregate 按决策策略合并规则结果，空策略按 consensus 处理
func Aggregate(strategy cloudstreamsv1.RuleBasedDecisionStrategy, outcomes []bool) (bool, error) {
	succeeded := 0
	for _, o := range outcomes {
		if o {
			succeeded++
		}
	}
	failed := len(outcomes) - succeeded

	switch strategyOrDefault(strategy) {
	case cloudstreamsv1.DecisionStrategyConsensus:
		return succeeded > failed, nil
	case cloudstreamsv1.DecisionStrategyMinority:
		return succeeded > 0, nil
	case cloudstreamsv1.DecisionStrategyUnanimous:
		return failed == 0, nil
	default:
		return false, cserrors.Configurationf("unknown decision strategy %q", strategy)
	}
}

func strategyOrDefault(strategy cloudstreamsv1.RuleBasedDecisionStrategy) cloudstreamsv1.RuleBasedDecisionStrategy {
	if strategy == "" {
		return cloudstreamsv1.DecisionStrategyConsensus
	}
	return strategy
}

func describeRule(i int, rule *cloudstreamsv1.AuthorizationRule) string {
	switch rule.Type {
	case cloudstreamsv1.AuthorizationRuleTypeAttribute:
		if rule.AttributeValue != "" {
			return fmt.Sprintf("rule %d (%s attribute %q = %q) failed", i, rule.Effect, rule.AttributeName, rule.AttributeValue)
		}
		return fmt.Sprintf("rule %d (%s attribute %q) failed", i, rule.Effect, rule.AttributeName)
	case cloudstreamsv1.AuthorizationRuleTypePayload:
		return fmt.Sprintf("rule %d (%s payload of at most %d bytes) failed", i, rule.Effect, *rule.MaxSize)
	default:
		return fmt.Sprintf("rule %d (%s %s) failed", i, rule.Effect, rule.Type)
	}
}

// --- 规则条件 ---

func evaluateAttribute(rule *cloudstreamsv1.AuthorizationRule, event *cloudevent.Event, _ time.Time) (bool, error) {
	if rule.AttributeName == "" {
		return false, cserrors.Configurationf("attribute rule without attributeName")
	}
	value, ok := event.GetAttribute(rule.AttributeName)
	if !ok {
		return false, nil
	}
	if rule.AttributeValue == "" || value == rule.AttributeValue {
		return true, nil
	}
	re, err := compileAnchored(rule.AttributeValue)
	if err != nil {
		return false, cserrors.Configurationf("invalid attributeValue %q: %v", rule.AttributeValue, err)
	}
	return re.MatchString(value), nil
}

func evaluatePayload(rule *cloudstreamsv1.AuthorizationRule, event *cloudevent.Event, _ time.Time) (bool, error) {
	if rule.MaxSize == nil {
		return false, cserrors.Configurationf("payload rule without maxSize")
	}
	size := 0
	if event.HasData() {
		var buf bytes.Buffer
		if err := json.Compact(&buf, event.Data); err != nil {
			// 负载不是合法 JSON 时按原始字节计算
			size = len(event.Data)
		} else {
			size = buf.Len()
		}
	}
	return int64(size) <= *rule.MaxSize, nil
}

func evaluateTemporary(rule *cloudstreamsv1.AuthorizationRule, _ *cloudevent.Event, now time.Time) (bool, error) {
	if rule.From == nil && rule.To == nil {
		return false, cserrors.Configurationf("temporary rule without from or to")
	}
	if rule.From != nil && now.Before(rule.From.Time) {
		return false, nil
	}
	if rule.To != nil && now.After(rule.To.Time) {
		return false, nil
	}
	return true, nil
}

func evaluateTimeOfDay(rule *cloudstreamsv1.AuthorizationRule, _ *cloudevent.Event, now time.Time) (bool, error) {
	if rule.From == nil || rule.To == nil {
		return false, cserrors.Configurationf("timeOfDay rule requires both from and to")
	}
	t := timeOfDay(now)
	from, to := timeOfDay(rule.From.Time), timeOfDay(rule.To.Time)
	if from <= to {
		return from <= t && t <= to, nil
	}
	// 跨越午夜，例如 22:00 到 06:00
	return t >= from || t <= to, nil
}

// timeOfDay 返回 UTC 当天零点起经过的时间
func timeOfDay(t time.Time) time.Duration {
	t = t.UTC()
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second + time.Duration(t.Nanosecond())
}

func compileAnchored(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + expr + ")$")
}
