package authorization

import (
	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

var (
	supportedStrategies = []string{
		string(cloudstreamsv1.DecisionStrategyConsensus),
		string(cloudstreamsv1.DecisionStrategyMinority),
		string(cloudstreamsv1.DecisionStrategyUnanimous),
	}
	supportedRuleTypes = []string{
		string(cloudstreamsv1.AuthorizationRuleTypeAttribute),
		string(cloudstreamsv1.AuthorizationRuleTypePayload),
		string(cloudstreamsv1.AuthorizationRuleTypeTemporary),
		string(cloudstreamsv1.AuthorizationRuleTypeTimeOfDay),
	}
	supportedEffects = []string{
		string(cloudstreamsv1.AuthorizationPolicyEffectAuthorize),
		string(cloudstreamsv1.AuthorizationPolicyEffectForbid),
	}
)

// ValidatePolicy 检查策略中在评估前就能发现的配置错误
func ValidatePolicy(policy *cloudstreamsv1.AuthorizationPolicy, fldPath *field.Path) field.ErrorList {
	if policy == nil {
		return nil
	}
	var errs field.ErrorList
	if policy.DecisionStrategy != "" && !contains(supportedStrategies, string(policy.DecisionStrategy)) {
		errs = append(errs, field.NotSupported(fldPath.Child("decisionStrategy"), policy.DecisionStrategy, supportedStrategies))
	}
	for i := range policy.Rules {
		errs = append(errs, validateRule(&policy.Rules[i], fldPath.Child("rules").Index(i))...)
	}
	return errs
}

// ValidateGateway 检查 Gateway 的默认策略和每个来源的策略
func ValidateGateway(spec *cloudstreamsv1.GatewaySpec) field.ErrorList {
	specPath := field.NewPath("spec")
	errs := ValidatePolicy(spec.Authorization, specPath.Child("authorization"))

	seen := map[string]bool{}
	for i := range spec.Events {
		p := specPath.Child("events").Index(i)
		def := &spec.Events[i]
		switch {
		case def.URI == "":
			errs = append(errs, field.Required(p.Child("uri"), ""))
		case seen[def.URI]:
			errs = append(errs, field.Duplicate(p.Child("uri"), def.URI))
		}
		seen[def.URI] = true
		errs = append(errs, ValidatePolicy(def.Authorization, p.Child("authorization"))...)
	}
	return errs
}

func validateRule(rule *cloudstreamsv1.AuthorizationRule, p *field.Path) field.ErrorList {
	var errs field.ErrorList
	if !contains(supportedEffects, string(rule.Effect)) {
		errs = append(errs, field.NotSupported(p.Child("effect"), rule.Effect, supportedEffects))
	}

	switch rule.Type {
	case cloudstreamsv1.AuthorizationRuleTypeAttribute:
		if rule.AttributeName == "" {
			errs = append(errs, field.Required(p.Child("attributeName"), "attribute rules must name an attribute"))
		}
		if rule.AttributeValue != "" {
			if _, err := compileAnchored(rule.AttributeValue); err != nil {
				errs = append(errs, field.Invalid(p.Child("attributeValue"), rule.AttributeValue, err.Error()))
			}
		}
	case cloudstreamsv1.AuthorizationRuleTypePayload:
		switch {
		case rule.MaxSize == nil:
			errs = append(errs, field.Required(p.Child("maxSize"), "payload rules must set a maximum size"))
		case *rule.MaxSize < 0:
			errs = append(errs, field.Invalid(p.Child("maxSize"), *rule.MaxSize, "must be non-negative"))
		}
	case cloudstreamsv1.AuthorizationRuleTypeTemporary:
		switch {
		case rule.From == nil && rule.To == nil:
			errs = append(errs, field.Required(p, "temporary rules must set from, to or both"))
		case rule.From != nil && rule.To != nil && rule.To.Before(rule.From):
			errs = append(errs, field.Invalid(p.Child("to"), rule.To.String(), "must not be before from"))
		}
	case cloudstreamsv1.AuthorizationRuleTypeTimeOfDay:
		if rule.From == nil {
			errs = append(errs, field.Required(p.Child("from"), "timeOfDay rules must set from"))
		}
		if rule.To == nil {
			errs = append(errs, field.Required(p.Child("to"), "timeOfDay rules must set to"))
		}
	default:
		errs = append(errs, field.NotSupported(p.Child("type"), rule.Type, supportedRuleTypes))
	}
	return errs
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
