package rules

import (
	"fmt"
)

// maxConditionDepth bounds condition tree nesting. Deeper trees are
// rejected at load time rather than risking stack growth during
// evaluation.
const maxConditionDepth = 32

// ConfigurationError reports a rule rejected at load time. It is
// surfaced to the operator; event processing never sees it because the
// offending rule is excluded from the active registry.
type ConfigurationError struct {
	RuleID   string
	RuleName string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rule %s (%s): %s", e.RuleID, e.RuleName, e.Reason)
}

func configErr(rule *Rule, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// validateRule checks a single rule against the handler registry and the
// operator table. Policy defaults are normalized by the caller before
// validation.
func validateRule(rule *Rule, handlers *HandlerRegistry) *ConfigurationError {
	if rule.ID == "" {
		return configErr(rule, "rule ID is required")
	}
	if rule.Trigger.EntityType == "" {
		return configErr(rule, "trigger entity type is required")
	}
	if !rule.Trigger.Operation.Valid() {
		return configErr(rule, "unknown trigger operation %q", rule.Trigger.Operation)
	}
	if rule.OnFailure != FailureContinue && rule.OnFailure != FailureAbort {
		return configErr(rule, "unknown failure policy %q", rule.OnFailure)
	}

	for i, action := range rule.Actions {
		if !handlers.Known(action.Type) {
			return configErr(rule, "action %d references unknown action type %q", i, action.Type)
		}
		if action.Retries < 0 {
			return configErr(rule, "action %d has negative retry count", i)
		}
	}

	if err := validateCondition(rule.Condition, 0); err != nil {
		return configErr(rule, "invalid condition: %v", err)
	}

	return nil
}

func validateCondition(c *Condition, depth int) error {
	if c == nil {
		return nil
	}
	if depth >= maxConditionDepth {
		return fmt.Errorf("condition tree exceeds maximum depth of %d", maxConditionDepth)
	}

	switch c.Kind {
	case KindLeaf:
		if len(c.Children) != 0 {
			return fmt.Errorf("leaf node must not have children")
		}
		if !knownOperator(c.Op) {
			return fmt.Errorf("unknown operator %q", c.Op)
		}
		if c.Field == "" {
			return fmt.Errorf("leaf node requires a field path")
		}
	case KindAnd, KindOr:
		if len(c.Children) == 0 {
			return fmt.Errorf("%s node requires at least one child", c.Kind)
		}
	case KindNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("not node requires exactly one child, got %d", len(c.Children))
		}
	case KindExpr:
		if c.Expression == "" {
			return fmt.Errorf("expr node requires an expression")
		}
		if len(c.Children) != 0 {
			return fmt.Errorf("expr node must not have children")
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}

	for _, child := range c.Children {
		if err := validateCondition(child, depth+1); err != nil {
			return err
		}
	}
	return nil
}
