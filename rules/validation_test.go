package rules

import (
	"strings"
	"testing"
)

func validRule() *Rule {
	return &Rule{
		ID:        "r1",
		Name:      "valid",
		Trigger:   Trigger{EntityType: "Task", Operation: OpUpdated},
		Condition: leaf(OpEq, "status", "done"),
		Actions:   []ActionSpec{{Type: "noop"}},
		Enabled:   true,
		OnFailure: FailureContinue,
	}
}

func TestValidateRule(t *testing.T) {
	handlers := noopRegistry(t, "noop")

	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr string
	}{
		{"valid rule", func(r *Rule) {}, ""},
		{"missing ID", func(r *Rule) { r.ID = "" }, "rule ID is required"},
		{"missing entity type", func(r *Rule) { r.Trigger.EntityType = "" }, "entity type is required"},
		{"unknown operation", func(r *Rule) { r.Trigger.Operation = "upserted" }, "unknown trigger operation"},
		{"unknown failure policy", func(r *Rule) { r.OnFailure = "retry-forever" }, "unknown failure policy"},
		{"unknown action type", func(r *Rule) { r.Actions[0].Type = "explode" }, "unknown action type"},
		{"negative retries", func(r *Rule) { r.Actions[0].Retries = -1 }, "negative retry count"},
		{"unknown operator", func(r *Rule) { r.Condition.Op = "resembles" }, "unknown operator"},
		{"leaf without field", func(r *Rule) { r.Condition.Field = "" }, "field path"},
		{
			"and without children",
			func(r *Rule) { r.Condition = &Condition{Kind: KindAnd} },
			"at least one child",
		},
		{
			"not with two children",
			func(r *Rule) {
				r.Condition = &Condition{Kind: KindNot, Children: []*Condition{
					leaf(OpEq, "a", 1), leaf(OpEq, "b", 2),
				}}
			},
			"exactly one child",
		},
		{
			"expr without expression",
			func(r *Rule) { r.Condition = &Condition{Kind: KindExpr} },
			"requires an expression",
		},
		{
			"leaf with children",
			func(r *Rule) {
				r.Condition = &Condition{Kind: KindLeaf, Op: OpEq, Field: "a", Children: []*Condition{leaf(OpEq, "b", 1)}}
			},
			"must not have children",
		},
		{
			"unknown kind",
			func(r *Rule) { r.Condition = &Condition{Kind: "xor"} },
			"unknown condition kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(rule)
			cfgErr := validateRule(rule, handlers)
			if tt.wantErr == "" {
				if cfgErr != nil {
					t.Fatalf("validateRule() = %v, want nil", cfgErr)
				}
				return
			}
			if cfgErr == nil {
				t.Fatal("validateRule() = nil, want error")
			}
			if !strings.Contains(cfgErr.Reason, tt.wantErr) {
				t.Errorf("reason = %q, want it to contain %q", cfgErr.Reason, tt.wantErr)
			}
		})
	}
}

func TestValidateConditionDepthLimit(t *testing.T) {
	deep := leaf(OpEq, "status", "done")
	for i := 0; i < maxConditionDepth+1; i++ {
		deep = &Condition{Kind: KindNot, Children: []*Condition{deep}}
	}

	if err := validateCondition(deep, 0); err == nil {
		t.Error("a condition tree past the depth limit should be rejected")
	}

	shallow := leaf(OpEq, "status", "done")
	for i := 0; i < maxConditionDepth-2; i++ {
		shallow = &Condition{Kind: KindNot, Children: []*Condition{shallow}}
	}
	if err := validateCondition(shallow, 0); err != nil {
		t.Errorf("validateCondition() on in-bounds tree = %v, want nil", err)
	}
}

func TestConfigurationErrorMessage(t *testing.T) {
	cfgErr := &ConfigurationError{RuleID: "r1", RuleName: "Sample", Reason: "bad thing"}
	msg := cfgErr.Error()
	for _, part := range []string{"r1", "Sample", "bad thing"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
}
