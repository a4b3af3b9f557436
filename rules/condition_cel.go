package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// newConditionEnv builds the CEL environment expr conditions compile
// against. Snapshots are loosely typed maps, so the variables are
// declared dynamic and type errors surface at evaluation time as a
// fail-closed false.
func newConditionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("before", cel.DynType),
		cel.Variable("after", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// exprCostLimit bounds CEL evaluation cost so a pathological expression
// cannot stall event processing.
const exprCostLimit = 1000000

// compileExpr compiles one expr node's expression and attaches the
// program to the node. Called during snapshot build, before the rule is
// admitted to the registry.
func compileExpr(env *cel.Env, c *Condition) error {
	ast, issues := env.Compile(c.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(exprCostLimit))
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}

	c.program = prog
	return nil
}

// compileConditions walks a tree and compiles every expr node.
func compileConditions(env *cel.Env, c *Condition) error {
	if c == nil {
		return nil
	}
	if c.Kind == KindExpr {
		if err := compileExpr(env, c); err != nil {
			return err
		}
	}
	for _, child := range c.Children {
		if err := compileConditions(env, child); err != nil {
			return err
		}
	}
	return nil
}

func (c *Condition) evalExpr(ec *ExecutionContext) bool {
	if c.program == nil {
		diag("expr condition was never compiled", "expression", c.Expression)
		return false
	}

	vars := map[string]any{
		"event": map[string]any{
			"entity_type": ec.Event.EntityType,
			"entity_id":   ec.Event.EntityID,
			"operation":   string(ec.Event.Operation),
			"actor_id":    ec.Event.ActorID,
		},
		"before": map[string]any(ec.Event.Before),
		"after":  map[string]any(ec.Event.After),
	}

	out, _, err := c.program.Eval(vars)
	if err != nil {
		diag("expr evaluation failed, resolving to false", "error", err.Error())
		return false
	}

	matched, ok := out.Value().(bool)
	if !ok {
		diag("expr did not evaluate to a boolean, resolving to false", "expression", c.Expression)
		return false
	}
	return matched
}
