package rules

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// ConditionKind discriminates the nodes of a condition tree.
type ConditionKind string

const (
	KindLeaf ConditionKind = "leaf"
	KindAnd  ConditionKind = "and"
	KindOr   ConditionKind = "or"
	KindNot  ConditionKind = "not"
	KindExpr ConditionKind = "expr"
)

// Operator is a leaf comparison operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpLt         Operator = "lt"
	OpGte        Operator = "gte"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts-with"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not-in"
	OpIsNull     Operator = "is-null"
	OpIsNotNull  Operator = "is-not-null"
	OpChanged    Operator = "changed"
)

// Condition is a recursive boolean expression tree. Leaf nodes compare a
// field path against an operand; and/or/not combine children; expr nodes
// hold a CEL expression compiled at load time. Trees are built once when
// a rule set loads and never mutated afterwards, so evaluation is a pure
// function of the execution context.
type Condition struct {
	Kind       ConditionKind `json:"kind" yaml:"kind"`
	Op         Operator      `json:"op,omitempty" yaml:"op,omitempty"`
	Field      string        `json:"field,omitempty" yaml:"field,omitempty"`
	Value      any           `json:"value,omitempty" yaml:"value,omitempty"`
	Children   []*Condition  `json:"children,omitempty" yaml:"children,omitempty"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Set by compileConditions during snapshot build for expr nodes.
	program cel.Program
}

// clone copies the tree without the compiled program, which belongs to
// whichever snapshot compiled it.
func (c *Condition) clone() *Condition {
	if c == nil {
		return nil
	}
	cp := *c
	cp.program = nil
	if len(c.Children) > 0 {
		cp.Children = make([]*Condition, len(c.Children))
		for i, child := range c.Children {
			cp.Children[i] = child.clone()
		}
	}
	return &cp
}

// leafEvaluator evaluates one leaf operator against the execution context.
// The table is populated once at package init; validation rejects rules
// referencing operators that are not in it.
type leafEvaluator func(ec *ExecutionContext, c *Condition) bool

var leafOps map[Operator]leafEvaluator

func init() {
	leafOps = map[Operator]leafEvaluator{
		OpEq:         func(ec *ExecutionContext, c *Condition) bool { return bothPresent(ec, c) && valuesEqual(fieldOf(ec, c), c.Value) },
		OpNeq:        func(ec *ExecutionContext, c *Condition) bool { return bothPresent(ec, c) && !valuesEqual(fieldOf(ec, c), c.Value) },
		OpGt:         orderingOp(func(cmp int) bool { return cmp > 0 }),
		OpLt:         orderingOp(func(cmp int) bool { return cmp < 0 }),
		OpGte:        orderingOp(func(cmp int) bool { return cmp >= 0 }),
		OpLte:        orderingOp(func(cmp int) bool { return cmp <= 0 }),
		OpContains:   evalContains,
		OpStartsWith: evalStartsWith,
		OpIn:         evalIn,
		OpNotIn:      func(ec *ExecutionContext, c *Condition) bool { return bothPresent(ec, c) && !evalIn(ec, c) },
		OpIsNull:     func(ec *ExecutionContext, c *Condition) bool { return fieldOf(ec, c) == nil },
		OpIsNotNull:  func(ec *ExecutionContext, c *Condition) bool { return fieldOf(ec, c) != nil },
		OpChanged:    evalChanged,
	}
}

func knownOperator(op Operator) bool {
	_, ok := leafOps[op]
	return ok
}

// Eval evaluates the condition against the context. It is total for
// well-formed trees: malformed nodes and type-incompatible comparisons
// resolve to false with a diagnostic rather than an error. A nil
// condition matches unconditionally.
func (c *Condition) Eval(ec *ExecutionContext) bool {
	if c == nil {
		return true
	}
	switch c.Kind {
	case KindAnd:
		for _, child := range c.Children {
			if !child.Eval(ec) {
				return false
			}
		}
		return true
	case KindOr:
		for _, child := range c.Children {
			if child.Eval(ec) {
				return true
			}
		}
		return false
	case KindNot:
		if len(c.Children) != 1 {
			diag("not node requires exactly one child", "children", len(c.Children))
			return false
		}
		return !c.Children[0].Eval(ec)
	case KindLeaf:
		fn, ok := leafOps[c.Op]
		if !ok {
			diag("unknown operator", "op", string(c.Op))
			return false
		}
		return fn(ec, c)
	case KindExpr:
		return c.evalExpr(ec)
	default:
		diag("unknown condition kind", "kind", string(c.Kind))
		return false
	}
}

// Lookup resolves a field path against the context. Paths rooted at
// "event." address event metadata, "before." and "after." address the
// snapshots explicitly; bare paths resolve against the after snapshot,
// which is where post-change state lives. Missing fields resolve to nil.
func (ec *ExecutionContext) Lookup(path string) any {
	root, rest, cut := strings.Cut(path, ".")
	switch root {
	case "event":
		if !cut {
			return nil
		}
		return ec.eventField(rest)
	case "before":
		return lookupSnapshot(ec.Event.Before, rest)
	case "after":
		return lookupSnapshot(ec.Event.After, rest)
	}
	return lookupSnapshot(ec.Event.After, path)
}

func (ec *ExecutionContext) eventField(name string) any {
	switch name {
	case "entity_type":
		return ec.Event.EntityType
	case "entity_id":
		return ec.Event.EntityID
	case "operation":
		return string(ec.Event.Operation)
	case "actor_id":
		return ec.Event.ActorID
	case "timestamp":
		return ec.Event.Timestamp
	}
	return nil
}

func lookupSnapshot(s Snapshot, path string) any {
	if s == nil || path == "" {
		return nil
	}
	var cur any = map[string]any(s)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Snapshot:
		return m, true
	}
	return nil, false
}

// fieldOf resolves the leaf's field path for the ordinary operators,
// which read post-change state.
func fieldOf(ec *ExecutionContext, c *Condition) any {
	return ec.Lookup(c.Field)
}

// bothPresent applies the uniform null rule: any equality, ordering, or
// membership comparison involving a null side is false. The nullity
// operators bypass it.
func bothPresent(ec *ExecutionContext, c *Condition) bool {
	if fieldOf(ec, c) == nil || c.Value == nil {
		diagNull(c)
		return false
	}
	return true
}

func diagNull(c *Condition) {
	slog.Debug("condition compares against null, resolving to false",
		"op", string(c.Op), "field", c.Field)
}

func orderingOp(accept func(cmp int) bool) leafEvaluator {
	return func(ec *ExecutionContext, c *Condition) bool {
		if !bothPresent(ec, c) {
			return false
		}
		cmp, ok := compareValues(fieldOf(ec, c), c.Value)
		if !ok {
			diag("incomparable types in ordering comparison", "op", string(c.Op), "field", c.Field)
			return false
		}
		return accept(cmp)
	}
}

func evalContains(ec *ExecutionContext, c *Condition) bool {
	if !bothPresent(ec, c) {
		return false
	}
	switch fv := fieldOf(ec, c).(type) {
	case string:
		return strings.Contains(fv, stringify(c.Value))
	case []any:
		for _, item := range fv {
			if valuesEqual(item, c.Value) {
				return true
			}
		}
		return false
	}
	diag("contains requires a string or list field", "field", c.Field)
	return false
}

func evalStartsWith(ec *ExecutionContext, c *Condition) bool {
	if !bothPresent(ec, c) {
		return false
	}
	fv, ok := fieldOf(ec, c).(string)
	if !ok {
		diag("starts-with requires a string field", "field", c.Field)
		return false
	}
	return strings.HasPrefix(fv, stringify(c.Value))
}

func evalIn(ec *ExecutionContext, c *Condition) bool {
	if !bothPresent(ec, c) {
		return false
	}
	set, ok := c.Value.([]any)
	if !ok {
		diag("in-set operand must be a list", "field", c.Field)
		return false
	}
	fv := fieldOf(ec, c)
	for _, item := range set {
		if valuesEqual(fv, item) {
			return true
		}
	}
	return false
}

// evalChanged is true iff the field differs between the before and after
// snapshots, using the same equality rule as eq. For creates the before
// side is nil, so any non-nil after value counts as changed; deletes are
// symmetric. An explicit before./after. prefix is stripped: changed
// always addresses both snapshots at the same path.
func evalChanged(ec *ExecutionContext, c *Condition) bool {
	path := c.Field
	if root, rest, ok := strings.Cut(path, "."); ok && (root == "before" || root == "after") {
		path = rest
	}
	before := lookupSnapshot(ec.Event.Before, path)
	after := lookupSnapshot(ec.Event.After, path)
	return !valuesEqual(before, after)
}

// valuesEqual compares two values with numeric coercion: if both sides
// are numeric-like they compare numerically, otherwise as strings. Two
// nils are equal; a single nil is unequal to anything.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return stringify(a) == stringify(b)
}

// compareValues returns -1/0/1 ordering both sides numerically when both
// are numeric-like, lexically when both are strings, and reports false
// for anything else.
func compareValues(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// toFloat coerces numeric-like values, including numeric strings, so
// that rule operands written as "5" compare against a field holding 5.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func diag(msg string, args ...any) {
	slog.Debug(msg, args...)
}
