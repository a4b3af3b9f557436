package rules

import (
	"time"
)

// Operation is the kind of entity change that triggered an event.
type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
)

// Valid reports whether the operation is one of the known kinds.
func (op Operation) Valid() bool {
	switch op {
	case OpCreated, OpUpdated, OpDeleted:
		return true
	}
	return false
}

// Trigger is the (entity type, operation) signature that activates a rule.
type Trigger struct {
	EntityType string    `json:"entityType" yaml:"entity_type"`
	Operation  Operation `json:"operation" yaml:"operation"`
}

// FailurePolicy controls whether remaining actions run after one action fails.
type FailurePolicy string

const (
	// FailureContinue executes all actions regardless of prior failures.
	// This is the default when a rule does not specify a policy.
	FailureContinue FailurePolicy = "continue"

	// FailureAbort skips the remaining actions after the first failure.
	FailureAbort FailurePolicy = "abort-remaining-actions"
)

// Rule is a trigger, a condition tree, and an ordered list of actions.
// Rules are immutable once loaded into a registry snapshot; mutations go
// through the store and take effect on the next reload.
type Rule struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Trigger   Trigger       `json:"trigger" yaml:"trigger"`
	Condition *Condition    `json:"condition,omitempty" yaml:"condition,omitempty"`
	Actions   []ActionSpec  `json:"actions" yaml:"actions"`
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Priority  int           `json:"priority" yaml:"priority"`
	OnFailure FailurePolicy `json:"onFailure,omitempty" yaml:"on_failure,omitempty"`
	CreatedAt time.Time     `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time     `json:"updatedAt,omitempty" yaml:"-"`
}

// clone returns a copy whose condition tree and action list are
// independent of the receiver's. Param maps are shared; nothing in the
// engine writes to them.
func (r *Rule) clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Condition = r.Condition.clone()
	c.Actions = append([]ActionSpec(nil), r.Actions...)
	return &c
}

// ActionSpec declares one side effect to execute when a rule matches.
// Param values may contain {{path}} placeholders resolved against the
// execution context before the handler runs.
type ActionSpec struct {
	Type    ActionType     `json:"type" yaml:"type"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries int            `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Snapshot is a loosely typed entity state, keyed by field name. Nested
// objects are nested maps; field paths address into them with dots.
type Snapshot map[string]any

// ChangeEvent is one entity change delivered by the persistence layer.
// Before is nil for creates, After is nil for deletes.
type ChangeEvent struct {
	ID         string    `json:"id,omitempty"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId,omitempty"`
	Operation  Operation `json:"operation"`
	ActorID    string    `json:"actorId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Before     Snapshot  `json:"before,omitempty"`
	After      Snapshot  `json:"after,omitempty"`
}

// ExecutionContext carries one change event through condition evaluation
// and action execution. It is created per event and never mutated.
type ExecutionContext struct {
	Event *ChangeEvent
}

// ActionStatus is the terminal state of one action invocation.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionSkipped   ActionStatus = "skipped"
	ActionFailed    ActionStatus = "failed"
)

// ActionOutcome records the result of one action within a rule execution.
type ActionOutcome struct {
	Index      int           `json:"index"`
	ActionType ActionType    `json:"actionType"`
	Status     ActionStatus  `json:"status"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// RuleStatus is the terminal state of one rule execution.
type RuleStatus string

const (
	StatusNotMatched     RuleStatus = "not-matched"
	StatusCompleted      RuleStatus = "completed"
	StatusPartialFailure RuleStatus = "partial-failure"
	StatusFailed         RuleStatus = "failed"
)

// RuleExecutionResult is the audit record for one rule against one event.
type RuleExecutionResult struct {
	ID         string          `json:"id,omitempty"`
	EventID    string          `json:"eventId,omitempty"`
	RuleID     string          `json:"ruleId"`
	RuleName   string          `json:"ruleName"`
	Matched    bool            `json:"matched"`
	Outcomes   []ActionOutcome `json:"outcomes,omitempty"`
	Status     RuleStatus      `json:"status"`
	Duration   time.Duration   `json:"duration"`
	ExecutedAt time.Time       `json:"executedAt"`
}
