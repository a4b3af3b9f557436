package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrShuttingDown is returned by Process once shutdown has begun. In-flight
// executions finish their current action; no new events are accepted.
var ErrShuttingDown = errors.New("engine is shutting down")

// Engine orchestrates rule execution for change events: it asks the
// trigger registry for matching rules, evaluates each rule's condition,
// executes matching rules' actions in declared order, and hands every
// result to the outcome recorder.
//
// Events for distinct entities may be processed concurrently; the only
// shared state is the registry snapshot, which is read-only. Within one
// event, rules run strictly in priority order and actions strictly in
// declared order.
type Engine struct {
	registry *TriggerRegistry
	executor *Executor
	recorder OutcomeRecorder
	store    RuleStore
	metrics  *Metrics

	// drainMu orders the draining check against inflight.Add so an
	// event admitted by Process is always visible to Shutdown's wait.
	drainMu  sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// NewEngine creates an engine with an empty rule set. Load rules with
// LoadRules or Reload. The recorder may be nil when no audit sink is
// wired; results are still returned to the caller.
func NewEngine(handlers *HandlerRegistry, recorder OutcomeRecorder) (*Engine, error) {
	registry, err := NewTriggerRegistry(handlers)
	if err != nil {
		return nil, err
	}
	return &Engine{
		registry: registry,
		executor: NewExecutor(handlers),
		recorder: recorder,
	}, nil
}

// NewEngineFromStore creates an engine and loads the store's rules into
// the registry. Rules rejected at load time are reported alongside the
// engine; the valid remainder is active.
func NewEngineFromStore(handlers *HandlerRegistry, recorder OutcomeRecorder, store RuleStore) (*Engine, []*ConfigurationError, error) {
	e, err := NewEngine(handlers, recorder)
	if err != nil {
		return nil, nil, err
	}
	e.store = store
	rejected, err := e.Reload()
	if err != nil {
		return nil, nil, err
	}
	return e, rejected, nil
}

// SetMetrics attaches a metrics collector. Call before processing events.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// SetStore attaches the rule store Reload reads from.
func (e *Engine) SetStore(store RuleStore) {
	e.store = store
}

// LoadRules validates and atomically installs a full replacement rule
// set. See TriggerRegistry.Load for the isolation contract.
func (e *Engine) LoadRules(ruleSet []*Rule) []*ConfigurationError {
	rejected := e.registry.Load(ruleSet)
	for _, cfgErr := range rejected {
		slog.Warn("rule rejected at load time", "ruleId", cfgErr.RuleID, "reason", cfgErr.Reason)
	}
	if e.metrics != nil {
		e.metrics.ObserveReload(e.registry.RuleCount(), len(rejected))
	}
	return rejected
}

// Reload fetches the rule set from the store and installs it. A store
// read failure leaves the previous snapshot fully operative.
func (e *Engine) Reload() ([]*ConfigurationError, error) {
	if e.store == nil {
		return nil, fmt.Errorf("engine has no rule store configured")
	}
	ruleSet, err := e.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from store: %w", err)
	}
	return e.LoadRules(ruleSet), nil
}

// RuleCount returns the number of active rules.
func (e *Engine) RuleCount() int {
	return e.registry.RuleCount()
}

// Process runs all rules matching one change event and returns their
// results in execution order. Rule-internal failures never surface as an
// error; they are captured in the results and the audit trail. An empty
// slice means no rules matched.
func (e *Engine) Process(ctx context.Context, event *ChangeEvent) ([]*RuleExecutionResult, error) {
	e.drainMu.Lock()
	if e.draining {
		e.drainMu.Unlock()
		return nil, ErrShuttingDown
	}
	e.inflight.Add(1)
	e.drainMu.Unlock()
	defer e.inflight.Done()

	if event == nil {
		return nil, fmt.Errorf("event is required")
	}
	if event.EntityType == "" {
		return nil, fmt.Errorf("event entity type is required")
	}
	if !event.Operation.Valid() {
		return nil, fmt.Errorf("unknown event operation %q", event.Operation)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ec := &ExecutionContext{Event: event}
	matched := e.registry.Match(event.EntityType, event.Operation)

	results := make([]*RuleExecutionResult, 0, len(matched))
	for _, rule := range matched {
		result := e.runRule(ctx, ec, rule)
		if e.recorder != nil {
			if err := e.recorder.Record(ctx, result); err != nil {
				slog.Error("failed to record rule execution result",
					"ruleId", rule.ID, "eventId", event.ID, "error", err.Error())
			}
		}
		if e.metrics != nil {
			e.metrics.ObserveRule(result)
		}
		results = append(results, result)
	}

	if e.metrics != nil {
		e.metrics.ObserveEvent()
	}
	return results, nil
}

// runRule executes one rule against one event. Each execution moves
// through evaluating, then either skipped (condition false) or
// executing, and terminates in completed, partial-failure, or failed.
// A panic anywhere inside is contained to this rule.
func (e *Engine) runRule(ctx context.Context, ec *ExecutionContext, rule *Rule) (result *RuleExecutionResult) {
	start := time.Now()
	result = &RuleExecutionResult{
		ID:         uuid.NewString(),
		EventID:    ec.Event.ID,
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		ExecutedAt: start.UTC(),
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during rule execution", "ruleId", rule.ID, "panic", fmt.Sprint(r))
			result.Status = StatusFailed
		}
		result.Duration = time.Since(start)
	}()

	result.Matched = rule.Condition.Eval(ec)
	if !result.Matched {
		result.Status = StatusNotMatched
		return result
	}

	var succeeded, failed, skipped int
	aborted := false
	result.Outcomes = make([]ActionOutcome, 0, len(rule.Actions))
	for i, spec := range rule.Actions {
		if aborted {
			result.Outcomes = append(result.Outcomes, ActionOutcome{
				Index:      i,
				ActionType: spec.Type,
				Status:     ActionSkipped,
			})
			skipped++
			continue
		}

		outcome := e.executor.Run(ctx, ec, i, spec)
		result.Outcomes = append(result.Outcomes, outcome)
		switch outcome.Status {
		case ActionSucceeded:
			succeeded++
		case ActionFailed:
			failed++
			if rule.OnFailure == FailureAbort {
				aborted = true
			}
		}
	}

	switch {
	case failed == 0:
		result.Status = StatusCompleted
	case rule.OnFailure == FailureAbort:
		// Aborting mid-rule fails the rule. Only a failure on the
		// final action, with earlier successes, counts as partial.
		if skipped > 0 || succeeded == 0 {
			result.Status = StatusFailed
		} else {
			result.Status = StatusPartialFailure
		}
	default:
		result.Status = StatusPartialFailure
	}
	return result
}

// Shutdown stops accepting events and waits for in-flight executions to
// finish. The context bounds the wait; handlers are never interrupted
// mid-invocation by shutdown itself.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.drainMu.Lock()
	e.draining = true
	e.drainMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait aborted: %w", ctx.Err())
	}
}
