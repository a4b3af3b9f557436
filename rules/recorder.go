package rules

import (
	"context"
	"sync"
)

// OutcomeRecorder is the audit sink for rule execution results. The
// engine hands over one record per rule per event, in execution order;
// implementations persist them for later inspection.
type OutcomeRecorder interface {
	Record(ctx context.Context, result *RuleExecutionResult) error
}

// InMemoryRecorder keeps results in memory. Suitable for tests and for
// deployments that only need the results returned from Process.
type InMemoryRecorder struct {
	mu      sync.Mutex
	results []*RuleExecutionResult
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

func (r *InMemoryRecorder) Record(_ context.Context, result *RuleExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

// Results returns the recorded results in the order they were recorded.
func (r *InMemoryRecorder) Results() []*RuleExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RuleExecutionResult, len(r.results))
	copy(out, r.results)
	return out
}

// Reset discards all recorded results.
func (r *InMemoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = nil
}
