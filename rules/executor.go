package rules

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultActionTimeout bounds handler invocations when the action
	// spec does not set its own timeout. Every invocation is
	// time-bounded; there is no unbounded blocking.
	DefaultActionTimeout = 5 * time.Second

	// maxRetries caps the configured per-action retry count.
	maxRetries = 5
)

// Executor invokes action handlers with resolved parameters, enforcing
// per-attempt timeouts and bounded retries. Failures are captured as
// outcomes, never returned as errors.
type Executor struct {
	handlers       *HandlerRegistry
	defaultTimeout time.Duration
}

func NewExecutor(handlers *HandlerRegistry) *Executor {
	return &Executor{
		handlers:       handlers,
		defaultTimeout: DefaultActionTimeout,
	}
}

// Run executes one action and reports its outcome. The index is the
// action's position within the rule, carried into the audit record so
// ordered outcomes can be reconstructed.
func (x *Executor) Run(ctx context.Context, ec *ExecutionContext, index int, spec ActionSpec) ActionOutcome {
	start := time.Now()
	outcome := ActionOutcome{
		Index:      index,
		ActionType: spec.Type,
	}

	handler, ok := x.handlers.Get(spec.Type)
	if !ok {
		// Validation rejects unknown types at load; this covers a
		// handler deregistered between reload and execution.
		outcome.Status = ActionFailed
		outcome.Error = fmt.Sprintf("no handler registered for action type %q", spec.Type)
		outcome.Duration = time.Since(start)
		return outcome
	}

	params := resolveParams(ec, spec.Params)

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}

	retries := spec.Retries
	if retries < 0 {
		retries = 0
	}
	if retries > maxRetries {
		retries = maxRetries
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		outcome.Attempts = attempt + 1
		err = x.invoke(ctx, handler, ec, params, timeout)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			// The event-level context is gone; further attempts
			// would fail the same way.
			break
		}
	}

	outcome.Duration = time.Since(start)
	if err != nil {
		outcome.Status = ActionFailed
		outcome.Error = err.Error()
	} else {
		outcome.Status = ActionSucceeded
	}
	return outcome
}

// invoke runs one attempt under its own deadline. The handler runs in a
// goroutine so a handler that ignores its context cannot block event
// processing past the timeout; the buffered channel lets it finish and
// be collected later.
func (x *Executor) invoke(ctx context.Context, h Handler, ec *ExecutionContext, params map[string]any, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- h.Execute(attemptCtx, ec, params)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("action canceled: %w", ctx.Err())
		}
		return fmt.Errorf("action timed out after %s", timeout)
	}
}
