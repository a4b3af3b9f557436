package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testContext() *ExecutionContext {
	return updateCtx(Snapshot{"status": "open"}, Snapshot{"status": "done"})
}

func registryWith(t *testing.T, typ ActionType, h Handler) *HandlerRegistry {
	t.Helper()
	r := NewHandlerRegistry()
	r.Register(typ, h)
	return r
}

func TestExecutorSuccess(t *testing.T) {
	var got map[string]any
	handlers := registryWith(t, "record", HandlerFunc(func(_ context.Context, _ *ExecutionContext, params map[string]any) error {
		got = params
		return nil
	}))
	x := NewExecutor(handlers)

	outcome := x.Run(context.Background(), testContext(), 0, ActionSpec{
		Type:   "record",
		Params: map[string]any{"status": "{{after.status}}"},
	})

	if outcome.Status != ActionSucceeded {
		t.Fatalf("status = %s, want succeeded", outcome.Status)
	}
	if outcome.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", outcome.Attempts)
	}
	if got["status"] != "done" {
		t.Errorf("handler received params %v, want interpolated status", got)
	}
}

func TestExecutorFailure(t *testing.T) {
	handlers := registryWith(t, "fail", HandlerFunc(func(context.Context, *ExecutionContext, map[string]any) error {
		return errors.New("downstream unavailable")
	}))
	x := NewExecutor(handlers)

	outcome := x.Run(context.Background(), testContext(), 0, ActionSpec{Type: "fail"})

	if outcome.Status != ActionFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if outcome.Error != "downstream unavailable" {
		t.Errorf("error = %q", outcome.Error)
	}
}

func TestExecutorTimeout(t *testing.T) {
	handlers := registryWith(t, "slow", HandlerFunc(func(ctx context.Context, _ *ExecutionContext, _ map[string]any) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	x := NewExecutor(handlers)

	start := time.Now()
	outcome := x.Run(context.Background(), testContext(), 0, ActionSpec{
		Type:    "slow",
		Timeout: 50 * time.Millisecond,
	})

	if outcome.Status != ActionFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timed-out action took %v, should be bounded by the timeout", elapsed)
	}
}

// A handler that ignores its context still cannot block past the
// timeout.
func TestExecutorTimeoutWithStuckHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	handlers := registryWith(t, "stuck", HandlerFunc(func(context.Context, *ExecutionContext, map[string]any) error {
		<-release
		return nil
	}))
	x := NewExecutor(handlers)

	outcome := x.Run(context.Background(), testContext(), 0, ActionSpec{
		Type:    "stuck",
		Timeout: 50 * time.Millisecond,
	})

	if outcome.Status != ActionFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
}

func TestExecutorRetries(t *testing.T) {
	var calls atomic.Int32
	handlers := registryWith(t, "flaky", HandlerFunc(func(context.Context, *ExecutionContext, map[string]any) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	x := NewExecutor(handlers)

	outcome := x.Run(context.Background(), testContext(), 0, ActionSpec{
		Type:    "flaky",
		Retries: 3,
	})

	if outcome.Status != ActionSucceeded {
		t.Fatalf("status = %s, want succeeded after retries", outcome.Status)
	}
	if outcome.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", outcome.Attempts)
	}
}

func TestExecutorRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	handlers := registryWith(t, "broken", HandlerFunc(func(context.Context, *ExecutionContext, map[string]any) error {
		calls.Add(1)
		return errors.New("permanent")
	}))
	x := NewExecutor(handlers)

	outcome := x.Run(context.Background(), testContext(), 0, ActionSpec{
		Type:    "broken",
		Retries: 2,
	})

	if outcome.Status != ActionFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("handler called %d times, want 3 (initial + 2 retries)", calls.Load())
	}
}

func TestExecutorCapsRetries(t *testing.T) {
	var calls atomic.Int32
	handlers := registryWith(t, "broken", HandlerFunc(func(context.Context, *ExecutionContext, map[string]any) error {
		calls.Add(1)
		return errors.New("permanent")
	}))
	x := NewExecutor(handlers)

	x.Run(context.Background(), testContext(), 0, ActionSpec{
		Type:    "broken",
		Retries: 100,
	})

	if calls.Load() != int32(maxRetries)+1 {
		t.Errorf("handler called %d times, want %d", calls.Load(), maxRetries+1)
	}
}

func TestExecutorRecoversPanic(t *testing.T) {
	handlers := registryWith(t, "panicky", HandlerFunc(func(context.Context, *ExecutionContext, map[string]any) error {
		panic("handler bug")
	}))
	x := NewExecutor(handlers)

	outcome := x.Run(context.Background(), testContext(), 0, ActionSpec{Type: "panicky"})

	if outcome.Status != ActionFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if outcome.Error == "" {
		t.Error("panic should be captured in the outcome error")
	}
}

func TestExecutorUnknownType(t *testing.T) {
	x := NewExecutor(NewHandlerRegistry())

	outcome := x.Run(context.Background(), testContext(), 2, ActionSpec{Type: "ghost"})

	if outcome.Status != ActionFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if outcome.Index != 2 {
		t.Errorf("index = %d, want 2", outcome.Index)
	}
}
