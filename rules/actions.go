package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ActionType identifies an action handler in the registry.
type ActionType string

const (
	ActionAssignEntity     ActionType = "assign-entity-to-user"
	ActionUpdateStatus     ActionType = "update-status"
	ActionUpdateField      ActionType = "update-field"
	ActionSendNotification ActionType = "send-notification"
	ActionCreateRelated    ActionType = "create-related-entity"
	ActionScheduleReminder ActionType = "schedule-reminder"
	ActionInvokeWebhook    ActionType = "invoke-webhook"
)

// Handler executes one action against already-resolved parameters. The
// context carries the per-invocation timeout; handlers performing
// external I/O must honor it. Handlers may be invoked more than once for
// the same event ("at-least-once" delivery plus configured retries), so
// non-idempotent effects are the handler's responsibility to guard.
type Handler interface {
	Execute(ctx context.Context, ec *ExecutionContext, params map[string]any) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ec *ExecutionContext, params map[string]any) error

func (f HandlerFunc) Execute(ctx context.Context, ec *ExecutionContext, params map[string]any) error {
	return f(ctx, ec, params)
}

// HandlerRegistry maps action types to handlers. Registration happens at
// startup; lookups during event processing take the read lock only.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[ActionType]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[ActionType]Handler)}
}

// Register binds a handler to an action type, replacing any previous
// binding for the same type.
func (r *HandlerRegistry) Register(typ ActionType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// Get returns the handler for an action type.
func (r *HandlerRegistry) Get(typ ActionType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Known reports whether an action type has a registered handler. Rule
// validation uses this to reject rules referencing unknown types.
func (r *HandlerRegistry) Known(typ ActionType) bool {
	_, ok := r.Get(typ)
	return ok
}

// Types returns the registered action types, sorted for stable output.
func (r *HandlerRegistry) Types() []ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]ActionType, 0, len(r.handlers))
	for typ := range r.handlers {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Collaborator interfaces. The engine only sees these contracts; the
// hosting process wires concrete transports (HTTP clients, mail senders)
// behind them.

// EntityMutator applies changes to domain entities on behalf of actions.
type EntityMutator interface {
	UpdateField(ctx context.Context, entityType, entityID, field string, value any) error
	Create(ctx context.Context, entityType string, fields map[string]any) (string, error)
}

// NotificationSender delivers a notification to a recipient.
type NotificationSender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// WebhookClient posts an event payload to an external URL.
type WebhookClient interface {
	Invoke(ctx context.Context, url string, payload map[string]any) error
}

// ReminderScheduler schedules a future reminder tied to an entity.
type ReminderScheduler interface {
	Schedule(ctx context.Context, entityType, entityID string, at time.Time, message string) error
}

// BuiltinDeps bundles the collaborators the built-in handlers need. A
// nil collaborator makes the handlers that need it fail with a
// configuration message instead of panicking.
type BuiltinDeps struct {
	Mutator   EntityMutator
	Notifier  NotificationSender
	Webhooks  WebhookClient
	Scheduler ReminderScheduler
}

// NewBuiltinRegistry builds a registry with the built-in action types
// bound. Callers may Register additional types on top.
func NewBuiltinRegistry(deps BuiltinDeps) *HandlerRegistry {
	r := NewHandlerRegistry()

	r.Register(ActionAssignEntity, HandlerFunc(func(ctx context.Context, ec *ExecutionContext, params map[string]any) error {
		if deps.Mutator == nil {
			return fmt.Errorf("no entity mutator configured")
		}
		user, err := stringParam(params, "user")
		if err != nil {
			return err
		}
		return deps.Mutator.UpdateField(ctx, ec.Event.EntityType, ec.Event.EntityID, "assignee", user)
	}))

	r.Register(ActionUpdateStatus, HandlerFunc(func(ctx context.Context, ec *ExecutionContext, params map[string]any) error {
		if deps.Mutator == nil {
			return fmt.Errorf("no entity mutator configured")
		}
		status, err := stringParam(params, "status")
		if err != nil {
			return err
		}
		return deps.Mutator.UpdateField(ctx, ec.Event.EntityType, ec.Event.EntityID, "status", status)
	}))

	r.Register(ActionUpdateField, HandlerFunc(func(ctx context.Context, ec *ExecutionContext, params map[string]any) error {
		if deps.Mutator == nil {
			return fmt.Errorf("no entity mutator configured")
		}
		field, err := stringParam(params, "field")
		if err != nil {
			return err
		}
		return deps.Mutator.UpdateField(ctx, ec.Event.EntityType, ec.Event.EntityID, field, params["value"])
	}))

	r.Register(ActionSendNotification, HandlerFunc(func(ctx context.Context, ec *ExecutionContext, params map[string]any) error {
		if deps.Notifier == nil {
			return fmt.Errorf("no notification sender configured")
		}
		to, err := stringParam(params, "to")
		if err != nil {
			return err
		}
		subject, _ := params["subject"].(string)
		body, _ := params["message"].(string)
		return deps.Notifier.Send(ctx, to, subject, body)
	}))

	r.Register(ActionCreateRelated, HandlerFunc(func(ctx context.Context, ec *ExecutionContext, params map[string]any) error {
		if deps.Mutator == nil {
			return fmt.Errorf("no entity mutator configured")
		}
		entityType, err := stringParam(params, "entity_type")
		if err != nil {
			return err
		}
		fields, _ := params["fields"].(map[string]any)
		_, err = deps.Mutator.Create(ctx, entityType, fields)
		return err
	}))

	r.Register(ActionScheduleReminder, HandlerFunc(func(ctx context.Context, ec *ExecutionContext, params map[string]any) error {
		if deps.Scheduler == nil {
			return fmt.Errorf("no reminder scheduler configured")
		}
		at, err := timeParam(params, "at")
		if err != nil {
			return err
		}
		message, _ := params["message"].(string)
		return deps.Scheduler.Schedule(ctx, ec.Event.EntityType, ec.Event.EntityID, at, message)
	}))

	r.Register(ActionInvokeWebhook, HandlerFunc(func(ctx context.Context, ec *ExecutionContext, params map[string]any) error {
		if deps.Webhooks == nil {
			return fmt.Errorf("no webhook client configured")
		}
		url, err := stringParam(params, "url")
		if err != nil {
			return err
		}
		payload, _ := params["payload"].(map[string]any)
		return deps.Webhooks.Invoke(ctx, url, payload)
	}))

	return r
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil || v == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string, got %T", key, v)
	}
	return s, nil
}

func timeParam(params map[string]any, key string) (time.Time, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return time.Time{}, fmt.Errorf("missing required parameter %q", key)
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parameter %q is not an RFC 3339 timestamp: %w", key, err)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("parameter %q must be a timestamp, got %T", key, v)
}
