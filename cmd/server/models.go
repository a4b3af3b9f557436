package main

import (
	"time"

	"github.com/liamcoop/automation/rules"
)

// Request/response shapes for the HTTP API.

type eventRequest struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	ActorID    string          `json:"actorId"`
	Timestamp  time.Time       `json:"timestamp"`
	Before     rules.Snapshot  `json:"before"`
	After      rules.Snapshot  `json:"after"`
}

func (r *eventRequest) toEvent() *rules.ChangeEvent {
	return &rules.ChangeEvent{
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Operation:  rules.Operation(r.Operation),
		ActorID:    r.ActorID,
		Timestamp:  r.Timestamp,
		Before:     r.Before,
		After:      r.After,
	}
}

type eventResponse struct {
	EventID string                       `json:"eventId"`
	Results []*rules.RuleExecutionResult `json:"results"`
}

type ruleRequest struct {
	Name      string             `json:"name"`
	Trigger   rules.Trigger      `json:"trigger"`
	Condition *rules.Condition   `json:"condition"`
	Actions   []rules.ActionSpec `json:"actions"`
	Enabled   bool               `json:"enabled"`
	Priority  int                `json:"priority"`
	OnFailure string             `json:"onFailure"`
}

func (r *ruleRequest) toRule(id string) *rules.Rule {
	return &rules.Rule{
		ID:        id,
		Name:      r.Name,
		Trigger:   r.Trigger,
		Condition: r.Condition,
		Actions:   r.Actions,
		Enabled:   r.Enabled,
		Priority:  r.Priority,
		OnFailure: rules.FailurePolicy(r.OnFailure),
	}
}

type reloadResponse struct {
	ActiveRules   int      `json:"activeRules"`
	RejectedRules []string `json:"rejectedRules,omitempty"`
}
