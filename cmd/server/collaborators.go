package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/internal/logger"
)

// Concrete collaborators behind the engine's action handler interfaces.
// The engine only sees the interfaces in the rules package; transport
// details live here.

// httpWebhookClient posts action payloads to external URLs.
type httpWebhookClient struct {
	client *http.Client
}

func newWebhookClient(timeout time.Duration) *httpWebhookClient {
	return &httpWebhookClient{
		client: &http.Client{Timeout: timeout},
	}
}

func (c *httpWebhookClient) Invoke(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// httpEntityMutator applies entity changes through the entity service's
// HTTP API. The engine stays ignorant of how entities persist.
type httpEntityMutator struct {
	baseURL string
	client  *http.Client
}

func newEntityMutator(baseURL string, timeout time.Duration) *httpEntityMutator {
	return &httpEntityMutator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (m *httpEntityMutator) UpdateField(ctx context.Context, entityType, entityID, field string, value any) error {
	if m.baseURL == "" {
		return fmt.Errorf("entity API URL is not configured")
	}
	url := fmt.Sprintf("%s/%s/%s", m.baseURL, entityType, entityID)
	return m.send(ctx, http.MethodPatch, url, map[string]any{field: value})
}

func (m *httpEntityMutator) Create(ctx context.Context, entityType string, fields map[string]any) (string, error) {
	if m.baseURL == "" {
		return "", fmt.Errorf("entity API URL is not configured")
	}
	// The entity service assigns IDs; we send one so creates retried
	// after a timeout stay idempotent.
	id := uuid.NewString()
	payload := map[string]any{"id": id}
	for k, v := range fields {
		payload[k] = v
	}
	url := fmt.Sprintf("%s/%s", m.baseURL, entityType)
	if err := m.send(ctx, http.MethodPost, url, payload); err != nil {
		return "", err
	}
	return id, nil
}

func (m *httpEntityMutator) send(ctx context.Context, method, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal entity payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build entity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("entity request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("entity API returned status %d", resp.StatusCode)
	}
	return nil
}

// logNotifier writes notifications to the structured log. Deployments
// with a real delivery channel replace it behind the
// rules.NotificationSender interface.
type logNotifier struct{}

func (logNotifier) Send(_ context.Context, recipient, subject, body string) error {
	logger.Info("notification", "to", recipient, "subject", subject, "body", body)
	return nil
}

// logScheduler records reminders to the structured log for an external
// scheduler to pick up.
type logScheduler struct{}

func (logScheduler) Schedule(_ context.Context, entityType, entityID string, at time.Time, message string) error {
	logger.Info("reminder scheduled",
		"entityType", entityType, "entityId", entityID,
		"at", at.Format(time.RFC3339), "message", message)
	return nil
}
