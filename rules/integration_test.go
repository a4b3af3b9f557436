//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/automation/rules"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "automation_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=automation_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		migrationSQL, err = os.ReadFile(filepath.Join("migrations", "000001_initial_schema.up.sql"))
		if err != nil {
			t.Fatalf("Failed to read migration file: %v", err)
		}
	}

	if _, err = db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func createTenant(t *testing.T, db *sql.DB, name string) string {
	var tenantID string
	err := db.QueryRow(`
		INSERT INTO tenants (name) VALUES ($1) RETURNING id
	`, name).Scan(&tenantID)
	if err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	return tenantID
}

func sampleRule(id, name string) *rules.Rule {
	return &rules.Rule{
		ID:      id,
		Name:    name,
		Trigger: rules.Trigger{EntityType: "Task", Operation: rules.OpUpdated},
		Condition: &rules.Condition{
			Kind:  rules.KindLeaf,
			Op:    rules.OpEq,
			Field: "status",
			Value: "done",
		},
		Actions: []rules.ActionSpec{
			{Type: rules.ActionSendNotification, Params: map[string]any{
				"to":      "{{after.assignee}}",
				"subject": "Task completed",
			}},
		},
		Enabled:   true,
		Priority:  1,
		OnFailure: rules.FailureContinue,
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)

	ruleID := uuid.New().String()
	rule := sampleRule(ruleID, "test-rule")

	if err := store.Add(rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "test-rule" {
		t.Errorf("Expected name 'test-rule', got '%s'", retrieved.Name)
	}
	if retrieved.Trigger.EntityType != "Task" || retrieved.Trigger.Operation != rules.OpUpdated {
		t.Errorf("Trigger = %+v, want Task/updated", retrieved.Trigger)
	}
	if retrieved.Condition == nil || retrieved.Condition.Op != rules.OpEq {
		t.Errorf("Condition round-trip failed: %+v", retrieved.Condition)
	}
	if len(retrieved.Actions) != 1 || retrieved.Actions[0].Type != rules.ActionSendNotification {
		t.Errorf("Actions round-trip failed: %+v", retrieved.Actions)
	}

	listed, err := store.List()
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("Expected 1 rule, got %d", len(listed))
	}

	rule.Name = "updated-rule"
	rule.Enabled = false
	if err := store.Update(rule); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	updated, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get updated rule: %v", err)
	}
	if updated.Name != "updated-rule" {
		t.Errorf("Expected name 'updated-rule', got '%s'", updated.Name)
	}
	if updated.Enabled {
		t.Error("Expected rule to be disabled after update")
	}

	if err := store.Delete(ruleID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ruleID); err == nil {
		t.Error("Expected error when getting deleted rule, got nil")
	}
}

func TestPostgresRuleStore_TenantIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantA := createTenant(t, db, "tenant-a")
	tenantB := createTenant(t, db, "tenant-b")

	storeA := rules.NewPostgresRuleStore(db, tenantA)
	storeB := rules.NewPostgresRuleStore(db, tenantB)

	ruleAID := uuid.New().String()
	if err := storeA.Add(sampleRule(ruleAID, "tenant-a-rule")); err != nil {
		t.Fatalf("Failed to add rule for tenant A: %v", err)
	}

	ruleBID := uuid.New().String()
	if err := storeB.Add(sampleRule(ruleBID, "tenant-b-rule")); err != nil {
		t.Fatalf("Failed to add rule for tenant B: %v", err)
	}

	if _, err := storeA.Get(ruleBID); err == nil {
		t.Error("Tenant A should not be able to see tenant B's rule")
	}
	if _, err := storeB.Get(ruleAID); err == nil {
		t.Error("Tenant B should not be able to see tenant A's rule")
	}

	rulesA, err := storeA.List()
	if err != nil {
		t.Fatalf("Failed to list rules for tenant A: %v", err)
	}
	if len(rulesA) != 1 || rulesA[0].Name != "tenant-a-rule" {
		t.Errorf("Tenant A rules = %+v, want only tenant-a-rule", rulesA)
	}

	rulesB, err := storeB.List()
	if err != nil {
		t.Fatalf("Failed to list rules for tenant B: %v", err)
	}
	if len(rulesB) != 1 || rulesB[0].Name != "tenant-b-rule" {
		t.Errorf("Tenant B rules = %+v, want only tenant-b-rule", rulesB)
	}
}

func TestPostgresRuleStore_DuplicateRuleID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)

	rule := sampleRule(uuid.New().String(), "test-rule")
	if err := store.Add(rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := store.Add(rule); err == nil {
		t.Error("Expected error when adding duplicate rule, got nil")
	}
}

func TestPostgresRuleStore_UpdateNonExistent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)

	if err := store.Update(sampleRule(uuid.New().String(), "ghost")); err == nil {
		t.Error("Expected error when updating non-existent rule, got nil")
	}
}

func TestPostgresRuleStore_DeleteNonExistent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)

	if err := store.Delete(uuid.New().String()); err == nil {
		t.Error("Expected error when deleting non-existent rule, got nil")
	}
}

// noopHandlers registers the action types the sample rules reference.
func noopHandlers() *rules.HandlerRegistry {
	r := rules.NewHandlerRegistry()
	r.Register(rules.ActionSendNotification, rules.HandlerFunc(
		func(context.Context, *rules.ExecutionContext, map[string]any) error { return nil }))
	return r
}

func TestEngineWithPostgresStoreAndRecorder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)
	recorder := rules.NewPostgresRecorder(db, tenantID)

	ruleID := uuid.New().String()
	if err := store.Add(sampleRule(ruleID, "task-done")); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	engine, rejected, err := rules.NewEngineFromStore(noopHandlers(), recorder, store)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if len(rejected) != 0 {
		t.Fatalf("Unexpected rejections: %v", rejected)
	}

	event := &rules.ChangeEvent{
		EntityType: "Task",
		EntityID:   "task-1",
		Operation:  rules.OpUpdated,
		Before:     rules.Snapshot{"status": "open", "assignee": "user-9"},
		After:      rules.Snapshot{"status": "done", "assignee": "user-9"},
	}
	results, err := engine.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Failed to process event: %v", err)
	}
	if len(results) != 1 || results[0].Status != rules.StatusCompleted {
		t.Fatalf("results = %+v, want one completed execution", results)
	}

	recorded, err := recorder.ListByEvent(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("Failed to list recorded executions: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("Expected 1 recorded execution, got %d", len(recorded))
	}
	if recorded[0].RuleID != ruleID || recorded[0].Status != rules.StatusCompleted {
		t.Errorf("recorded = %+v, want completed execution of the rule", recorded[0])
	}
	if len(recorded[0].Outcomes) != 1 || recorded[0].Outcomes[0].Status != rules.ActionSucceeded {
		t.Errorf("outcomes = %+v, want one succeeded action", recorded[0].Outcomes)
	}
}

func TestRecorderTenantIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantA := createTenant(t, db, "tenant-a")
	tenantB := createTenant(t, db, "tenant-b")

	recorderA := rules.NewPostgresRecorder(db, tenantA)
	recorderB := rules.NewPostgresRecorder(db, tenantB)

	eventID := uuid.New().String()
	result := &rules.RuleExecutionResult{
		ID:         uuid.New().String(),
		EventID:    eventID,
		RuleID:     uuid.New().String(),
		RuleName:   "recorded",
		Matched:    true,
		Status:     rules.StatusCompleted,
		ExecutedAt: time.Now().UTC(),
	}
	if err := recorderA.Record(context.Background(), result); err != nil {
		t.Fatalf("Failed to record: %v", err)
	}

	fromB, err := recorderB.ListByEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(fromB) != 0 {
		t.Errorf("Tenant B should not see tenant A's audit records, got %d", len(fromB))
	}
}

func TestCascadingDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)

	if err := store.Add(sampleRule(uuid.New().String(), "test-rule")); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	if _, err := db.Exec("DELETE FROM tenants WHERE id = $1", tenantID); err != nil {
		t.Fatalf("Failed to delete tenant: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM rules WHERE tenant_id = $1", tenantID).Scan(&count); err != nil {
		t.Fatalf("Failed to count rules: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 rules after tenant deletion, got %d", count)
	}
}

func TestRuleOrderingFromStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)

	// Insert in reverse priority order.
	for i := 5; i >= 1; i-- {
		rule := sampleRule(uuid.New().String(), fmt.Sprintf("rule-%d", i))
		rule.Priority = i
		if err := store.Add(rule); err != nil {
			t.Fatalf("Failed to add rule %d: %v", i, err)
		}
	}

	listed, err := store.List()
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if len(listed) != 5 {
		t.Fatalf("Expected 5 rules, got %d", len(listed))
	}
	for i := 0; i < len(listed)-1; i++ {
		if listed[i].Priority > listed[i+1].Priority {
			t.Error("Rules are not ordered by priority ascending")
		}
	}
}
