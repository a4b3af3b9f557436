package rules

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL, scoped to
// a single tenant. Condition trees and action lists are stored as JSONB.
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

func (s *PostgresRuleStore) Add(rule *Rule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND tenant_id = $2)
	`, rule.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	conditionJSON, actionsJSON, err := marshalRuleBody(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (id, tenant_id, name, entity_type, operation, condition,
			actions, enabled, priority, on_failure, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rule.ID, s.tenantID, rule.Name, rule.Trigger.EntityType, string(rule.Trigger.Operation),
		conditionJSON, actionsJSON, rule.Enabled, rule.Priority, string(rule.OnFailure),
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT id, name, entity_type, operation, condition, actions,
			enabled, priority, on_failure, created_at, updated_at
		FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) List() ([]*Rule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, entity_type, operation, condition, actions,
			enabled, priority, on_failure, created_at, updated_at
		FROM rules
		WHERE tenant_id = $1
		ORDER BY priority ASC, id ASC
	`, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var ruleSet []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		ruleSet = append(ruleSet, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return ruleSet, nil
}

func (s *PostgresRuleStore) Update(rule *Rule) error {
	conditionJSON, actionsJSON, err := marshalRuleBody(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, entity_type = $2, operation = $3, condition = $4,
			actions = $5, enabled = $6, priority = $7, on_failure = $8, updated_at = $9
		WHERE id = $10 AND tenant_id = $11
	`, rule.Name, rule.Trigger.EntityType, string(rule.Trigger.Operation), conditionJSON,
		actionsJSON, rule.Enabled, rule.Priority, string(rule.OnFailure), rule.UpdatedAt,
		rule.ID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	return nil
}

func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

func marshalRuleBody(rule *Rule) (conditionJSON, actionsJSON []byte, err error) {
	conditionJSON, err = json.Marshal(rule.Condition)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal condition: %w", err)
	}
	actionsJSON, err = json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	return conditionJSON, actionsJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var operation, onFailure string
	var conditionJSON, actionsJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Trigger.EntityType,
		&operation,
		&conditionJSON,
		&actionsJSON,
		&rule.Enabled,
		&rule.Priority,
		&onFailure,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Trigger.Operation = Operation(operation)
	rule.OnFailure = FailurePolicy(onFailure)

	if len(conditionJSON) > 0 && string(conditionJSON) != "null" {
		rule.Condition = &Condition{}
		if err := json.Unmarshal(conditionJSON, rule.Condition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal condition: %w", err)
		}
	}
	if len(actionsJSON) > 0 && string(actionsJSON) != "null" {
		if err := json.Unmarshal(actionsJSON, &rule.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
		}
	}

	return &rule, nil
}
