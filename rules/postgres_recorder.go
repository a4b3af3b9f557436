package rules

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRecorder persists rule execution results and their ordered
// action outcomes for the audit trail. One row per rule execution in
// rule_executions, one row per action in action_outcomes.
type PostgresRecorder struct {
	db       *sql.DB
	tenantID string
}

func NewPostgresRecorder(db *sql.DB, tenantID string) *PostgresRecorder {
	return &PostgresRecorder{
		db:       db,
		tenantID: tenantID,
	}
}

func (r *PostgresRecorder) Record(ctx context.Context, result *RuleExecutionResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_executions (id, tenant_id, event_id, rule_id, rule_name,
			matched, status, duration_ms, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, result.ID, r.tenantID, result.EventID, result.RuleID, result.RuleName,
		result.Matched, string(result.Status), result.Duration.Milliseconds(), result.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule execution: %w", err)
	}

	for _, outcome := range result.Outcomes {
		var outcomeErr sql.NullString
		if outcome.Error != "" {
			outcomeErr = sql.NullString{String: outcome.Error, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO action_outcomes (execution_id, action_index, action_type,
				status, error, attempts, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, result.ID, outcome.Index, string(outcome.ActionType),
			string(outcome.Status), outcomeErr, outcome.Attempts, outcome.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert action outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	return nil
}

// ListByEvent returns the recorded executions for one event, in the
// order they were executed.
func (r *PostgresRecorder) ListByEvent(ctx context.Context, eventID string) ([]*RuleExecutionResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, rule_id, rule_name, matched, status, executed_at
		FROM rule_executions
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY executed_at ASC, id ASC
	`, r.tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var results []*RuleExecutionResult
	for rows.Next() {
		var res RuleExecutionResult
		var status string
		if err := rows.Scan(&res.ID, &res.EventID, &res.RuleID, &res.RuleName,
			&res.Matched, &status, &res.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		res.Status = RuleStatus(status)
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	for _, res := range results {
		outcomes, err := r.listOutcomes(ctx, res.ID)
		if err != nil {
			return nil, err
		}
		res.Outcomes = outcomes
	}

	return results, nil
}

func (r *PostgresRecorder) listOutcomes(ctx context.Context, executionID string) ([]ActionOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT action_index, action_type, status, error, attempts
		FROM action_outcomes
		WHERE execution_id = $1
		ORDER BY action_index ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []ActionOutcome
	for rows.Next() {
		var o ActionOutcome
		var actionType, status string
		var outcomeErr sql.NullString
		if err := rows.Scan(&o.Index, &actionType, &status, &outcomeErr, &o.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.ActionType = ActionType(actionType)
		o.Status = ActionStatus(status)
		o.Error = outcomeErr.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
