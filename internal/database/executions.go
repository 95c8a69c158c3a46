package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/civiflow/civiflow/internal/workflow"
)

// InsertExecution stores a newly created execution.
func (d *Database) InsertExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	variables, err := json.Marshal(exec.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}

	query := `
		INSERT INTO workflow_executions
			(id, definition_id, definition_version, workflow_type, related_entity_id, initiator_id,
			 status, current_step_id, current_step_order, variables, started_at, step_entered_at,
			 deadline_at, completed_at, duration_seconds, cancelled_by, cancel_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = d.db.ExecContext(ctx, rebind(query),
		exec.ID, exec.DefinitionID, exec.DefinitionVersion, exec.WorkflowType,
		exec.RelatedEntityID, exec.InitiatorID, string(exec.Status),
		exec.CurrentStepID, exec.CurrentStepOrder, string(variables),
		exec.StartedAt, nullTime(exec.StepEnteredAt), exec.DeadlineAt, exec.CompletedAt,
		exec.DurationSeconds, exec.CancelledBy, exec.CancelReason)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution with its full step history and errors.
func (d *Database) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	query := `
		SELECT id, definition_id, definition_version, workflow_type, related_entity_id, initiator_id,
			status, current_step_id, current_step_order, variables, started_at, step_entered_at,
			deadline_at, completed_at, duration_seconds, cancelled_by, cancel_reason
		FROM workflow_executions
		WHERE id = ?
	`
	exec, err := scanExecution(d.db.QueryRowContext(ctx, rebind(query), id))
	if err != nil {
		return nil, err
	}
	if err := d.loadHistory(ctx, exec); err != nil {
		return nil, err
	}
	if err := d.loadErrors(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// TransitionExecution persists the execution's fields guarded by the
// expected (status, current step), appending history and error entries in
// the same transaction. Returns false when the guard does not match.
func (d *Database) TransitionExecution(ctx context.Context, exec *workflow.WorkflowExecution, expectStatus workflow.ExecutionStatus, expectStepID string, history []workflow.StepHistory, errs []workflow.ExecutionError) (bool, error) {
	variables, err := json.Marshal(exec.Variables)
	if err != nil {
		return false, fmt.Errorf("failed to encode variables: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE workflow_executions
		SET status = ?, current_step_id = ?, current_step_order = ?, variables = ?,
			step_entered_at = ?, deadline_at = ?, completed_at = ?, duration_seconds = ?,
			cancelled_by = ?, cancel_reason = ?
		WHERE id = ? AND status = ? AND current_step_id = ?
	`
	result, err := tx.ExecContext(ctx, rebind(query),
		string(exec.Status), exec.CurrentStepID, exec.CurrentStepOrder, string(variables),
		nullTime(exec.StepEnteredAt), exec.DeadlineAt, exec.CompletedAt, exec.DurationSeconds,
		exec.CancelledBy, exec.CancelReason,
		exec.ID, string(expectStatus), expectStepID)
	if err != nil {
		return false, fmt.Errorf("failed to transition execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check transition: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	historyQuery := `
		INSERT INTO execution_history (execution_id, step_id, step_name, entered_at, exited_at, outcome, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for _, h := range history {
		_, err := tx.ExecContext(ctx, rebind(historyQuery),
			exec.ID, h.StepID, h.StepName, nullTime(h.EnteredAt), nullTime(h.ExitedAt), h.Outcome, h.Actor)
		if err != nil {
			return false, fmt.Errorf("failed to append history: %w", err)
		}
	}

	errorQuery := `
		INSERT INTO execution_errors (execution_id, step_id, message, occurred_at)
		VALUES (?, ?, ?, ?)
	`
	for _, e := range errs {
		_, err := tx.ExecContext(ctx, rebind(errorQuery), exec.ID, e.StepID, e.Message, e.OccurredAt)
		if err != nil {
			return false, fmt.Errorf("failed to append error: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}
	return true, nil
}

// AppendExecutionError records a recoverable fault without transitioning.
func (d *Database) AppendExecutionError(ctx context.Context, executionID string, e workflow.ExecutionError) error {
	query := `
		INSERT INTO execution_errors (execution_id, step_id, message, occurred_at)
		VALUES (?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, rebind(query), executionID, e.StepID, e.Message, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record execution error: %w", err)
	}
	return nil
}

// ListDueExecutions returns in_progress executions whose deadline elapsed.
// History is not hydrated; the sweeper only needs the head fields.
func (d *Database) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*workflow.WorkflowExecution, error) {
	query := `
		SELECT id, definition_id, definition_version, workflow_type, related_entity_id, initiator_id,
			status, current_step_id, current_step_order, variables, started_at, step_entered_at,
			deadline_at, completed_at, duration_seconds, cancelled_by, cancel_reason
		FROM workflow_executions
		WHERE status = 'in_progress' AND deadline_at IS NOT NULL AND deadline_at <= ?
		ORDER BY deadline_at
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, rebind(query), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due executions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// ClaimDeadline atomically swaps an execution's deadline from its expected
// value to next (nil clears it). Returns false when another sweeper won.
func (d *Database) ClaimDeadline(ctx context.Context, executionID string, expect time.Time, next *time.Time) (bool, error) {
	query := `
		UPDATE workflow_executions
		SET deadline_at = ?
		WHERE id = ? AND deadline_at = ?
	`
	result, err := d.db.ExecContext(ctx, rebind(query), next, executionID, expect)
	if err != nil {
		return false, fmt.Errorf("failed to claim deadline: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check deadline claim: %w", err)
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row *sql.Row) (*workflow.WorkflowExecution, error) {
	exec, err := scanExecutionRows(row)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrExecutionNotFound
	}
	return exec, err
}

func scanExecutionRows(row rowScanner) (*workflow.WorkflowExecution, error) {
	var exec workflow.WorkflowExecution
	var status, variables string
	var stepEnteredAt sql.NullTime
	err := row.Scan(&exec.ID, &exec.DefinitionID, &exec.DefinitionVersion, &exec.WorkflowType,
		&exec.RelatedEntityID, &exec.InitiatorID, &status, &exec.CurrentStepID,
		&exec.CurrentStepOrder, &variables, &exec.StartedAt, &stepEnteredAt,
		&exec.DeadlineAt, &exec.CompletedAt, &exec.DurationSeconds,
		&exec.CancelledBy, &exec.CancelReason)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	exec.Status = workflow.ExecutionStatus(status)
	if stepEnteredAt.Valid {
		exec.StepEnteredAt = stepEnteredAt.Time
	}
	if err := json.Unmarshal([]byte(variables), &exec.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode variables: %w", err)
	}
	return &exec, nil
}

func (d *Database) loadHistory(ctx context.Context, exec *workflow.WorkflowExecution) error {
	query := `
		SELECT step_id, step_name, entered_at, exited_at, outcome, actor
		FROM execution_history
		WHERE execution_id = ?
		ORDER BY id
	`
	rows, err := d.db.QueryContext(ctx, rebind(query), exec.ID)
	if err != nil {
		return fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h workflow.StepHistory
		var entered, exited sql.NullTime
		if err := rows.Scan(&h.StepID, &h.StepName, &entered, &exited, &h.Outcome, &h.Actor); err != nil {
			return fmt.Errorf("failed to scan history: %w", err)
		}
		if entered.Valid {
			h.EnteredAt = entered.Time
		}
		if exited.Valid {
			h.ExitedAt = exited.Time
		}
		exec.StepHistory = append(exec.StepHistory, h)
	}
	return rows.Err()
}

func (d *Database) loadErrors(ctx context.Context, exec *workflow.WorkflowExecution) error {
	query := `
		SELECT step_id, message, occurred_at
		FROM execution_errors
		WHERE execution_id = ?
		ORDER BY id
	`
	rows, err := d.db.QueryContext(ctx, rebind(query), exec.ID)
	if err != nil {
		return fmt.Errorf("failed to query errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e workflow.ExecutionError
		if err := rows.Scan(&e.StepID, &e.Message, &e.OccurredAt); err != nil {
			return fmt.Errorf("failed to scan error: %w", err)
		}
		exec.Errors = append(exec.Errors, e)
	}
	return rows.Err()
}

// nullTime maps the zero time to NULL so half-initialized timestamps never
// reach the database.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
