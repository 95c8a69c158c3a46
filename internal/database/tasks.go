package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/civiflow/civiflow/internal/workflow"
)

// Statuses a task can still be completed or cancelled from.
const openTaskStatuses = `('pending', 'assigned', 'in_progress', 'overdue')`

// InsertTasks stores a batch of tasks in one transaction.
func (d *Database) InsertTasks(ctx context.Context, tasks []*workflow.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO workflow_tasks
			(id, execution_id, step_id, assignee_id, related_entity_id, status, outcome,
			 form_data, due_date, escalation, created_at, completed_at, completed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, t := range tasks {
		formData, err := json.Marshal(t.FormData)
		if err != nil {
			return fmt.Errorf("failed to encode form data for task %s: %w", t.ID, err)
		}
		_, err = tx.ExecContext(ctx, rebind(query),
			t.ID, t.ExecutionID, t.StepID, t.AssigneeID, t.RelatedEntityID,
			string(t.Status), t.Outcome, string(formData), t.DueDate, t.Escalation,
			t.CreatedAt, t.CompletedAt, t.CompletedBy)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// GetTask retrieves one task by id.
func (d *Database) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	query := taskSelect + ` WHERE id = ?`
	task, err := scanTask(d.db.QueryRowContext(ctx, rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, workflow.ErrTaskNotFound
	}
	return task, err
}

// ListOpenTasks returns an execution's open tasks.
func (d *Database) ListOpenTasks(ctx context.Context, executionID string) ([]*workflow.Task, error) {
	query := taskSelect + ` WHERE execution_id = ? AND status IN ` + openTaskStatuses + ` ORDER BY created_at`
	rows, err := d.db.QueryContext(ctx, rebind(query), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open tasks: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// CompleteTask conditionally marks an open task completed. Returns false
// with no error when the task was not open, so concurrent completions and
// cancellations resolve to exactly one winner.
func (d *Database) CompleteTask(ctx context.Context, taskID, outcome, actor string, at time.Time) (*workflow.Task, bool, error) {
	query := `
		UPDATE workflow_tasks
		SET status = 'completed', outcome = ?, completed_at = ?, completed_by = ?
		WHERE id = ? AND status IN ` + openTaskStatuses + `
		RETURNING ` + taskColumns
	task, err := scanTask(d.db.QueryRowContext(ctx, rebind(query), outcome, at, actor, taskID))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	return task, true, nil
}

// CancelOpenTasks bulk-transitions an execution's open tasks to cancelled.
func (d *Database) CancelOpenTasks(ctx context.Context, executionID string, at time.Time) (int, error) {
	query := `
		UPDATE workflow_tasks
		SET status = 'cancelled', completed_at = ?
		WHERE execution_id = ? AND status IN ` + openTaskStatuses
	result, err := d.db.ExecContext(ctx, rebind(query), at, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel tasks: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// MarkTasksOverdue flags a step's open tasks overdue. Overdue tasks remain
// completable; the flag drives escalation visibility.
func (d *Database) MarkTasksOverdue(ctx context.Context, executionID, stepID string, at time.Time) (int, error) {
	query := `
		UPDATE workflow_tasks
		SET status = 'overdue', due_date = ?
		WHERE execution_id = ? AND step_id = ? AND status IN ('pending', 'assigned', 'in_progress')
	`
	result, err := d.db.ExecContext(ctx, rebind(query), at, executionID, stepID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark tasks overdue: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// IncrementApprovals atomically bumps the approval counter for one
// (execution, step) pair and returns the new count.
func (d *Database) IncrementApprovals(ctx context.Context, executionID, stepID string) (int, error) {
	query := `
		INSERT INTO step_progress (execution_id, step_id, approvals)
		VALUES (?, ?, 1)
		ON CONFLICT (execution_id, step_id)
		DO UPDATE SET approvals = step_progress.approvals + 1
		RETURNING approvals
	`
	var count int
	if err := d.db.QueryRowContext(ctx, rebind(query), executionID, stepID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment approvals: %w", err)
	}
	return count, nil
}

// CountOpenTasksByAssignee supports the least_loaded assignment rule.
func (d *Database) CountOpenTasksByAssignee(ctx context.Context, assigneeID string) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_tasks WHERE assignee_id = ? AND status IN ` + openTaskStatuses
	var count int
	if err := d.db.QueryRowContext(ctx, rebind(query), assigneeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open tasks: %w", err)
	}
	return count, nil
}

const taskColumns = `id, execution_id, step_id, assignee_id, related_entity_id, status, outcome,
	form_data, due_date, escalation, created_at, completed_at, completed_by`

const taskSelect = `SELECT ` + taskColumns + ` FROM workflow_tasks`

func scanTask(row rowScanner) (*workflow.Task, error) {
	var t workflow.Task
	var status, formData string
	err := row.Scan(&t.ID, &t.ExecutionID, &t.StepID, &t.AssigneeID, &t.RelatedEntityID,
		&status, &t.Outcome, &formData, &t.DueDate, &t.Escalation,
		&t.CreatedAt, &t.CompletedAt, &t.CompletedBy)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Status = workflow.TaskStatus(status)
	if formData != "" && formData != "{}" && formData != "null" {
		if err := json.Unmarshal([]byte(formData), &t.FormData); err != nil {
			return nil, fmt.Errorf("failed to decode form data: %w", err)
		}
	}
	return &t, nil
}
