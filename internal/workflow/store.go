package workflow

import (
	"context"
	"time"
)

// Store is the persistence contract the engine requires from the storage
// layer: plain reads plus atomic conditional updates keyed by id and the
// expected current state. internal/database implements it on PostgreSQL.
type Store interface {
	// Definitions
	PutDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	GetActiveDefinitionByType(ctx context.Context, workflowType string) (*WorkflowDefinition, error)
	MaxDefinitionVersion(ctx context.Context, name string) (int, error)
	SetDefinitionStatus(ctx context.Context, id string, status DefinitionStatus) error

	// Executions
	InsertExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)

	// TransitionExecution persists the execution's current field values and
	// appends the given history and error entries, in one atomic write
	// guarded by the expected (status, current step). It returns false with
	// no error when the guard does not match; the caller treats that as a
	// lost race.
	TransitionExecution(ctx context.Context, exec *WorkflowExecution, expectStatus ExecutionStatus, expectStepID string, history []StepHistory, errs []ExecutionError) (bool, error)

	// AppendExecutionError records a recoverable fault without transitioning.
	AppendExecutionError(ctx context.Context, executionID string, e ExecutionError) error

	// ListDueExecutions returns in_progress executions whose deadline has
	// elapsed at now. Step history is not hydrated.
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*WorkflowExecution, error)

	// ClaimDeadline moves an execution's deadline from its expected value to
	// next (nil clears it). Returns false when another sweeper claimed first.
	ClaimDeadline(ctx context.Context, executionID string, expect time.Time, next *time.Time) (bool, error)

	// Tasks
	InsertTasks(ctx context.Context, tasks []*Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListOpenTasks(ctx context.Context, executionID string) ([]*Task, error)

	// CompleteTask conditionally marks an open task completed. Returns
	// false with no error when the task was not open (lost race).
	CompleteTask(ctx context.Context, taskID, outcome, actor string, at time.Time) (*Task, bool, error)

	// CancelOpenTasks bulk-transitions an execution's open tasks to cancelled.
	CancelOpenTasks(ctx context.Context, executionID string, at time.Time) (int, error)

	// MarkTasksOverdue flags a step's open tasks overdue (escalation path).
	MarkTasksOverdue(ctx context.Context, executionID, stepID string, at time.Time) (int, error)

	// IncrementApprovals atomically bumps the satisfied-approval counter
	// for one (execution, step) pair and returns the new count.
	IncrementApprovals(ctx context.Context, executionID, stepID string) (int, error)

	// CountOpenTasksByAssignee supports the least_loaded assignment rule.
	CountOpenTasksByAssignee(ctx context.Context, assigneeID string) (int, error)
}
