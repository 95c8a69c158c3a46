package workflow

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/civiflow/civiflow/internal/metrics"
)

// advancer is the slice of the engine the task manager reports into.
type advancer interface {
	Advance(ctx context.Context, executionID, expectedStepID string, sig StepSignal) error
}

// TaskManager creates, tracks, and completes the individual units of work
// behind task and approval steps, and counts approvals toward quorum.
type TaskManager struct {
	store    Store
	notifier Notifier
	engine   advancer
	clock    func() time.Time
}

// NewTaskManager creates a task manager. BindEngine must be called before
// tasks are completed.
func NewTaskManager(store Store, notifier Notifier) *TaskManager {
	return &TaskManager{
		store:    store,
		notifier: notifier,
		clock:    time.Now,
	}
}

// BindEngine wires the engine the manager reports quorum results to.
// Separate from the constructor because engine and manager reference each
// other.
func (tm *TaskManager) BindEngine(e advancer) {
	tm.engine = e
}

// OpenTasksForStep creates one task per assignee for the step the
// execution just entered. Due dates derive from the step timeout. The
// escalated flag marks tasks opened by a timeout escalation.
func (tm *TaskManager) OpenTasksForStep(ctx context.Context, exec *WorkflowExecution, step *WorkflowStep, assignees []string, escalated bool) ([]*Task, error) {
	now := tm.clock()
	var due *time.Time
	if step.HasTimeout() {
		d := now.Add(step.Timeout())
		due = &d
	}

	tasks := make([]*Task, 0, len(assignees))
	for _, assignee := range assignees {
		tasks = append(tasks, &Task{
			ID:              "tsk-" + uuid.New().String()[:8],
			ExecutionID:     exec.ID,
			StepID:          step.ID,
			AssigneeID:      assignee,
			RelatedEntityID: exec.RelatedEntityID,
			Status:          TaskAssigned,
			DueDate:         due,
			Escalation:      escalated,
			CreatedAt:       now,
		})
	}
	if err := tm.store.InsertTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("failed to open tasks for step %s: %w", step.ID, err)
	}

	metrics.TasksOpened.WithLabelValues(strconv.FormatBool(escalated)).Add(float64(len(tasks)))

	templateKey := "task_assigned"
	if escalated {
		templateKey = "task_escalated"
	}
	if err := tm.notifier.Notify(ctx, assignees, templateKey, map[string]any{
		"execution_id":      exec.ID,
		"workflow_type":     exec.WorkflowType,
		"step_name":         step.Name,
		"related_entity_id": exec.RelatedEntityID,
	}); err != nil {
		// Delivery is best-effort; the engine never retries it.
		log.Printf("[Tasks] notify %s failed for execution %s: %v", templateKey, exec.ID, err)
	}

	return tasks, nil
}

// Complete records a task outcome and, when the step's quorum is
// satisfied, reports the aggregated result to the engine. Completing a
// task on a terminal execution, or a task that is not open, fails with
// ErrInvalidTaskState.
func (tm *TaskManager) Complete(ctx context.Context, taskID, outcome, actor string, formData map[string]any) error {
	task, err := tm.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	exec, err := tm.store.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return fmt.Errorf("task %s: execution %s is %s: %w", taskID, exec.ID, exec.Status, ErrInvalidTaskState)
	}
	if !task.Open() {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrInvalidTaskState)
	}

	task, ok, err := tm.store.CompleteTask(ctx, taskID, outcome, actor, tm.clock())
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race to another completion or a cancellation.
		return fmt.Errorf("task %s: %w", taskID, ErrInvalidTaskState)
	}

	metrics.TasksCompleted.WithLabelValues(outcome).Inc()

	def, err := tm.store.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		return err
	}
	step := def.Step(task.StepID)
	if step == nil {
		return fmt.Errorf("task %s references unknown step %s", taskID, task.StepID)
	}

	sig := StepSignal{Outcome: outcome, Actor: actor, Data: formData}

	if step.StepType == StepTypeApproval {
		if rejectOutcome(outcome) && step.Config.ShortCircuitOnReject() {
			return tm.engine.Advance(ctx, exec.ID, step.ID, sig)
		}
		if !approveOutcome(outcome) {
			// Neither an approval nor a short-circuiting reject; the
			// quorum is unchanged and the step stays open.
			return nil
		}
		count, err := tm.store.IncrementApprovals(ctx, exec.ID, step.ID)
		if err != nil {
			return fmt.Errorf("failed to count approval for step %s: %w", step.ID, err)
		}
		if count != step.RequiredApprovals {
			// Not the quorum-satisfying completion. Counts past the
			// quorum belong to signals the engine already absorbed.
			return nil
		}
		return tm.engine.Advance(ctx, exec.ID, step.ID, sig)
	}

	// Task steps resolve on their first completion.
	return tm.engine.Advance(ctx, exec.ID, step.ID, sig)
}

// CancelAllForExecution bulk-cancels the execution's open tasks. Used by
// execution cancellation and on every step transition to void superseded
// work items.
func (tm *TaskManager) CancelAllForExecution(ctx context.Context, executionID string) (int, error) {
	return tm.store.CancelOpenTasks(ctx, executionID, tm.clock())
}

// approveOutcome reports whether an outcome counts toward an approval quorum.
func approveOutcome(outcome string) bool {
	switch outcome {
	case OutcomeApproved, OutcomeSuccess, OutcomeTimeoutApproved:
		return true
	}
	return false
}

// rejectOutcome reports whether an outcome is a qualifying reject.
func rejectOutcome(outcome string) bool {
	switch outcome {
	case OutcomeRejected, OutcomeFailure, OutcomeTimeoutRejected, "denied":
		return true
	}
	return false
}
