package workflow

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestSweeper(env *testEnv, locker Locker, holder string) *Sweeper {
	return NewSweeper(env.store, env.engine, env.tasks, env.resolver, env.notifier, locker, holder, time.Second, 100)
}

func timedStep(id, name string, order int, assignees []string, action TimeoutAction, next, fail string) WorkflowStep {
	return WorkflowStep{
		ID:                id,
		Name:              name,
		Order:             order,
		StepType:          StepTypeApproval,
		AssignmentType:    AssignUser,
		AssignedTo:        assignees,
		RequiredApprovals: 1,
		TimeoutMinutes:    30,
		TimeoutAction:     action,
		NextOnSuccess:     next,
		NextOnFailure:     fail,
	}
}

func TestSweepAutoApprove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "lapse-approve",
		WorkflowType: "lapse-approve",
		Steps: []WorkflowStep{
			timedStep("s1", "deemed_approval", 1, []string{"u1"}, TimeoutAutoApprove, "s2", ""),
			notificationStep("s2", "approved_notice", 2, ""),
		},
	})

	execID, _ := env.engine.Start(ctx, "lapse-approve", "", "init", nil)

	sweeper := newTestSweeper(env, nil, "test")
	sweeper.clock = func() time.Time { return time.Now().Add(time.Hour) }

	fired, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}

	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.StepHistory[0].Outcome != OutcomeTimeoutApproved || exec.StepHistory[0].Actor != "system:timeout" {
		t.Fatalf("unexpected timeout history: %+v", exec.StepHistory[0])
	}
}

func TestSweepAutoRejectReachesTimeoutStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "lapse-reject",
		WorkflowType: "lapse-reject",
		Steps: []WorkflowStep{
			timedStep("s1", "strict_deadline", 1, []string{"u1"}, TimeoutAutoReject, "", ""),
		},
	})

	execID, _ := env.engine.Start(ctx, "lapse-reject", "", "init", nil)

	sweeper := newTestSweeper(env, nil, "test")
	sweeper.clock = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	exec := env.mustGetExecution(t, execID)
	// A timeout-driven reject on a null failure branch is distinguishable
	// from a human reject.
	if exec.Status != ExecutionTimeout {
		t.Fatalf("expected timeout status, got %s", exec.Status)
	}
	if exec.StepHistory[0].Outcome != OutcomeTimeoutRejected {
		t.Fatalf("unexpected outcome %s", exec.StepHistory[0].Outcome)
	}
}

func TestSweepEscalateOpensEscalationTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.members["managers"] = []string{"mgr-1"}

	step := timedStep("s1", "review", 1, []string{"u1"}, TimeoutEscalate, "", "")
	step.Config.EscalationRole = "managers"
	env.publish(t, &WorkflowDefinition{
		Name:         "escalating",
		WorkflowType: "escalating",
		Steps:        []WorkflowStep{step},
	})

	execID, _ := env.engine.Start(ctx, "escalating", "", "init", nil)
	before := env.mustGetExecution(t, execID)

	sweeper := newTestSweeper(env, nil, "test")
	sweeper.clock = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// Escalation keeps the execution on the same step.
	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionInProgress || exec.CurrentStepID != "s1" {
		t.Fatalf("escalation transitioned the execution: %s at %q", exec.Status, exec.CurrentStepID)
	}
	if exec.DeadlineAt == nil || !exec.DeadlineAt.After(*before.DeadlineAt) {
		t.Fatal("escalation did not re-arm the deadline")
	}

	open, _ := env.store.ListOpenTasks(ctx, execID)
	var escalated, overdue int
	for _, task := range open {
		if task.Escalation && task.AssigneeID == "mgr-1" {
			escalated++
		}
		if task.Status == TaskOverdue {
			overdue++
		}
	}
	if escalated != 1 {
		t.Fatalf("expected one escalation task, got %d (tasks %+v)", escalated, open)
	}
	if overdue != 1 {
		t.Fatalf("expected original task overdue, got %d", overdue)
	}
	if len(env.notifier.byTemplate("task_escalated")) != 1 {
		t.Fatal("no escalation notification sent")
	}

	// Both the original assignee and the escalation target can still
	// resolve the step.
	for _, task := range open {
		if task.Escalation {
			if err := env.tasks.Complete(ctx, task.ID, OutcomeApproved, "mgr-1", nil); err != nil {
				t.Fatalf("escalated complete: %v", err)
			}
		}
	}
	exec = env.mustGetExecution(t, execID)
	if exec.Status != ExecutionCompleted {
		t.Fatalf("expected completed after escalated approval, got %s", exec.Status)
	}
}

func TestSweepNotifySendsReminderAndExtends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "nagging",
		WorkflowType: "nagging",
		Steps: []WorkflowStep{
			timedStep("s1", "slow_review", 1, []string{"u1"}, TimeoutNotify, "", ""),
		},
	})

	execID, _ := env.engine.Start(ctx, "nagging", "", "init", nil)
	before := env.mustGetExecution(t, execID)

	sweeper := newTestSweeper(env, nil, "test")
	sweeper.clock = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	reminders := env.notifier.byTemplate("step_timeout_reminder")
	if len(reminders) != 1 || reminders[0].recipients[0] != "u1" {
		t.Fatalf("unexpected reminders: %+v", reminders)
	}

	exec := env.mustGetExecution(t, execID)
	if exec.DeadlineAt == nil || !exec.DeadlineAt.After(*before.DeadlineAt) {
		t.Fatal("reminder did not extend the deadline")
	}
	if exec.Status != ExecutionInProgress {
		t.Fatalf("reminder transitioned the execution: %s", exec.Status)
	}
}

func TestConcurrentSweepersFireOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "raced",
		WorkflowType: "raced",
		Steps: []WorkflowStep{
			timedStep("s1", "deadline", 1, []string{"u1"}, TimeoutAutoApprove, "", ""),
		},
	})

	execID, _ := env.engine.Start(ctx, "raced", "", "init", nil)

	future := time.Now().Add(time.Hour)
	a := newTestSweeper(env, nil, "a")
	a.clock = func() time.Time { return future }
	b := newTestSweeper(env, nil, "b")
	b.clock = func() time.Time { return future }

	var wg sync.WaitGroup
	total := make(chan int, 2)
	for _, s := range []*Sweeper{a, b} {
		wg.Add(1)
		go func(s *Sweeper) {
			defer wg.Done()
			fired, _ := s.Sweep(ctx)
			total <- fired
		}(s)
	}
	wg.Wait()
	close(total)

	sum := 0
	for n := range total {
		sum += n
	}
	if sum != 1 {
		t.Fatalf("deadline fired %d times across sweepers", sum)
	}

	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionCompleted || len(exec.StepHistory) != 1 {
		t.Fatalf("unexpected state: %s with %d history entries", exec.Status, len(exec.StepHistory))
	}
}

// heldLocker simulates a lease owned by another instance.
type heldLocker struct{}

func (heldLocker) AcquireLock(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}
func (heldLocker) ReleaseLock(context.Context, string, string) error { return nil }

func TestSweepSkipsWhenLeaseHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "leased",
		WorkflowType: "leased",
		Steps: []WorkflowStep{
			timedStep("s1", "deadline", 1, []string{"u1"}, TimeoutAutoApprove, "", ""),
		},
	})
	execID, _ := env.engine.Start(ctx, "leased", "", "init", nil)

	sweeper := newTestSweeper(env, heldLocker{}, "test")
	sweeper.clock = func() time.Time { return time.Now().Add(time.Hour) }

	fired, err := sweeper.Sweep(ctx)
	if err != nil || fired != 0 {
		t.Fatalf("expected silent skip, fired=%d err=%v", fired, err)
	}
	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionInProgress {
		t.Fatalf("execution mutated without lease: %s", exec.Status)
	}
}
