package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeNotifier records notifications for assertions.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
	fail  error
}

type notification struct {
	recipients  []string
	templateKey string
	payload     map[string]any
}

func (f *fakeNotifier) Notify(_ context.Context, recipients []string, templateKey string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, notification{recipients: recipients, templateKey: templateKey, payload: payload})
	return nil
}

func (f *fakeNotifier) byTemplate(key string) []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification
	for _, n := range f.calls {
		if n.templateKey == key {
			out = append(out, n)
		}
	}
	return out
}

// fakeDirectory serves role membership from a map, optionally failing the
// first N lookups to exercise the retry path.
type fakeDirectory struct {
	mu          sync.Mutex
	members     map[string][]string
	supervisors map[string]string
	failures    int
	lookups     int
}

func (f *fakeDirectory) ResolveMembers(_ context.Context, roleOrGroupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("directory unavailable")
	}
	members, ok := f.members[roleOrGroupID]
	if !ok {
		return nil, errors.New("unknown role " + roleOrGroupID)
	}
	return members, nil
}

func (f *fakeDirectory) Supervisor(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supervisors[userID], nil
}

type testEnv struct {
	store    *memStore
	defs     *DefinitionStore
	dir      *fakeDirectory
	notifier *fakeNotifier
	resolver *Resolver
	tasks    *TaskManager
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	dir := &fakeDirectory{
		members:     map[string][]string{},
		supervisors: map[string]string{},
	}
	notifier := &fakeNotifier{}
	defs := NewDefinitionStore(store)
	resolver := NewResolver(dir, NewLocalSequencer(), store)
	resolver.sleep = func(context.Context, time.Duration) error { return nil }
	tasks := NewTaskManager(store, notifier)
	engine := NewEngine(store, defs, resolver, tasks, notifier, nil)
	return &testEnv{store: store, defs: defs, dir: dir, notifier: notifier, resolver: resolver, tasks: tasks, engine: engine}
}

func (env *testEnv) publish(t *testing.T, def *WorkflowDefinition) *WorkflowDefinition {
	t.Helper()
	pub, err := env.defs.Publish(context.Background(), def)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return pub
}

func (env *testEnv) mustGetExecution(t *testing.T, id string) *WorkflowExecution {
	t.Helper()
	exec, err := env.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution %s: %v", id, err)
	}
	return exec
}

func approvalStep(id, name string, order int, assignees []string, next string) WorkflowStep {
	return WorkflowStep{
		ID:                id,
		Name:              name,
		Order:             order,
		StepType:          StepTypeApproval,
		AssignmentType:    AssignUser,
		AssignedTo:        assignees,
		RequiredApprovals: 1,
		NextOnSuccess:     next,
	}
}

func notificationStep(id, name string, order int, next string) WorkflowStep {
	return WorkflowStep{
		ID:                id,
		Name:              name,
		Order:             order,
		StepType:          StepTypeNotification,
		RequiredApprovals: 1,
		Config:            StepConfig{TemplateKey: "status_update"},
		NextOnSuccess:     next,
	}
}

func TestLinearApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "permit-review",
		WorkflowType: "permit_review",
		Steps: []WorkflowStep{
			approvalStep("s1", "clerk_review", 1, []string{"clerk-1"}, "s2"),
			notificationStep("s2", "notify_applicant", 2, ""),
		},
	})

	execID, err := env.engine.Start(ctx, "permit_review", "permit-42", "citizen-9", map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionInProgress || exec.CurrentStepID != "s1" {
		t.Fatalf("expected in_progress at s1, got %s at %q", exec.Status, exec.CurrentStepID)
	}

	open, err := env.store.ListOpenTasks(ctx, execID)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open task, got %d (err %v)", len(open), err)
	}
	if open[0].AssigneeID != "clerk-1" {
		t.Fatalf("task assigned to %s", open[0].AssigneeID)
	}

	if err := env.tasks.Complete(ctx, open[0].ID, OutcomeApproved, "clerk-1", map[string]any{"notes": "ok"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	exec = env.mustGetExecution(t, execID)
	if exec.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s (errors %v)", exec.Status, exec.Errors)
	}
	if exec.CurrentStepID != "" {
		t.Fatalf("terminal execution still points at step %q", exec.CurrentStepID)
	}
	if exec.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if len(exec.StepHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(exec.StepHistory))
	}
	if exec.StepHistory[0].StepID != "s1" || exec.StepHistory[0].Outcome != OutcomeApproved || exec.StepHistory[0].Actor != "clerk-1" {
		t.Fatalf("unexpected first history entry: %+v", exec.StepHistory[0])
	}
	if exec.StepHistory[1].StepID != "s2" || exec.StepHistory[1].Outcome != OutcomeNotified {
		t.Fatalf("unexpected second history entry: %+v", exec.StepHistory[1])
	}
	if got := exec.Variables["outcome.clerk_review"]; got != OutcomeApproved {
		t.Fatalf("outcome variable = %v", got)
	}
	if len(env.notifier.byTemplate("status_update")) != 1 {
		t.Fatal("notification step did not notify")
	}
}

func TestRejectShortCircuitFailsExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	step := approvalStep("s1", "dual_signoff", 1, []string{"rev-1", "rev-2"}, "")
	step.RequiredApprovals = 2
	env.publish(t, &WorkflowDefinition{
		Name:         "signoff",
		WorkflowType: "signoff",
		Steps:        []WorkflowStep{step},
	})

	execID, err := env.engine.Start(ctx, "signoff", "case-1", "init-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	open, _ := env.store.ListOpenTasks(ctx, execID)
	if len(open) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(open))
	}

	if err := env.tasks.Complete(ctx, open[0].ID, OutcomeRejected, "rev-1", nil); err != nil {
		t.Fatalf("reject: %v", err)
	}

	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionFailed {
		t.Fatalf("expected failed after reject, got %s", exec.Status)
	}

	// The other reviewer's task must be voided.
	remaining, _ := env.store.ListOpenTasks(ctx, execID)
	if len(remaining) != 0 {
		t.Fatalf("expected no open tasks, got %d", len(remaining))
	}
	other, _ := env.store.GetTask(ctx, open[1].ID)
	if other.Status != TaskCancelled {
		t.Fatalf("sibling task is %s, want cancelled", other.Status)
	}
	if len(exec.Errors) == 0 {
		t.Fatal("failure terminalization recorded no error")
	}
}

func TestConditionStepBranches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "routing",
		WorkflowType: "routing",
		Steps: []WorkflowStep{
			{
				ID: "s1", Name: "check_amount", Order: 1,
				StepType:          StepTypeCondition,
				RequiredApprovals: 1,
				Conditions:        &Condition{Var: "amount", Op: OpGt, Value: 5000},
				NextOnSuccess:     "s2",
				NextOnFailure:     "s3",
			},
			notificationStep("s2", "large_case", 2, ""),
			notificationStep("s3", "small_case", 3, ""),
		},
	})

	bigID, err := env.engine.Start(ctx, "routing", "case-big", "init", map[string]any{"amount": 7500})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	big := env.mustGetExecution(t, bigID)
	if big.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", big.Status)
	}
	if big.StepHistory[0].Outcome != OutcomeConditionMet || big.StepHistory[1].StepID != "s2" {
		t.Fatalf("large case routed wrong: %+v", big.StepHistory)
	}

	smallID, err := env.engine.Start(ctx, "routing", "case-small", "init", map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	small := env.mustGetExecution(t, smallID)
	if small.StepHistory[0].Outcome != OutcomeConditionNotMet || small.StepHistory[1].StepID != "s3" {
		t.Fatalf("small case routed wrong: %+v", small.StepHistory)
	}
	// The false branch is routing, not failure.
	if small.Status != ExecutionCompleted {
		t.Fatalf("expected completed on false branch, got %s", small.Status)
	}
}

func TestAdvanceIgnoresStaleSignals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "single",
		WorkflowType: "single",
		Steps: []WorkflowStep{
			approvalStep("s1", "only_step", 1, []string{"u1"}, ""),
		},
	})

	execID, _ := env.engine.Start(ctx, "single", "", "init", nil)
	open, _ := env.store.ListOpenTasks(ctx, execID)
	if err := env.tasks.Complete(ctx, open[0].ID, OutcomeApproved, "u1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	before := env.mustGetExecution(t, execID)

	// A duplicate signal for the already-resolved step is a no-op.
	if err := env.engine.Advance(ctx, execID, "s1", StepSignal{Outcome: OutcomeRejected, Actor: "late"}); err != nil {
		t.Fatalf("stale advance errored: %v", err)
	}
	after := env.mustGetExecution(t, execID)
	if after.Status != before.Status || len(after.StepHistory) != len(before.StepHistory) {
		t.Fatalf("stale signal mutated execution: %s -> %s", before.Status, after.Status)
	}
}

func TestStartRequiresActiveDefinitionAndTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "nope", "", "init", nil); !errors.Is(err, ErrDefinitionNotActive) {
		t.Fatalf("expected ErrDefinitionNotActive, got %v", err)
	}

	env.publish(t, &WorkflowDefinition{
		Name:              "gated",
		WorkflowType:      "gated",
		TriggerConditions: &Condition{Var: "kind", Op: OpEq, Value: "demolition"},
		Steps: []WorkflowStep{
			approvalStep("s1", "review", 1, []string{"u1"}, ""),
		},
	})

	if _, err := env.engine.Start(ctx, "gated", "", "init", map[string]any{"kind": "fence"}); !errors.Is(err, ErrTriggerNotMet) {
		t.Fatalf("expected ErrTriggerNotMet, got %v", err)
	}
	if _, err := env.engine.Start(ctx, "gated", "", "init", map[string]any{"kind": "demolition"}); err != nil {
		t.Fatalf("matching trigger rejected: %v", err)
	}
}

func TestCancelVoidsOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "cancellable",
		WorkflowType: "cancellable",
		Steps: []WorkflowStep{
			approvalStep("s1", "review", 1, []string{"u1", "u2"}, ""),
		},
	})

	execID, _ := env.engine.Start(ctx, "cancellable", "", "init", nil)
	if err := env.engine.Cancel(ctx, execID, "admin-1", "duplicate request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionCancelled || exec.CancelledBy != "admin-1" {
		t.Fatalf("unexpected state after cancel: %s by %q", exec.Status, exec.CancelledBy)
	}
	open, _ := env.store.ListOpenTasks(ctx, execID)
	if len(open) != 0 {
		t.Fatalf("cancel left %d open tasks", len(open))
	}

	if err := env.engine.Cancel(ctx, execID, "admin-1", "again"); !errors.Is(err, ErrExecutionTerminal) {
		t.Fatalf("expected ErrExecutionTerminal, got %v", err)
	}
}

func TestAllowSkipOnEmptyAssignees(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.members["vacant-role"] = []string{}

	env.publish(t, &WorkflowDefinition{
		Name:         "skippy",
		WorkflowType: "skippy",
		Steps: []WorkflowStep{
			{
				ID: "s1", Name: "optional_review", Order: 1,
				StepType:          StepTypeApproval,
				AssignmentType:    AssignRole,
				AssignedTo:        []string{"vacant-role"},
				RequiredApprovals: 1,
				AllowSkip:         true,
				NextOnSuccess:     "s2",
			},
			notificationStep("s2", "done", 2, ""),
		},
	})

	execID, err := env.engine.Start(ctx, "skippy", "", "init", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionCompleted {
		t.Fatalf("expected completed via skip, got %s", exec.Status)
	}
	if exec.StepHistory[0].Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped outcome, got %s", exec.StepHistory[0].Outcome)
	}
}

func TestEmptyAssigneesWithoutSkipStalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.members["vacant-role"] = []string{}

	env.publish(t, &WorkflowDefinition{
		Name:         "stuck",
		WorkflowType: "stuck",
		Steps: []WorkflowStep{
			{
				ID: "s1", Name: "mandatory_review", Order: 1,
				StepType:          StepTypeApproval,
				AssignmentType:    AssignRole,
				AssignedTo:        []string{"vacant-role"},
				RequiredApprovals: 1,
			},
		},
	})

	execID, err := env.engine.Start(ctx, "stuck", "", "init", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionInProgress || exec.CurrentStepID != "s1" {
		t.Fatalf("expected stalled in_progress at s1, got %s at %q", exec.Status, exec.CurrentStepID)
	}
	if len(exec.Errors) != 1 {
		t.Fatalf("expected one recorded fault, got %d", len(exec.Errors))
	}
}

func TestAutomationStep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "auto",
		WorkflowType: "auto",
		Steps: []WorkflowStep{
			{
				ID: "s1", Name: "seed_vars", Order: 1,
				StepType:          StepTypeAutomation,
				RequiredApprovals: 1,
				Config:            StepConfig{Automation: "set_variables", Params: map[string]string{"fee": "125"}},
				NextOnSuccess:     "s2",
			},
			{
				ID: "s2", Name: "check_fee", Order: 2,
				StepType:          StepTypeCondition,
				RequiredApprovals: 1,
				Conditions:        &Condition{Var: "fee", Op: OpEq, Value: "125"},
				NextOnSuccess:     "",
			},
		},
	})

	execID, err := env.engine.Start(ctx, "auto", "", "init", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s (errors %v)", exec.Status, exec.Errors)
	}
	if exec.Variables["fee"] != "125" {
		t.Fatalf("automation did not set variable, got %v", exec.Variables["fee"])
	}
}

func TestAutomationMissingHandlerStalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.publish(t, &WorkflowDefinition{
		Name:         "broken",
		WorkflowType: "broken",
		Steps: []WorkflowStep{
			{
				ID: "s1", Name: "ghost", Order: 1,
				StepType:          StepTypeAutomation,
				RequiredApprovals: 1,
				Config:            StepConfig{Automation: "does_not_exist"},
			},
		},
	})

	execID, err := env.engine.Start(ctx, "broken", "", "init", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := env.mustGetExecution(t, execID)
	if exec.Status != ExecutionInProgress {
		t.Fatalf("expected stalled execution, got %s", exec.Status)
	}
	if len(exec.Errors) != 1 {
		t.Fatalf("expected fault entry, got %v", exec.Errors)
	}
}
