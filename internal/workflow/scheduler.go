package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/civiflow/civiflow/internal/metrics"
	"github.com/civiflow/civiflow/internal/telemetry"
)

// Locker serializes sweeps across daemon instances. internal/database
// implements it on a lease table; a nil Locker runs the sweeper unguarded,
// which is safe (deadline claims are atomic) but wasteful.
type Locker interface {
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holder string) error
}

const sweepLockName = "workflow-timeout-sweep"

// Sweeper polls for in_progress executions whose step deadline has elapsed
// and fires the step's configured timeout action. Every firing is claimed
// by an atomic deadline swap first, so overlapping sweepers fire each
// deadline at most once; the engine's transition guard absorbs anything
// that slips through anyway.
type Sweeper struct {
	store    Store
	engine   *Engine
	tasks    *TaskManager
	resolver *Resolver
	notifier Notifier
	locker   Locker

	holder   string
	interval time.Duration
	batch    int
	clock    func() time.Time
}

// NewSweeper creates a timeout sweeper. locker may be nil for
// single-instance deployments.
func NewSweeper(store Store, engine *Engine, tasks *TaskManager, resolver *Resolver, notifier Notifier, locker Locker, holder string, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:    store,
		engine:   engine,
		tasks:    tasks,
		resolver: resolver,
		notifier: notifier,
		locker:   locker,
		holder:   holder,
		interval: interval,
		batch:    batch,
		clock:    time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[Sweeper] Started (interval %s, batch %d)", s.interval, s.batch)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Sweeper] Stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Printf("[Sweeper] Sweep failed: %v", err)
			}
		}
	}
}

// Sweep runs one pass and returns the number of timeout actions fired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, sweepLockName, s.holder, 2*s.interval)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire sweep lease: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(ctx, sweepLockName, s.holder); err != nil {
				log.Printf("[Sweeper] Warning: failed to release sweep lease: %v", err)
			}
		}()
	}

	start := s.clock()
	due, err := s.store.ListDueExecutions(ctx, start, s.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due executions: %w", err)
	}

	fired := 0
	for _, exec := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		ok, err := s.fire(ctx, exec)
		if err != nil {
			log.Printf("[Sweeper] Timeout handling failed for execution %s: %v", exec.ID, err)
			continue
		}
		if ok {
			fired++
		}
	}

	metrics.SweepDuration.Observe(s.clock().Sub(start).Seconds())
	if fired > 0 {
		log.Printf("[Sweeper] Fired %d timeout action(s) across %d due execution(s)", fired, len(due))
	}
	return fired, nil
}

// fire handles one due execution. Returns true when this sweeper won the
// deadline claim and performed the action.
func (s *Sweeper) fire(ctx context.Context, exec *WorkflowExecution) (bool, error) {
	if exec.DeadlineAt == nil || exec.Terminal() {
		return false, nil
	}
	expect := *exec.DeadlineAt

	def, err := s.store.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		return false, err
	}
	step := def.Step(exec.CurrentStepID)
	if step == nil || !step.HasTimeout() {
		// Stale deadline from a concurrent transition; clear it and move on.
		_, err := s.store.ClaimDeadline(ctx, exec.ID, expect, nil)
		return false, err
	}

	now := s.clock()
	switch step.TimeoutAction {
	case TimeoutAutoApprove, TimeoutAutoReject:
		claimed, err := s.store.ClaimDeadline(ctx, exec.ID, expect, nil)
		if err != nil || !claimed {
			return false, err
		}
		outcome := OutcomeTimeoutApproved
		if step.TimeoutAction == TimeoutAutoReject {
			outcome = OutcomeTimeoutRejected
		}
		s.countFired(ctx, step.TimeoutAction)
		log.Printf("[Sweeper] Execution %s step %s timed out; resolving %s", exec.ID, step.Name, outcome)
		return true, s.engine.Advance(ctx, exec.ID, step.ID, StepSignal{
			Outcome:  outcome,
			Actor:    "system:timeout",
			TimedOut: true,
		})

	case TimeoutEscalate:
		// Re-arm the deadline so a stalled escalation fires again later.
		next := now.Add(step.Timeout())
		claimed, err := s.store.ClaimDeadline(ctx, exec.ID, expect, &next)
		if err != nil || !claimed {
			return false, err
		}
		if _, err := s.store.MarkTasksOverdue(ctx, exec.ID, step.ID, now); err != nil {
			log.Printf("[Sweeper] Warning: failed to mark tasks overdue for %s: %v", exec.ID, err)
		}
		assignees, err := s.resolver.Resolve(ctx, step, exec, true)
		if err != nil {
			return true, fmt.Errorf("escalation resolution for step %s: %w", step.ID, err)
		}
		s.countFired(ctx, step.TimeoutAction)
		if len(assignees) == 0 {
			log.Printf("[Sweeper] Execution %s step %s escalation found no recipients", exec.ID, step.Name)
			return true, nil
		}
		log.Printf("[Sweeper] Execution %s step %s escalated to %v", exec.ID, step.Name, assignees)
		_, err = s.tasks.OpenTasksForStep(ctx, exec, step, assignees, true)
		return true, err

	case TimeoutNotify:
		next := now.Add(step.Timeout())
		claimed, err := s.store.ClaimDeadline(ctx, exec.ID, expect, &next)
		if err != nil || !claimed {
			return false, err
		}
		open, err := s.store.ListOpenTasks(ctx, exec.ID)
		if err != nil {
			return true, err
		}
		var recipients []string
		for _, t := range open {
			if t.StepID == step.ID {
				recipients = append(recipients, t.AssigneeID)
			}
		}
		s.countFired(ctx, step.TimeoutAction)
		if len(recipients) == 0 {
			return true, nil
		}
		if err := s.notifier.Notify(ctx, dedupe(recipients), "step_timeout_reminder", map[string]any{
			"execution_id":      exec.ID,
			"workflow_type":     exec.WorkflowType,
			"step_name":         step.Name,
			"related_entity_id": exec.RelatedEntityID,
		}); err != nil {
			log.Printf("[Sweeper] Reminder delivery failed for %s: %v", exec.ID, err)
		}
		return true, nil

	default:
		// Definition validation should make this unreachable.
		_, err := s.store.ClaimDeadline(ctx, exec.ID, expect, nil)
		return false, err
	}
}

func (s *Sweeper) countFired(ctx context.Context, action TimeoutAction) {
	telemetry.TimeoutsFired.Add(ctx, 1)
	metrics.TimeoutActions.WithLabelValues(string(action)).Inc()
}
