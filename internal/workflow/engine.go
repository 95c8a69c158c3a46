package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/civiflow/civiflow/internal/metrics"
	"github.com/civiflow/civiflow/internal/telemetry"
)

// Notifier is the egress to the excluded notification delivery subsystem.
// Failures are logged by callers, never retried by the engine.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, templateKey string, payload map[string]any) error
}

// EventSink receives engine lifecycle events (execution started, step
// advanced, terminal outcomes) for downstream consumers. Optional.
type EventSink interface {
	PublishEvent(ctx context.Context, eventType string, event map[string]any) error
}

// AutomationFunc executes an automation step. The returned outcome and
// data feed the step's condition evaluation and the execution variables.
type AutomationFunc func(ctx context.Context, exec *WorkflowExecution, step *WorkflowStep) (outcome string, data map[string]any, err error)

// Engine owns the WorkflowExecution lifecycle. All mutation funnels
// through its transition operation, which enforces single-writer
// semantics per execution id via compare-and-swap on (status, current
// step) in the store.
type Engine struct {
	store       Store
	defs        *DefinitionStore
	resolver    *Resolver
	tasks       *TaskManager
	notifier    Notifier
	events      EventSink
	automations map[string]AutomationFunc
	clock       func() time.Time
}

// NewEngine creates an execution engine and binds the task manager to it.
func NewEngine(store Store, defs *DefinitionStore, resolver *Resolver, tasks *TaskManager, notifier Notifier, events EventSink) *Engine {
	e := &Engine{
		store:       store,
		defs:        defs,
		resolver:    resolver,
		tasks:       tasks,
		notifier:    notifier,
		events:      events,
		automations: make(map[string]AutomationFunc),
		clock:       time.Now,
	}
	e.RegisterAutomation("set_variables", setVariablesAutomation)
	tasks.BindEngine(e)
	return e
}

// RegisterAutomation registers a named handler for automation steps.
// Handler names are referenced from step config and checked lazily: a
// missing handler stalls the step with an errors entry instead of failing
// the execution.
func (e *Engine) RegisterAutomation(name string, fn AutomationFunc) {
	e.automations[name] = fn
}

// setVariablesAutomation copies the step's config params into the
// execution variables. The built-in handler available to every deployment.
func setVariablesAutomation(_ context.Context, _ *WorkflowExecution, step *WorkflowStep) (string, map[string]any, error) {
	data := make(map[string]any, len(step.Config.Params))
	for k, v := range step.Config.Params {
		data[k] = v
	}
	return OutcomeSuccess, data, nil
}

// Start triggers a new execution against the active definition version for
// the workflow type. The execution is created pending and immediately
// transitioned to in_progress at the first step.
func (e *Engine) Start(ctx context.Context, workflowType, relatedEntityID, initiatorID string, vars map[string]any) (string, error) {
	def, err := e.defs.ActiveByType(ctx, workflowType)
	if err != nil {
		return "", fmt.Errorf("workflow type %s: %w", workflowType, ErrDefinitionNotActive)
	}
	if def.Status != DefinitionActive {
		return "", fmt.Errorf("definition %s is %s: %w", def.ID, def.Status, ErrDefinitionNotActive)
	}

	variables := make(map[string]any, len(vars))
	for k, v := range vars {
		variables[k] = v
	}

	if def.TriggerConditions != nil {
		ok, err := Evaluate(def.TriggerConditions, variables)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTriggerNotMet, err)
		}
		if !ok {
			return "", ErrTriggerNotMet
		}
	}

	now := e.clock()
	exec := &WorkflowExecution{
		ID:                "wfx-" + uuid.New().String()[:8],
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		WorkflowType:      def.WorkflowType,
		RelatedEntityID:   relatedEntityID,
		InitiatorID:       initiatorID,
		Status:            ExecutionPending,
		Variables:         variables,
		StartedAt:         now,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to create execution: %w", err)
	}

	telemetry.ExecutionsStarted.Add(ctx, 1)
	e.publishEvent(ctx, "execution.started", map[string]any{
		"execution_id":  exec.ID,
		"workflow_type": exec.WorkflowType,
		"initiator_id":  exec.InitiatorID,
	})
	log.Printf("[Engine] Started execution %s (%s v%d) for entity %s", exec.ID, def.Name, def.Version, relatedEntityID)

	first := def.FirstStep()
	if err := e.enterStep(ctx, exec, def, first, ExecutionPending, ""); err != nil {
		return exec.ID, err
	}
	return exec.ID, nil
}

// Advance applies a step resolution to an execution. It is called by the
// task manager on quorum, by the timeout scheduler on deadline actions,
// and recursively by the engine for auto-resolving steps. The call is an
// idempotent no-op when the execution is terminal or the current step no
// longer matches expectedStepID: of two concurrent signals for the same
// step, exactly one wins.
func (e *Engine) Advance(ctx context.Context, executionID, expectedStepID string, sig StepSignal) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Terminal() || exec.CurrentStepID != expectedStepID {
		log.Printf("[Engine] Ignoring stale signal for execution %s (step %s, outcome %s)", executionID, expectedStepID, sig.Outcome)
		return nil
	}

	def, err := e.store.GetDefinition(ctx, exec.DefinitionID)
	if err != nil {
		return err
	}
	step := def.Step(expectedStepID)
	if step == nil {
		return fmt.Errorf("execution %s: current step %s not in definition %s", executionID, expectedStepID, exec.DefinitionID)
	}

	now := e.clock()
	var newErrs []ExecutionError

	if exec.Variables == nil {
		exec.Variables = make(map[string]any)
	}
	for k, v := range sig.Data {
		exec.Variables[k] = v
	}
	exec.Variables["outcome"] = sig.Outcome
	exec.Variables["outcome."+step.Name] = sig.Outcome

	success := !failureOutcome(sig.Outcome)
	if success && step.Conditions != nil && step.StepType != StepTypeCondition {
		ok, evalErr := Evaluate(step.Conditions, exec.Variables)
		if evalErr != nil {
			// Degrade to the failure branch, keep the fault for audit.
			newErrs = append(newErrs, ExecutionError{
				StepID:     step.ID,
				Message:    fmt.Sprintf("condition evaluation: %v", evalErr),
				OccurredAt: now,
			})
		}
		success = ok
	}

	entry := StepHistory{
		StepID:    step.ID,
		StepName:  step.Name,
		EnteredAt: exec.StepEnteredAt,
		ExitedAt:  now,
		Outcome:   sig.Outcome,
		Actor:     sig.Actor,
	}

	nextID := step.NextOnSuccess
	if !success {
		nextID = step.NextOnFailure
	}

	if nextID == "" {
		return e.terminalize(ctx, exec, step, sig, success, entry, newErrs)
	}

	next := def.Step(nextID)
	prevStepID := exec.CurrentStepID
	exec.CurrentStepID = next.ID
	exec.CurrentStepOrder = next.Order
	exec.StepEnteredAt = now
	exec.DeadlineAt = nil
	if next.HasTimeout() {
		d := now.Add(next.Timeout())
		exec.DeadlineAt = &d
	}

	ok, err := e.store.TransitionExecution(ctx, exec, ExecutionInProgress, prevStepID, []StepHistory{entry}, newErrs)
	if err != nil {
		return fmt.Errorf("failed to advance execution %s: %w", executionID, err)
	}
	if !ok {
		log.Printf("[Engine] Lost transition race for execution %s at step %s", executionID, prevStepID)
		return nil
	}

	// Void any remaining open tasks of the finished step (e.g. the other
	// approvers after a short-circuit reject).
	if _, err := e.tasks.CancelAllForExecution(ctx, exec.ID); err != nil {
		log.Printf("[Engine] Warning: failed to cancel superseded tasks for %s: %v", exec.ID, err)
	}

	telemetry.StepsAdvanced.Add(ctx, 1)
	telemetry.StepLatency.Record(ctx, entry.ExitedAt.Sub(entry.EnteredAt).Seconds())
	metrics.StepDuration.WithLabelValues(exec.WorkflowType, step.Name).Observe(entry.ExitedAt.Sub(entry.EnteredAt).Seconds())
	e.publishEvent(ctx, "execution.advanced", map[string]any{
		"execution_id": exec.ID,
		"from_step":    step.Name,
		"to_step":      next.Name,
		"outcome":      sig.Outcome,
	})
	log.Printf("[Engine] Execution %s advanced %s -> %s (outcome %s)", exec.ID, step.Name, next.Name, sig.Outcome)

	return e.runStep(ctx, exec, def, next)
}

// terminalize finishes an execution on a null next-step pointer.
func (e *Engine) terminalize(ctx context.Context, exec *WorkflowExecution, step *WorkflowStep, sig StepSignal, success bool, entry StepHistory, newErrs []ExecutionError) error {
	now := e.clock()
	final := ExecutionCompleted
	if !success {
		final = ExecutionFailed
		if sig.TimedOut {
			final = ExecutionTimeout
		}
		newErrs = append(newErrs, ExecutionError{
			StepID:     step.ID,
			Message:    fmt.Sprintf("step %q resolved %s; no failure branch configured", step.Name, sig.Outcome),
			OccurredAt: now,
		})
	}

	prevStepID := exec.CurrentStepID
	exec.Status = final
	exec.CurrentStepID = ""
	exec.CurrentStepOrder = 0
	exec.DeadlineAt = nil
	exec.CompletedAt = &now
	exec.DurationSeconds = int64(now.Sub(exec.StartedAt) / time.Second)

	ok, err := e.store.TransitionExecution(ctx, exec, ExecutionInProgress, prevStepID, []StepHistory{entry}, newErrs)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", exec.ID, err)
	}
	if !ok {
		log.Printf("[Engine] Lost terminal transition race for execution %s", exec.ID)
		return nil
	}

	if _, err := e.tasks.CancelAllForExecution(ctx, exec.ID); err != nil {
		log.Printf("[Engine] Warning: failed to cancel open tasks for %s: %v", exec.ID, err)
	}

	switch final {
	case ExecutionCompleted:
		telemetry.ExecutionsCompleted.Add(ctx, 1)
	case ExecutionFailed:
		telemetry.ExecutionsFailed.Add(ctx, 1)
	case ExecutionTimeout:
		telemetry.ExecutionsTimedOut.Add(ctx, 1)
	}
	metrics.ExecutionsByStatus.WithLabelValues(exec.WorkflowType, string(final)).Inc()
	e.publishEvent(ctx, "execution."+string(final), map[string]any{
		"execution_id":  exec.ID,
		"workflow_type": exec.WorkflowType,
		"final_step":    step.Name,
		"outcome":       sig.Outcome,
	})
	log.Printf("[Engine] Execution %s finished %s at step %s after %ds", exec.ID, final, step.Name, exec.DurationSeconds)
	return nil
}

// Cancel stops a pending or in_progress execution and cancels its open
// tasks. Cancellation is cooperative: in-flight external side effects are
// not interrupted.
func (e *Engine) Cancel(ctx context.Context, executionID, actor, reason string) error {
	for attempt := 0; attempt < 2; attempt++ {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Terminal() {
			return fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, ErrExecutionTerminal)
		}

		now := e.clock()
		prevStatus := exec.Status
		prevStepID := exec.CurrentStepID
		exec.Status = ExecutionCancelled
		exec.CurrentStepID = ""
		exec.CurrentStepOrder = 0
		exec.DeadlineAt = nil
		exec.CompletedAt = &now
		exec.DurationSeconds = int64(now.Sub(exec.StartedAt) / time.Second)
		exec.CancelledBy = actor
		exec.CancelReason = reason

		ok, err := e.store.TransitionExecution(ctx, exec, prevStatus, prevStepID, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to cancel execution %s: %w", executionID, err)
		}
		if !ok {
			// Raced with a transition; re-read and retry once.
			continue
		}

		if _, err := e.tasks.CancelAllForExecution(ctx, executionID); err != nil {
			log.Printf("[Engine] Warning: failed to cancel tasks for %s: %v", executionID, err)
		}
		telemetry.ExecutionsCancelled.Add(ctx, 1)
		metrics.ExecutionsByStatus.WithLabelValues(exec.WorkflowType, string(ExecutionCancelled)).Inc()
		e.publishEvent(ctx, "execution.cancelled", map[string]any{
			"execution_id": executionID,
			"actor":        actor,
			"reason":       reason,
		})
		log.Printf("[Engine] Execution %s cancelled by %s: %s", executionID, actor, reason)
		return nil
	}
	return fmt.Errorf("execution %s: %w", executionID, ErrExecutionTerminal)
}

// enterStep transitions the execution onto a step and fans out its work.
func (e *Engine) enterStep(ctx context.Context, exec *WorkflowExecution, def *WorkflowDefinition, step *WorkflowStep, expectStatus ExecutionStatus, expectStepID string) error {
	now := e.clock()
	exec.Status = ExecutionInProgress
	exec.CurrentStepID = step.ID
	exec.CurrentStepOrder = step.Order
	exec.StepEnteredAt = now
	exec.DeadlineAt = nil
	if step.HasTimeout() {
		d := now.Add(step.Timeout())
		exec.DeadlineAt = &d
	}

	ok, err := e.store.TransitionExecution(ctx, exec, expectStatus, expectStepID, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to enter step %s: %w", step.ID, err)
	}
	if !ok {
		return nil
	}
	return e.runStep(ctx, exec, def, step)
}

// runStep performs the just-entered step's side of the work: resolving
// assignees and opening tasks, or resolving the step inline for the
// notification/automation/condition types. Inline resolutions recurse
// through Advance; the publish-time acyclicity check bounds the recursion.
func (e *Engine) runStep(ctx context.Context, exec *WorkflowExecution, def *WorkflowDefinition, step *WorkflowStep) error {
	switch step.StepType {
	case StepTypeNotification:
		recipients, err := e.resolver.Resolve(ctx, step, exec, false)
		if err != nil {
			recipients = nil
		}
		if err := e.notifier.Notify(ctx, recipients, step.Config.TemplateKey, map[string]any{
			"execution_id":      exec.ID,
			"workflow_type":     exec.WorkflowType,
			"related_entity_id": exec.RelatedEntityID,
			"step_name":         step.Name,
		}); err != nil {
			log.Printf("[Engine] Notification step %s delivery failed: %v", step.Name, err)
		}
		return e.Advance(ctx, exec.ID, step.ID, StepSignal{Outcome: OutcomeNotified, Actor: "system"})

	case StepTypeCondition:
		ok, evalErr := Evaluate(step.Conditions, exec.Variables)
		if evalErr != nil {
			e.recordFault(ctx, exec.ID, step.ID, fmt.Sprintf("condition evaluation: %v", evalErr))
		}
		outcome := OutcomeConditionMet
		if !ok {
			outcome = OutcomeConditionNotMet
		}
		return e.Advance(ctx, exec.ID, step.ID, StepSignal{Outcome: outcome, Actor: "system"})

	case StepTypeAutomation:
		fn, found := e.automations[step.Config.Automation]
		if !found {
			// Stall for operator intervention; the execution stays in_progress.
			e.recordFault(ctx, exec.ID, step.ID, fmt.Sprintf("automation handler %q not registered", step.Config.Automation))
			return nil
		}
		outcome, data, err := fn(ctx, exec, step)
		if err != nil {
			e.recordFault(ctx, exec.ID, step.ID, fmt.Sprintf("automation %q: %v", step.Config.Automation, err))
			outcome = OutcomeFailure
		}
		return e.Advance(ctx, exec.ID, step.ID, StepSignal{Outcome: outcome, Actor: "system", Data: data})

	default: // task, approval
		assignees, err := e.resolver.Resolve(ctx, step, exec, false)
		if err != nil {
			// Recoverable resolution error: stall the step, keep the
			// execution in_progress, surface for operators.
			e.recordFault(ctx, exec.ID, step.ID, fmt.Sprintf("assignment resolution: %v", err))
			return nil
		}
		if len(assignees) == 0 {
			if step.AllowSkip {
				log.Printf("[Engine] Auto-skipping step %s of execution %s (no eligible assignee)", step.Name, exec.ID)
				return e.Advance(ctx, exec.ID, step.ID, StepSignal{Outcome: OutcomeSkipped, Actor: "system"})
			}
			e.recordFault(ctx, exec.ID, step.ID, "no eligible assignee and step does not allow skipping")
			return nil
		}
		_, err = e.tasks.OpenTasksForStep(ctx, exec, step, assignees, false)
		return err
	}
}

func (e *Engine) recordFault(ctx context.Context, executionID, stepID, msg string) {
	err := e.store.AppendExecutionError(ctx, executionID, ExecutionError{
		StepID:     stepID,
		Message:    msg,
		OccurredAt: e.clock(),
	})
	if err != nil {
		log.Printf("[Engine] Warning: failed to record fault for %s: %v", executionID, err)
	}
	log.Printf("[Engine] Execution %s step %s fault: %s", executionID, stepID, msg)
}

func (e *Engine) publishEvent(ctx context.Context, eventType string, event map[string]any) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishEvent(ctx, eventType, event); err != nil {
		log.Printf("[Engine] Warning: failed to publish %s event: %v", eventType, err)
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

// failureOutcome reports whether an outcome routes to the failure branch.
func failureOutcome(outcome string) bool {
	return rejectOutcome(outcome) || outcome == OutcomeConditionNotMet || outcome == "error"
}
