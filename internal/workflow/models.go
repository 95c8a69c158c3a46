package workflow

import (
	"time"
)

// StepType represents the type of workflow step
type StepType string

const (
	StepTypeTask         StepType = "task"         // Human work item
	StepTypeApproval     StepType = "approval"     // Requires a quorum of approvals to proceed
	StepTypeNotification StepType = "notification" // Fires a notification and advances
	StepTypeAutomation   StepType = "automation"   // Runs a registered automation handler
	StepTypeCondition    StepType = "condition"    // Branches on execution variables, no tasks
)

// AssignmentType represents how assignees for a step are resolved
type AssignmentType string

const (
	AssignUser  AssignmentType = "user"  // Literal user ids in AssignedTo
	AssignRole  AssignmentType = "role"  // Expanded through the directory
	AssignGroup AssignmentType = "group" // Expanded through the directory
	AssignAuto  AssignmentType = "auto"  // Rule-driven (round_robin, least_loaded)
)

// TimeoutAction represents what happens when a step's deadline elapses
type TimeoutAction string

const (
	TimeoutEscalate    TimeoutAction = "escalate"
	TimeoutAutoApprove TimeoutAction = "auto_approve"
	TimeoutAutoReject  TimeoutAction = "auto_reject"
	TimeoutNotify      TimeoutAction = "notify"
)

// DefinitionStatus represents the lifecycle state of a definition version
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionInactive DefinitionStatus = "inactive"
	DefinitionArchived DefinitionStatus = "archived"
)

// ExecutionStatus represents the status of a workflow execution
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
	ExecutionTimeout    ExecutionStatus = "timeout"
)

// Terminal reports whether no further transition is possible from this status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// TaskStatus represents the status of an individual task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskOverdue    TaskStatus = "overdue"
)

// Well-known task outcomes. Outcomes are free-form strings; these are the
// values the engine itself interprets.
const (
	OutcomeApproved        = "approved"
	OutcomeRejected        = "rejected"
	OutcomeSuccess         = "success"
	OutcomeFailure         = "failure"
	OutcomeSkipped         = "skipped"
	OutcomeNotified        = "notified"
	OutcomeConditionMet    = "condition_met"
	OutcomeConditionNotMet = "condition_not_met"
	OutcomeTimeoutApproved = "timeout_approved"
	OutcomeTimeoutRejected = "timeout_rejected"
)

// Rejection policies for approval steps (StepConfig.RejectionPolicy).
const (
	RejectShortCircuit = "short_circuit" // Any qualifying reject fails the step (default)
	RejectQuorum       = "quorum"        // Rejects are ignored; only the approval count matters
)

// Assignment rules for auto-assigned steps (StepConfig.Rule).
const (
	RuleRoundRobin  = "round_robin"
	RuleLeastLoaded = "least_loaded"
)

// WorkflowDefinition is one immutable, published version of a workflow.
// Editing a definition produces a new row with a bumped Version; the
// (Name, Version) pair is unique.
type WorkflowDefinition struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description"`
	WorkflowType      string           `json:"workflow_type"` // e.g. "permit_review", "inspection_signoff"
	Version           int              `json:"version"`
	Status            DefinitionStatus `json:"status"`
	TriggerType       string           `json:"trigger_type"` // "manual", "entity_event"
	TriggerConditions *Condition       `json:"trigger_conditions,omitempty"`
	Steps             []WorkflowStep   `json:"steps"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// FirstStep returns the step with the lowest order, or nil for an empty definition.
func (d *WorkflowDefinition) FirstStep() *WorkflowStep {
	var first *WorkflowStep
	for i := range d.Steps {
		if first == nil || d.Steps[i].Order < first.Order {
			first = &d.Steps[i]
		}
	}
	return first
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepConfig is the decoded per-step configuration document. Which fields
// are meaningful depends on the step and assignment type; Publish validates
// the combination.
type StepConfig struct {
	Rule            string            `json:"rule,omitempty" yaml:"rule,omitempty"`                         // auto assignment rule
	Candidates      []string          `json:"candidates,omitempty" yaml:"candidates,omitempty"`             // candidate pool for auto assignment
	EscalationRole  string            `json:"escalation_role,omitempty" yaml:"escalation_role,omitempty"`   // role receiving escalations
	RejectionPolicy string            `json:"rejection_policy,omitempty" yaml:"rejection_policy,omitempty"` // approval steps
	TemplateKey     string            `json:"template_key,omitempty" yaml:"template_key,omitempty"`         // notification template
	Automation      string            `json:"automation,omitempty" yaml:"automation,omitempty"`             // automation handler name
	Params          map[string]string `json:"params,omitempty" yaml:"params,omitempty"`                     // handler parameters
}

// ShortCircuitOnReject reports whether a single qualifying reject fails the step.
func (c StepConfig) ShortCircuitOnReject() bool {
	return c.RejectionPolicy != RejectQuorum
}

// WorkflowStep is a unit of work within one definition version.
type WorkflowStep struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	Name              string         `json:"name"`
	Order             int            `json:"order"` // Unique within a definition
	StepType          StepType       `json:"step_type"`
	AssignmentType    AssignmentType `json:"assignment_type"`
	AssignedTo        []string       `json:"assigned_to,omitempty"` // User ids, or role/group ids
	Config            StepConfig     `json:"config"`
	Conditions        *Condition     `json:"conditions,omitempty"`
	RequiredApprovals int            `json:"required_approvals"` // Quorum for approval steps, >= 1
	TimeoutMinutes    int            `json:"timeout_minutes"`    // 0 = no deadline
	TimeoutAction     TimeoutAction  `json:"timeout_action,omitempty"`
	NextOnSuccess     string         `json:"next_on_success"` // Sibling step id, "" = workflow completes
	NextOnFailure     string         `json:"next_on_failure"` // Sibling step id, "" = workflow fails
	AllowSkip         bool           `json:"allow_skip"`
	Required          bool           `json:"required"`
	CreatedAt         time.Time      `json:"created_at"`
}

// HasTimeout reports whether the step carries a deadline.
func (s *WorkflowStep) HasTimeout() bool {
	return s.TimeoutMinutes > 0
}

// Timeout returns the step deadline duration.
func (s *WorkflowStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// WorkflowExecution is one triggered run of a definition version.
// It is mutated only through the engine's transition operation.
type WorkflowExecution struct {
	ID                string           `json:"id"`
	DefinitionID      string           `json:"definition_id"`
	DefinitionVersion int              `json:"definition_version"`
	WorkflowType      string           `json:"workflow_type"`
	RelatedEntityID   string           `json:"related_entity_id,omitempty"` // e.g. a permit id
	InitiatorID       string           `json:"initiator_id"`
	Status            ExecutionStatus  `json:"status"`
	CurrentStepID     string           `json:"current_step_id,omitempty"` // Non-empty iff in_progress
	CurrentStepOrder  int              `json:"current_step_order,omitempty"`
	Variables         map[string]any   `json:"variables"`
	StepHistory       []StepHistory    `json:"step_history"`
	Errors            []ExecutionError `json:"errors"`
	StartedAt         time.Time        `json:"started_at"`
	StepEnteredAt     time.Time        `json:"step_entered_at"`
	DeadlineAt        *time.Time       `json:"deadline_at,omitempty"` // Current step deadline, claimed by the sweeper
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	DurationSeconds   int64            `json:"duration_seconds,omitempty"` // Computed at terminalization
	CancelledBy       string           `json:"cancelled_by,omitempty"`
	CancelReason      string           `json:"cancel_reason,omitempty"`
}

// Terminal reports whether the execution has reached a terminal status.
func (e *WorkflowExecution) Terminal() bool {
	return e.Status.Terminal()
}

// StepHistory is one append-only audit entry recorded on every transition.
type StepHistory struct {
	StepID    string    `json:"step_id"`
	StepName  string    `json:"step_name"`
	EnteredAt time.Time `json:"entered_at"`
	ExitedAt  time.Time `json:"exited_at"`
	Outcome   string    `json:"outcome"`
	Actor     string    `json:"actor"`
}

// ExecutionError is an append-only record of a recoverable fault.
type ExecutionError struct {
	StepID     string    `json:"step_id,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Task is one assignable unit of work instantiated from a step for a
// specific execution and assignee.
type Task struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	StepID          string         `json:"step_id"`
	AssigneeID      string         `json:"assignee_id"`
	RelatedEntityID string         `json:"related_entity_id,omitempty"`
	Status          TaskStatus     `json:"status"`
	Outcome         string         `json:"outcome,omitempty"` // Interpreted against the step's condition config
	FormData        map[string]any `json:"form_data,omitempty"`
	DueDate         *time.Time     `json:"due_date,omitempty"` // Derived from the step timeout at creation
	Escalation      bool           `json:"escalation"`         // Opened by a timeout escalation
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CompletedBy     string         `json:"completed_by,omitempty"`
}

// Open reports whether the task can still be completed.
func (t *Task) Open() bool {
	switch t.Status {
	case TaskPending, TaskAssigned, TaskInProgress, TaskOverdue:
		return true
	}
	return false
}

// StepSignal carries a step resolution into Engine.Advance: a task quorum
// result, an inline auto-step outcome, or a synthesized timeout outcome.
type StepSignal struct {
	Outcome  string
	Actor    string
	Data     map[string]any
	TimedOut bool // Set by the timeout scheduler; selects the timeout terminal status
}
