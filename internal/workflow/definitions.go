package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefinitionStore owns versioned workflow definitions. Definitions are
// validated and frozen at publish time; the engine never re-checks
// structure during execution.
type DefinitionStore struct {
	store Store
}

// NewDefinitionStore creates a definition store over the given backend.
func NewDefinitionStore(store Store) *DefinitionStore {
	return &DefinitionStore{store: store}
}

// Get retrieves one definition version by id.
func (ds *DefinitionStore) Get(ctx context.Context, id string) (*WorkflowDefinition, error) {
	return ds.store.GetDefinition(ctx, id)
}

// ActiveByType returns the active definition version for a workflow type.
func (ds *DefinitionStore) ActiveByType(ctx context.Context, workflowType string) (*WorkflowDefinition, error) {
	return ds.store.GetActiveDefinitionByType(ctx, workflowType)
}

// Publish validates the definition, assigns ids and the next version
// number, deactivates the previously active version of the same name, and
// stores the new version as active. The input is not mutated; the stored
// copy is returned.
func (ds *DefinitionStore) Publish(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error) {
	pub := cloneDefinition(def)
	now := time.Now().UTC()

	if pub.ID == "" {
		pub.ID = "wfd-" + uuid.New().String()[:8]
	}
	for i := range pub.Steps {
		if pub.Steps[i].ID == "" {
			pub.Steps[i].ID = "wfs-" + uuid.New().String()[:8]
		}
		pub.Steps[i].DefinitionID = pub.ID
		if pub.Steps[i].RequiredApprovals == 0 {
			pub.Steps[i].RequiredApprovals = 1
		}
		pub.Steps[i].CreatedAt = now
	}
	sort.Slice(pub.Steps, func(i, j int) bool { return pub.Steps[i].Order < pub.Steps[j].Order })

	if err := Validate(pub); err != nil {
		return nil, err
	}

	prev, err := ds.store.GetActiveDefinitionByType(ctx, pub.WorkflowType)
	if err == nil && prev != nil {
		if err := ds.store.SetDefinitionStatus(ctx, prev.ID, DefinitionInactive); err != nil {
			return nil, fmt.Errorf("failed to deactivate %s: %w", prev.ID, err)
		}
	}

	maxVer, err := ds.store.MaxDefinitionVersion(ctx, pub.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve version for %s: %w", pub.Name, err)
	}
	pub.Version = maxVer + 1
	pub.Status = DefinitionActive
	pub.CreatedAt = now
	pub.UpdatedAt = now

	if err := ds.store.PutDefinition(ctx, pub); err != nil {
		return nil, fmt.Errorf("failed to store definition %s: %w", pub.Name, err)
	}
	return pub, nil
}

// Archive marks a definition version archived; it can no longer start executions.
func (ds *DefinitionStore) Archive(ctx context.Context, id string) error {
	return ds.store.SetDefinitionStatus(ctx, id, DefinitionArchived)
}

// Validate checks structural integrity of a definition: step enums, unique
// orders, per-type config documents, resolvable success/failure pointers,
// acyclicity, and reachability of every step from the first.
func Validate(def *WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if def.WorkflowType == "" {
		return fmt.Errorf("%w: workflow_type is required", ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidDefinition)
	}
	if def.TriggerConditions != nil {
		if err := def.TriggerConditions.Validate(); err != nil {
			return fmt.Errorf("%w: trigger conditions: %v", ErrInvalidDefinition, err)
		}
	}

	byID := make(map[string]*WorkflowStep, len(def.Steps))
	orders := make(map[int]string, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: step %q has no id", ErrInvalidDefinition, s.Name)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrInvalidDefinition, s.ID)
		}
		byID[s.ID] = s
		if other, dup := orders[s.Order]; dup {
			return fmt.Errorf("%w: steps %q and %q share order %d", ErrInvalidDefinition, other, s.Name, s.Order)
		}
		orders[s.Order] = s.Name

		if err := validateStep(s); err != nil {
			return fmt.Errorf("%w: step %q: %v", ErrInvalidDefinition, s.Name, err)
		}
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		for _, next := range []string{s.NextOnSuccess, s.NextOnFailure} {
			if next == "" {
				continue
			}
			if next == s.ID {
				return fmt.Errorf("%w: step %q points at itself", ErrInvalidDefinition, s.Name)
			}
			if _, ok := byID[next]; !ok {
				return fmt.Errorf("%w: step %q references missing step %s", ErrInvalidDefinition, s.Name, next)
			}
		}
	}

	first := def.FirstStep()
	if err := checkGraph(def, byID, first.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}

func validateStep(s *WorkflowStep) error {
	switch s.StepType {
	case StepTypeTask, StepTypeApproval, StepTypeNotification, StepTypeAutomation, StepTypeCondition:
	default:
		return fmt.Errorf("unknown step type %q", s.StepType)
	}
	switch s.AssignmentType {
	case AssignUser, AssignRole, AssignGroup, AssignAuto, "":
	default:
		return fmt.Errorf("unknown assignment type %q", s.AssignmentType)
	}
	if s.RequiredApprovals < 1 {
		return fmt.Errorf("required_approvals must be >= 1")
	}
	if s.HasTimeout() {
		switch s.TimeoutAction {
		case TimeoutEscalate, TimeoutAutoApprove, TimeoutAutoReject, TimeoutNotify:
		default:
			return fmt.Errorf("timeout_minutes set without a valid timeout_action (got %q)", s.TimeoutAction)
		}
	}
	if s.Conditions != nil {
		if err := s.Conditions.Validate(); err != nil {
			return fmt.Errorf("conditions: %w", err)
		}
	}

	switch s.StepType {
	case StepTypeTask, StepTypeApproval:
		switch s.AssignmentType {
		case AssignUser:
			if len(s.AssignedTo) == 0 {
				return fmt.Errorf("user assignment requires assigned_to")
			}
		case AssignRole, AssignGroup:
			if len(s.AssignedTo) == 0 {
				return fmt.Errorf("%s assignment requires assigned_to", s.AssignmentType)
			}
		case AssignAuto:
			switch s.Config.Rule {
			case RuleRoundRobin, RuleLeastLoaded:
			default:
				return fmt.Errorf("auto assignment requires rule round_robin or least_loaded (got %q)", s.Config.Rule)
			}
			if len(s.Config.Candidates) == 0 {
				return fmt.Errorf("auto assignment requires a candidate pool")
			}
		case "":
			return fmt.Errorf("%s steps require an assignment type", s.StepType)
		}
		switch s.Config.RejectionPolicy {
		case "", RejectShortCircuit, RejectQuorum:
		default:
			return fmt.Errorf("unknown rejection policy %q", s.Config.RejectionPolicy)
		}
	case StepTypeNotification:
		if s.Config.TemplateKey == "" {
			return fmt.Errorf("notification steps require a template_key")
		}
	case StepTypeAutomation:
		if s.Config.Automation == "" {
			return fmt.Errorf("automation steps require an automation handler name")
		}
	case StepTypeCondition:
		if s.Conditions == nil {
			return fmt.Errorf("condition steps require conditions")
		}
	}
	return nil
}

// checkGraph rejects cycles in the success/failure pointer graph and
// steps unreachable from the first step.
func checkGraph(def *WorkflowDefinition, byID map[string]*WorkflowStep, firstID string) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("step graph contains a cycle through %q", byID[id].Name)
		case black:
			return nil
		}
		color[id] = grey
		s := byID[id]
		for _, next := range []string{s.NextOnSuccess, s.NextOnFailure} {
			if next == "" {
				continue
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	if err := visit(firstID); err != nil {
		return err
	}

	for id, s := range byID {
		if color[id] != black {
			return fmt.Errorf("step %q is unreachable from the first step", s.Name)
		}
	}
	return nil
}

func cloneDefinition(def *WorkflowDefinition) *WorkflowDefinition {
	out := *def
	out.Steps = make([]WorkflowStep, len(def.Steps))
	copy(out.Steps, def.Steps)
	return &out
}
