package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same conditional-update
// semantics as the PostgreSQL implementation.
type memStore struct {
	mu        sync.Mutex
	defs      map[string]*WorkflowDefinition
	execs     map[string]*WorkflowExecution
	tasks     map[string]*Task
	approvals map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		defs:      make(map[string]*WorkflowDefinition),
		execs:     make(map[string]*WorkflowExecution),
		tasks:     make(map[string]*Task),
		approvals: make(map[string]int),
	}
}

func (m *memStore) PutDefinition(_ context.Context, def *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = cloneDefinition(def)
	return nil
}

func (m *memStore) GetDefinition(_ context.Context, id string) (*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return cloneDefinition(def), nil
}

func (m *memStore) GetActiveDefinitionByType(_ context.Context, workflowType string) (*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *WorkflowDefinition
	for _, def := range m.defs {
		if def.WorkflowType != workflowType || def.Status != DefinitionActive {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, ErrDefinitionNotFound
	}
	return cloneDefinition(best), nil
}

func (m *memStore) MaxDefinitionVersion(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, def := range m.defs {
		if def.Name == name && def.Version > max {
			max = def.Version
		}
	}
	return max, nil
}

func (m *memStore) SetDefinitionStatus(_ context.Context, id string, status DefinitionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return ErrDefinitionNotFound
	}
	def.Status = status
	return nil
}

func (m *memStore) InsertExecution(_ context.Context, exec *WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.execs[exec.ID]; dup {
		return fmt.Errorf("duplicate execution %s", exec.ID)
	}
	m.execs[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

func (m *memStore) TransitionExecution(_ context.Context, exec *WorkflowExecution, expectStatus ExecutionStatus, expectStepID string, history []StepHistory, errs []ExecutionError) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.execs[exec.ID]
	if !ok {
		return false, ErrExecutionNotFound
	}
	if cur.Status != expectStatus || cur.CurrentStepID != expectStepID {
		return false, nil
	}
	next := cloneExecution(exec)
	next.StepHistory = append(append([]StepHistory{}, cur.StepHistory...), history...)
	next.Errors = append(append([]ExecutionError{}, cur.Errors...), errs...)
	m.execs[exec.ID] = next
	return true, nil
}

func (m *memStore) AppendExecutionError(_ context.Context, executionID string, e ExecutionError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.Errors = append(exec.Errors, e)
	return nil
}

func (m *memStore) ListDueExecutions(_ context.Context, now time.Time, limit int) ([]*WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WorkflowExecution
	for _, exec := range m.execs {
		if exec.Status != ExecutionInProgress || exec.DeadlineAt == nil {
			continue
		}
		if exec.DeadlineAt.After(now) {
			continue
		}
		out = append(out, cloneExecution(exec))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ClaimDeadline(_ context.Context, executionID string, expect time.Time, next *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[executionID]
	if !ok {
		return false, ErrExecutionNotFound
	}
	if exec.DeadlineAt == nil || !exec.DeadlineAt.Equal(expect) {
		return false, nil
	}
	if next == nil {
		exec.DeadlineAt = nil
	} else {
		d := *next
		exec.DeadlineAt = &d
	}
	return true, nil
}

func (m *memStore) InsertTasks(_ context.Context, tasks []*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		cp := *t
		m.tasks[t.ID] = &cp
	}
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListOpenTasks(_ context.Context, executionID string) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.ExecutionID == executionID && t.Open() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CompleteTask(_ context.Context, taskID, outcome, actor string, at time.Time) (*Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false, ErrTaskNotFound
	}
	if !t.Open() {
		return nil, false, nil
	}
	t.Status = TaskCompleted
	t.Outcome = outcome
	t.CompletedBy = actor
	t.CompletedAt = &at
	cp := *t
	return &cp, true, nil
}

func (m *memStore) CancelOpenTasks(_ context.Context, executionID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.ExecutionID == executionID && t.Open() {
			t.Status = TaskCancelled
			t.CompletedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkTasksOverdue(_ context.Context, executionID, stepID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.ExecutionID == executionID && t.StepID == stepID && t.Open() && t.Status != TaskOverdue {
			t.Status = TaskOverdue
			d := at
			t.DueDate = &d
			n++
		}
	}
	return n, nil
}

func (m *memStore) IncrementApprovals(_ context.Context, executionID, stepID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := executionID + "/" + stepID
	m.approvals[key]++
	return m.approvals[key], nil
}

func (m *memStore) CountOpenTasksByAssignee(_ context.Context, assigneeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.AssigneeID == assigneeID && t.Open() {
			n++
		}
	}
	return n, nil
}

func cloneExecution(exec *WorkflowExecution) *WorkflowExecution {
	cp := *exec
	cp.Variables = make(map[string]any, len(exec.Variables))
	for k, v := range exec.Variables {
		cp.Variables[k] = v
	}
	cp.StepHistory = append([]StepHistory{}, exec.StepHistory...)
	cp.Errors = append([]ExecutionError{}, exec.Errors...)
	if exec.DeadlineAt != nil {
		d := *exec.DeadlineAt
		cp.DeadlineAt = &d
	}
	if exec.CompletedAt != nil {
		d := *exec.CompletedAt
		cp.CompletedAt = &d
	}
	return &cp
}
