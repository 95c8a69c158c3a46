package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/civiflow/civiflow/internal/workflow"
)

// PutDefinition stores a definition and its steps in one transaction.
func (d *Database) PutDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error {
	trigger, err := marshalNullable(def.TriggerConditions)
	if err != nil {
		return fmt.Errorf("failed to encode trigger conditions: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO workflow_definitions
			(id, name, description, workflow_type, version, status, trigger_type, trigger_conditions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, rebind(query),
		def.ID, def.Name, def.Description, def.WorkflowType, def.Version,
		string(def.Status), def.TriggerType, trigger, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}

	stepQuery := `
		INSERT INTO workflow_steps
			(id, definition_id, name, step_order, step_type, assignment_type, assigned_to,
			 config, conditions, required_approvals, timeout_minutes, timeout_action,
			 next_on_success, next_on_failure, allow_skip, required, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i := range def.Steps {
		s := &def.Steps[i]
		assigned, err := json.Marshal(s.AssignedTo)
		if err != nil {
			return fmt.Errorf("failed to encode assignees for step %s: %w", s.ID, err)
		}
		config, err := json.Marshal(s.Config)
		if err != nil {
			return fmt.Errorf("failed to encode config for step %s: %w", s.ID, err)
		}
		conditions, err := marshalNullable(s.Conditions)
		if err != nil {
			return fmt.Errorf("failed to encode conditions for step %s: %w", s.ID, err)
		}
		_, err = tx.ExecContext(ctx, rebind(stepQuery),
			s.ID, def.ID, s.Name, s.Order, string(s.StepType), string(s.AssignmentType),
			string(assigned), string(config), conditions, s.RequiredApprovals,
			s.TimeoutMinutes, string(s.TimeoutAction), s.NextOnSuccess, s.NextOnFailure,
			s.AllowSkip, s.Required, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", s.ID, err)
		}
	}

	return tx.Commit()
}

// GetDefinition retrieves one definition version with its steps.
func (d *Database) GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error) {
	query := `
		SELECT id, name, description, workflow_type, version, status, trigger_type, trigger_conditions, created_at, updated_at
		FROM workflow_definitions
		WHERE id = ?
	`
	def, err := d.scanDefinition(d.db.QueryRowContext(ctx, rebind(query), id))
	if err != nil {
		return nil, err
	}
	if err := d.loadSteps(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// GetActiveDefinitionByType returns the active definition version for a
// workflow type.
func (d *Database) GetActiveDefinitionByType(ctx context.Context, workflowType string) (*workflow.WorkflowDefinition, error) {
	query := `
		SELECT id, name, description, workflow_type, version, status, trigger_type, trigger_conditions, created_at, updated_at
		FROM workflow_definitions
		WHERE workflow_type = ? AND status = 'active'
		ORDER BY version DESC
		LIMIT 1
	`
	def, err := d.scanDefinition(d.db.QueryRowContext(ctx, rebind(query), workflowType))
	if err != nil {
		return nil, err
	}
	if err := d.loadSteps(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// MaxDefinitionVersion returns the highest stored version for a definition
// name, or 0 when none exists.
func (d *Database) MaxDefinitionVersion(ctx context.Context, name string) (int, error) {
	var max int
	query := `SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE name = ?`
	if err := d.db.QueryRowContext(ctx, rebind(query), name).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max version: %w", err)
	}
	return max, nil
}

// SetDefinitionStatus updates a definition version's lifecycle status.
func (d *Database) SetDefinitionStatus(ctx context.Context, id string, status workflow.DefinitionStatus) error {
	query := `UPDATE workflow_definitions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := d.db.ExecContext(ctx, rebind(query), string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update definition status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("definition %s: %w", id, workflow.ErrDefinitionNotFound)
	}
	return nil
}

func (d *Database) scanDefinition(row *sql.Row) (*workflow.WorkflowDefinition, error) {
	var def workflow.WorkflowDefinition
	var status string
	var trigger sql.NullString
	err := row.Scan(&def.ID, &def.Name, &def.Description, &def.WorkflowType, &def.Version,
		&status, &def.TriggerType, &trigger, &def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}
	def.Status = workflow.DefinitionStatus(status)
	if trigger.Valid && trigger.String != "" {
		def.TriggerConditions = &workflow.Condition{}
		if err := json.Unmarshal([]byte(trigger.String), def.TriggerConditions); err != nil {
			return nil, fmt.Errorf("failed to decode trigger conditions: %w", err)
		}
	}
	return &def, nil
}

func (d *Database) loadSteps(ctx context.Context, def *workflow.WorkflowDefinition) error {
	query := `
		SELECT id, name, step_order, step_type, assignment_type, assigned_to,
			config, conditions, required_approvals, timeout_minutes, timeout_action,
			next_on_success, next_on_failure, allow_skip, required, created_at
		FROM workflow_steps
		WHERE definition_id = ?
		ORDER BY step_order
	`
	rows, err := d.db.QueryContext(ctx, rebind(query), def.ID)
	if err != nil {
		return fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s workflow.WorkflowStep
		var stepType, assignmentType, timeoutAction, assigned, config string
		var conditions sql.NullString
		err := rows.Scan(&s.ID, &s.Name, &s.Order, &stepType, &assignmentType, &assigned,
			&config, &conditions, &s.RequiredApprovals, &s.TimeoutMinutes, &timeoutAction,
			&s.NextOnSuccess, &s.NextOnFailure, &s.AllowSkip, &s.Required, &s.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}
		s.DefinitionID = def.ID
		s.StepType = workflow.StepType(stepType)
		s.AssignmentType = workflow.AssignmentType(assignmentType)
		s.TimeoutAction = workflow.TimeoutAction(timeoutAction)
		if err := json.Unmarshal([]byte(assigned), &s.AssignedTo); err != nil {
			return fmt.Errorf("failed to decode assignees for step %s: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(config), &s.Config); err != nil {
			return fmt.Errorf("failed to decode config for step %s: %w", s.ID, err)
		}
		if conditions.Valid && conditions.String != "" {
			s.Conditions = &workflow.Condition{}
			if err := json.Unmarshal([]byte(conditions.String), s.Conditions); err != nil {
				return fmt.Errorf("failed to decode conditions for step %s: %w", s.ID, err)
			}
		}
		def.Steps = append(def.Steps, s)
	}
	return rows.Err()
}

// marshalNullable JSON-encodes v, returning nil for a nil pointer so the
// column stores NULL instead of the string "null".
func marshalNullable(v any) (any, error) {
	switch c := v.(type) {
	case *workflow.Condition:
		if c == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
