package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Database is the PostgreSQL-backed implementation of workflow.Store and
// workflow.Locker.
type Database struct {
	db *sql.DB
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
// This is used throughout the database package for parameterized queries.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// New creates a PostgreSQL database connection and initializes the schema.
func New(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Stats exposes pool statistics for the connection gauge.
func (d *Database) Stats() sql.DBStats {
	return d.db.Stats()
}

// initSchema creates the workflow tables. Idempotent.
func (d *Database) initSchema() error {
	schema := `
	-- Versioned workflow definitions; (name, version) identifies one frozen revision
	CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		workflow_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		trigger_type TEXT NOT NULL DEFAULT 'manual',
		trigger_conditions TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (name, version)
	);

	-- Steps belong to exactly one definition version; ids repeat across versions
	CREATE TABLE IF NOT EXISTS workflow_steps (
		id TEXT NOT NULL,
		definition_id TEXT NOT NULL REFERENCES workflow_definitions(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		step_type TEXT NOT NULL,
		assignment_type TEXT NOT NULL DEFAULT '',
		assigned_to TEXT NOT NULL DEFAULT '[]',
		config TEXT NOT NULL DEFAULT '{}',
		conditions TEXT,
		required_approvals INTEGER NOT NULL DEFAULT 1,
		timeout_minutes INTEGER NOT NULL DEFAULT 0,
		timeout_action TEXT NOT NULL DEFAULT '',
		next_on_success TEXT NOT NULL DEFAULT '',
		next_on_failure TEXT NOT NULL DEFAULT '',
		allow_skip BOOLEAN NOT NULL DEFAULT false,
		required BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (definition_id, id),
		UNIQUE (definition_id, step_order)
	);

	CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL,
		definition_version INTEGER NOT NULL,
		workflow_type TEXT NOT NULL,
		related_entity_id TEXT NOT NULL DEFAULT '',
		initiator_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_step_id TEXT NOT NULL DEFAULT '',
		current_step_order INTEGER NOT NULL DEFAULT 0,
		variables TEXT NOT NULL DEFAULT '{}',
		started_at TIMESTAMPTZ NOT NULL,
		step_entered_at TIMESTAMPTZ,
		deadline_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		duration_seconds BIGINT NOT NULL DEFAULT 0,
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_executions_due
		ON workflow_executions (deadline_at)
		WHERE status = 'in_progress' AND deadline_at IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_executions_entity
		ON workflow_executions (related_entity_id);

	-- Append-only audit trail of step transitions
	CREATE TABLE IF NOT EXISTS execution_history (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		entered_at TIMESTAMPTZ,
		exited_at TIMESTAMPTZ,
		outcome TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_history_execution
		ON execution_history (execution_id, id);

	-- Append-only record of recoverable faults
	CREATE TABLE IF NOT EXISTS execution_errors (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_errors_execution
		ON execution_errors (execution_id, id);

	CREATE TABLE IF NOT EXISTS workflow_tasks (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		assignee_id TEXT NOT NULL,
		related_entity_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		form_data TEXT NOT NULL DEFAULT '{}',
		due_date TIMESTAMPTZ,
		escalation BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		completed_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_execution
		ON workflow_tasks (execution_id, status);

	CREATE INDEX IF NOT EXISTS idx_tasks_assignee
		ON workflow_tasks (assignee_id, status);

	-- Approval quorum counters, bumped atomically per (execution, step)
	CREATE TABLE IF NOT EXISTS step_progress (
		execution_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		approvals INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (execution_id, step_id)
	);

	-- Sweep leases for multi-instance deployments
	CREATE TABLE IF NOT EXISTS sweep_leases (
		lock_name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMPTZ NOT NULL
	);
	`

	_, err := d.db.Exec(schema)
	return err
}
