// Copyright 2025 The AgentFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store implementation for single-node
// deployments.
//
// Uniqueness contracts are enforced with partial unique indexes, so the
// database rejects a second live event or running task for a step even
// when several processes share the file. Commit wraps one iteration's
// changes in a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.StepStore  = (*Backend)(nil)
	_ store.EventStore = (*Backend)(nil)
	_ store.TaskStore  = (*Backend)(nil)
	_ store.LockStore  = (*Backend)(nil)
	_ store.Committer  = (*Backend)(nil)
	_ store.Store      = (*Backend)(nil)
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. Fixed width keeps
// lexicographic order equal to chronological order, which the claim
// query's ORDER BY depends on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqliteConstraintCode is the primary SQLITE_CONSTRAINT result code.
const sqliteConstraintCode = 19

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // Incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL") // Enable WAL mode for concurrent reads
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			runner_id TEXT NOT NULL,
			object_type TEXT NOT NULL,
			state TEXT NOT NULL,
			container_id TEXT,
			block_id TEXT,
			root_id TEXT,
			statement_id TEXT,
			statement_name TEXT,
			facet_name TEXT,
			attributes TEXT,
			foreach TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			request_state_change INTEGER NOT NULL DEFAULT 0,
			push_me INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			error_kind TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_statement_block
			ON steps(statement_id, block_id) WHERE statement_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_steps_runner ON steps(runner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_runner_state ON steps(runner_id, state)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			runner_id TEXT NOT NULL,
			state TEXT NOT NULL,
			event_type TEXT,
			payload TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_live_step
			ON events(step_id) WHERE state NOT IN ('Completed', 'Error')`,
		`CREATE INDEX IF NOT EXISTS idx_events_runner ON events(runner_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			runner_id TEXT,
			workflow_id TEXT,
			flow_id TEXT,
			step_id TEXT,
			task_list_name TEXT NOT NULL,
			state TEXT NOT NULL,
			data_type TEXT,
			data TEXT,
			error TEXT,
			error_kind TEXT,
			server_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_running_step
			ON tasks(step_id) WHERE state = 'running' AND step_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(state, task_list_name, name, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_runner ON tasks(runner_id)`,
		`CREATE TABLE IF NOT EXISTS runners (
			id TEXT PRIMARY KEY,
			flow_id TEXT,
			workflow_id TEXT,
			workflow_name TEXT,
			snapshot BLOB,
			params TEXT,
			owner TEXT,
			state TEXT NOT NULL,
			start_time TEXT,
			end_time TEXT,
			duration_ms INTEGER DEFAULT 0,
			error TEXT,
			error_kind TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runners_state ON runners(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runners_workflow ON runners(workflow_name)`,
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT,
			source BLOB,
			compiled BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_name ON flows(name, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name, created_at)`,
		`CREATE TABLE IF NOT EXISTS registrations (
			facet_name TEXT PRIMARY KEY,
			module_uri TEXT NOT NULL,
			entrypoint TEXT,
			version TEXT,
			checksum TEXT,
			timeout_ms INTEGER DEFAULT 0,
			requirements TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			server_group TEXT,
			service_name TEXT NOT NULL,
			hostname TEXT,
			ips TEXT,
			start_time TEXT,
			ping_time TEXT,
			state TEXT NOT NULL,
			topics TEXT,
			handlers TEXT,
			handled TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_servers_service ON servers(service_name, state)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			runner_id TEXT NOT NULL,
			step_id TEXT,
			log_order INTEGER NOT NULL,
			level TEXT,
			message TEXT NOT NULL,
			time TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_runner ON logs(runner_id, log_order)`,
		`CREATE TABLE IF NOT EXISTS locks (
			key TEXT PRIMARY KEY,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			meta TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, so the save helpers
// serve direct writes and the commit transaction alike.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetStep retrieves a step by ID.
func (b *Backend) GetStep(ctx context.Context, id string) (*store.Step, error) {
	row := b.db.QueryRowContext(ctx, selectSteps+" WHERE id = ?", id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// SaveStep upserts a step keyed by its ID.
func (b *Backend) SaveStep(ctx context.Context, step *store.Step) error {
	return b.saveStep(ctx, b.db, step)
}

func (b *Backend) saveStep(ctx context.Context, ex execer, step *store.Step) error {
	attrsJSON, err := json.Marshal(step.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	var foreachJSON []byte
	if step.Foreach != nil {
		foreachJSON, err = json.Marshal(step.Foreach)
		if err != nil {
			return fmt.Errorf("failed to marshal foreach: %w", err)
		}
	}

	query := `
		INSERT INTO steps (id, runner_id, object_type, state, container_id, block_id, root_id,
			statement_id, statement_name, facet_name, attributes, foreach, version,
			request_state_change, push_me, error, error_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			attributes = excluded.attributes,
			foreach = excluded.foreach,
			version = excluded.version,
			request_state_change = excluded.request_state_change,
			push_me = excluded.push_me,
			error = excluded.error,
			error_kind = excluded.error_kind,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := step.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = ex.ExecContext(ctx, query,
		step.ID, step.RunnerID, string(step.ObjectType), step.State,
		nullString(step.ContainerID), nullString(step.BlockID), nullString(step.RootID),
		nullString(step.StatementID), nullString(step.StatementName), nullString(step.FacetName),
		string(attrsJSON), nullBytes(foreachJSON), step.Version,
		boolInt(step.RequestStateChange), boolInt(step.PushMe),
		nullString(step.Error), nullString(step.ErrorKind),
		formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("step for statement %s in block %s already exists: %w",
				step.StatementID, step.BlockID, store.ErrConstraintViolation)
		}
		return fmt.Errorf("failed to save step: %w", err)
	}

	step.CreatedAt = createdAt
	step.UpdatedAt = now
	return nil
}

// updateStepGuarded writes an existing step only while its stored
// version matches the version the caller read, bumping it by one. The
// caller advances the in-memory Version after the transaction commits.
func (b *Backend) updateStepGuarded(ctx context.Context, ex execer, step *store.Step) error {
	attrsJSON, err := json.Marshal(step.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	var foreachJSON []byte
	if step.Foreach != nil {
		foreachJSON, err = json.Marshal(step.Foreach)
		if err != nil {
			return fmt.Errorf("failed to marshal foreach: %w", err)
		}
	}

	query := `
		UPDATE steps SET
			state = ?, attributes = ?, foreach = ?, version = ?,
			request_state_change = ?, push_me = ?, error = ?, error_kind = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	now := time.Now()
	result, err := ex.ExecContext(ctx, query,
		step.State, string(attrsJSON), nullBytes(foreachJSON), step.Version+1,
		boolInt(step.RequestStateChange), boolInt(step.PushMe),
		nullString(step.Error), nullString(step.ErrorKind), formatTime(now),
		step.ID, step.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("step %s was modified concurrently (read version %d): %w",
			step.ID, step.Version, store.ErrStaleVersion)
	}

	step.UpdatedAt = now
	return nil
}

const selectSteps = `
	SELECT id, runner_id, object_type, state, container_id, block_id, root_id,
		statement_id, statement_name, facet_name, attributes, foreach, version,
		request_state_change, push_me, error, error_kind, created_at, updated_at
	FROM steps`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*store.Step, error) {
	var step store.Step
	var containerID, blockID, rootID, statementID, statementName, facetName sql.NullString
	var attrsJSON, foreachJSON, errorStr, errorKind sql.NullString
	var requestStateChange, pushMe int
	var createdAt, updatedAt string

	err := row.Scan(
		&step.ID, &step.RunnerID, &step.ObjectType, &step.State,
		&containerID, &blockID, &rootID,
		&statementID, &statementName, &facetName,
		&attrsJSON, &foreachJSON, &step.Version,
		&requestStateChange, &pushMe,
		&errorStr, &errorKind, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.ContainerID = containerID.String
	step.BlockID = blockID.String
	step.RootID = rootID.String
	step.StatementID = statementID.String
	step.StatementName = statementName.String
	step.FacetName = facetName.String
	step.Error = errorStr.String
	step.ErrorKind = errorKind.String
	step.RequestStateChange = requestStateChange == 1
	step.PushMe = pushMe == 1

	if attrsJSON.Valid && attrsJSON.String != "" {
		if err := json.Unmarshal([]byte(attrsJSON.String), &step.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	if foreachJSON.Valid && foreachJSON.String != "" {
		var fb store.ForeachBinding
		if err := json.Unmarshal([]byte(foreachJSON.String), &fb); err == nil {
			step.Foreach = &fb
		}
	}

	step.CreatedAt = parseTime(createdAt)
	step.UpdatedAt = parseTime(updatedAt)
	return &step, nil
}

// ListSteps lists steps matching the filter, oldest first.
func (b *Backend) ListSteps(ctx context.Context, filter store.StepFilter) ([]*store.Step, error) {
	query := selectSteps + " WHERE 1=1"
	args := []any{}

	if filter.RunnerID != "" {
		query += " AND runner_id = ?"
		args = append(args, filter.RunnerID)
	}
	if filter.BlockID != "" {
		query += " AND block_id = ?"
		args = append(args, filter.BlockID)
	}
	if filter.ContainerID != "" {
		query += " AND container_id = ?"
		args = append(args, filter.ContainerID)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}
	if filter.NonTerminal {
		query += " AND state NOT IN (?, ?)"
		args = append(args, store.StateStatementComplete, store.StateStatementError)
	}

	query += " ORDER BY created_at, id"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetRootStep retrieves the workflow root step for a runner.
func (b *Backend) GetRootStep(ctx context.Context, runnerID string) (*store.Step, error) {
	row := b.db.QueryRowContext(ctx,
		selectSteps+" WHERE runner_id = ? AND container_id IS NULL LIMIT 1", runnerID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "root step", ID: runnerID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get root step: %w", err)
	}
	return step, nil
}

// StepExists reports whether a step exists for (statement_id, block_id).
func (b *Backend) StepExists(ctx context.Context, statementID, blockID string) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM steps WHERE statement_id = ? AND block_id = ?",
		statementID, blockID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check step existence: %w", err)
	}
	return count > 0, nil
}

// GetEvent retrieves an event by ID.
func (b *Backend) GetEvent(ctx context.Context, id string) (*store.Event, error) {
	row := b.db.QueryRowContext(ctx, selectEvents+" WHERE id = ?", id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "event", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// SaveEvent upserts an event keyed by its ID.
func (b *Backend) SaveEvent(ctx context.Context, event *store.Event) error {
	return b.saveEvent(ctx, b.db, event)
}

func (b *Backend) saveEvent(ctx context.Context, ex execer, event *store.Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO events (id, step_id, runner_id, state, event_type, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = ex.ExecContext(ctx, query,
		event.ID, event.StepID, event.RunnerID, string(event.State),
		nullString(event.EventType), string(payloadJSON),
		formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("step %s already has a live event: %w",
				event.StepID, store.ErrConstraintViolation)
		}
		return fmt.Errorf("failed to save event: %w", err)
	}

	event.CreatedAt = createdAt
	event.UpdatedAt = now
	return nil
}

const selectEvents = `
	SELECT id, step_id, runner_id, state, event_type, payload, created_at, updated_at
	FROM events`

func scanEvent(row rowScanner) (*store.Event, error) {
	var event store.Event
	var eventType, payloadJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&event.ID, &event.StepID, &event.RunnerID, &event.State,
		&eventType, &payloadJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.EventType = eventType.String
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	event.CreatedAt = parseTime(createdAt)
	event.UpdatedAt = parseTime(updatedAt)
	return &event, nil
}

// ListEvents lists all events for a runner, oldest first.
func (b *Backend) ListEvents(ctx context.Context, runnerID string) ([]*store.Event, error) {
	rows, err := b.db.QueryContext(ctx,
		selectEvents+" WHERE runner_id = ? ORDER BY created_at, id", runnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*store.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetTask retrieves a task by ID.
func (b *Backend) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := b.db.QueryRowContext(ctx, selectTasks+" WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// SaveTask upserts a task keyed by its ID.
func (b *Backend) SaveTask(ctx context.Context, task *store.Task) error {
	return b.saveTask(ctx, b.db, task)
}

func (b *Backend) saveTask(ctx context.Context, ex execer, task *store.Task) error {
	dataJSON, err := json.Marshal(task.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	query := `
		INSERT INTO tasks (id, name, runner_id, workflow_id, flow_id, step_id, task_list_name,
			state, data_type, data, error, error_kind, server_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			data = excluded.data,
			error = excluded.error,
			error_kind = excluded.error_kind,
			server_id = excluded.server_id,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	taskList := task.TaskList
	if taskList == "" {
		taskList = store.DefaultTaskList
	}

	_, err = ex.ExecContext(ctx, query,
		task.ID, task.Name, nullString(task.RunnerID), nullString(task.WorkflowID),
		nullString(task.FlowID), nullString(task.StepID), taskList,
		string(task.State), nullString(task.DataType), string(dataJSON),
		nullString(task.Error), nullString(task.ErrorKind), nullString(task.ServerID),
		formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("step %s already has a running task: %w",
				task.StepID, store.ErrConstraintViolation)
		}
		return fmt.Errorf("failed to save task: %w", err)
	}

	task.TaskList = taskList
	task.CreatedAt = createdAt
	task.UpdatedAt = now
	return nil
}

const selectTasks = `
	SELECT id, name, runner_id, workflow_id, flow_id, step_id, task_list_name,
		state, data_type, data, error, error_kind, server_id, created_at, updated_at
	FROM tasks`

func scanTask(row rowScanner) (*store.Task, error) {
	var task store.Task
	var runnerID, workflowID, flowID, stepID sql.NullString
	var dataType, dataJSON, errorStr, errorKind, serverID sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&task.ID, &task.Name, &runnerID, &workflowID, &flowID, &stepID, &task.TaskList,
		&task.State, &dataType, &dataJSON, &errorStr, &errorKind, &serverID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.RunnerID = runnerID.String
	task.WorkflowID = workflowID.String
	task.FlowID = flowID.String
	task.StepID = stepID.String
	task.DataType = dataType.String
	task.Error = errorStr.String
	task.ErrorKind = errorKind.String
	task.ServerID = serverID.String

	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &task.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}

	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}

// ListTasks lists tasks matching the filter, oldest first.
func (b *Backend) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	query := selectTasks + " WHERE 1=1"
	args := []any{}

	if filter.RunnerID != "" {
		query += " AND runner_id = ?"
		args = append(args, filter.RunnerID)
	}
	if filter.StepID != "" {
		query += " AND step_id = ?"
		args = append(args, filter.StepID)
	}
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	if filter.TaskList != "" {
		query += " AND task_list_name = ?"
		args = append(args, filter.TaskList)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}

	query += " ORDER BY created_at, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically claims the oldest matching pending task. The
// select-then-update runs in one transaction, and the update re-checks
// the pending state, so exactly one claimant wins any given task.
func (b *Backend) ClaimTask(ctx context.Context, names []string, taskList, serverID string) (*store.Task, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	query := selectTasks + ` WHERE state = ?
		AND (step_id IS NULL OR step_id NOT IN
			(SELECT step_id FROM tasks WHERE state = ? AND step_id IS NOT NULL))`
	args := []any{string(store.TaskPending), string(store.TaskRunning)}

	if taskList != "" {
		query += " AND task_list_name = ?"
		args = append(args, taskList)
	}
	if len(names) > 0 {
		query += " AND name IN (" + placeholders(len(names)) + ")"
		for _, n := range names {
			args = append(args, n)
		}
	}
	query += " ORDER BY created_at, id LIMIT 1"

	row := tx.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable task: %w", err)
	}

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		"UPDATE tasks SET state = ?, server_id = ?, updated_at = ? WHERE id = ? AND state = ?",
		string(store.TaskRunning), serverID, formatTime(now), task.ID, string(store.TaskPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		// Lost the race; the caller polls again.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	task.State = store.TaskRunning
	task.ServerID = serverID
	task.UpdatedAt = now
	return task, nil
}

// UpdateTaskState transitions a task to the given state.
func (b *Backend) UpdateTaskState(ctx context.Context, id string, state store.TaskState, errMsg string) error {
	result, err := b.db.ExecContext(ctx,
		"UPDATE tasks SET state = ?, error = ?, updated_at = ? WHERE id = ?",
		string(state), nullString(errMsg), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &aflerrors.NotFoundError{Entity: "task", ID: id}
	}
	return nil
}

// GetRunner retrieves a runner by ID.
func (b *Backend) GetRunner(ctx context.Context, id string) (*store.Runner, error) {
	row := b.db.QueryRowContext(ctx, selectRunners+" WHERE id = ?", id)
	runner, err := scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "runner", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}
	return runner, nil
}

// SaveRunner upserts a runner keyed by its ID.
func (b *Backend) SaveRunner(ctx context.Context, runner *store.Runner) error {
	paramsJSON, err := json.Marshal(runner.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		INSERT INTO runners (id, flow_id, workflow_id, workflow_name, snapshot, params, owner,
			state, start_time, end_time, duration_ms, error, error_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			params = excluded.params,
			owner = excluded.owner,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_ms = excluded.duration_ms,
			error = excluded.error,
			error_kind = excluded.error_kind,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := runner.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = b.db.ExecContext(ctx, query,
		runner.ID, nullString(runner.FlowID), nullString(runner.WorkflowID),
		nullString(runner.WorkflowName), runner.Snapshot, string(paramsJSON),
		nullString(runner.Owner), string(runner.State),
		formatTimePtr(runner.StartTime), formatTimePtr(runner.EndTime), runner.DurationMS,
		nullString(runner.Error), nullString(runner.ErrorKind),
		formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save runner: %w", err)
	}

	runner.CreatedAt = createdAt
	runner.UpdatedAt = now
	return nil
}

const selectRunners = `
	SELECT id, flow_id, workflow_id, workflow_name, snapshot, params, owner,
		state, start_time, end_time, duration_ms, error, error_kind, created_at, updated_at
	FROM runners`

func scanRunner(row rowScanner) (*store.Runner, error) {
	var runner store.Runner
	var flowID, workflowID, workflowName, paramsJSON, owner sql.NullString
	var startTime, endTime, errorStr, errorKind sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&runner.ID, &flowID, &workflowID, &workflowName, &runner.Snapshot, &paramsJSON,
		&owner, &runner.State, &startTime, &endTime, &runner.DurationMS,
		&errorStr, &errorKind, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	runner.FlowID = flowID.String
	runner.WorkflowID = workflowID.String
	runner.WorkflowName = workflowName.String
	runner.Owner = owner.String
	runner.Error = errorStr.String
	runner.ErrorKind = errorKind.String

	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &runner.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if startTime.Valid {
		t := parseTime(startTime.String)
		runner.StartTime = &t
	}
	if endTime.Valid {
		t := parseTime(endTime.String)
		runner.EndTime = &t
	}
	runner.CreatedAt = parseTime(createdAt)
	runner.UpdatedAt = parseTime(updatedAt)
	return &runner, nil
}

// ListRunners lists runners matching the filter, newest first.
func (b *Backend) ListRunners(ctx context.Context, filter store.RunnerFilter) ([]*store.Runner, error) {
	query := selectRunners + " WHERE 1=1"
	args := []any{}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}

	query += " ORDER BY created_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	defer rows.Close()

	var runners []*store.Runner
	for rows.Next() {
		runner, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan runner: %w", err)
		}
		runners = append(runners, runner)
	}
	return runners, rows.Err()
}

// GetFlow retrieves a flow by ID.
func (b *Backend) GetFlow(ctx context.Context, id string) (*store.Flow, error) {
	row := b.db.QueryRowContext(ctx, selectFlows+" WHERE id = ?", id)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "flow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return flow, nil
}

// GetFlowByName retrieves the most recently published flow with the
// given name.
func (b *Backend) GetFlowByName(ctx context.Context, name string) (*store.Flow, error) {
	row := b.db.QueryRowContext(ctx,
		selectFlows+" WHERE name = ? ORDER BY created_at DESC, id LIMIT 1", name)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "flow", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow by name: %w", err)
	}
	return flow, nil
}

// SaveFlow upserts a flow keyed by its ID.
func (b *Backend) SaveFlow(ctx context.Context, flow *store.Flow) error {
	query := `
		INSERT INTO flows (id, name, path, source, compiled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			source = excluded.source,
			compiled = excluded.compiled,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := flow.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := b.db.ExecContext(ctx, query,
		flow.ID, flow.Name, nullString(flow.Path), flow.Source, flow.Compiled,
		formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	flow.CreatedAt = createdAt
	flow.UpdatedAt = now
	return nil
}

const selectFlows = `
	SELECT id, name, path, source, compiled, created_at, updated_at
	FROM flows`

func scanFlow(row rowScanner) (*store.Flow, error) {
	var flow store.Flow
	var path sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&flow.ID, &flow.Name, &path, &flow.Source, &flow.Compiled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	flow.Path = path.String
	flow.CreatedAt = parseTime(createdAt)
	flow.UpdatedAt = parseTime(updatedAt)
	return &flow, nil
}

// ListFlows lists all flows, newest first.
func (b *Backend) ListFlows(ctx context.Context) ([]*store.Flow, error) {
	rows, err := b.db.QueryContext(ctx, selectFlows+" ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var flows []*store.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// DeleteFlow deletes a flow by ID.
func (b *Backend) DeleteFlow(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM flows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition by ID.
func (b *Backend) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	row := b.db.QueryRowContext(ctx, selectWorkflows+" WHERE id = ?", id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflowByName retrieves the most recently published workflow
// definition with the given qualified name.
func (b *Backend) GetWorkflowByName(ctx context.Context, name string) (*store.Workflow, error) {
	row := b.db.QueryRowContext(ctx,
		selectWorkflows+" WHERE name = ? ORDER BY created_at DESC, id LIMIT 1", name)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "workflow", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow by name: %w", err)
	}
	return wf, nil
}

// SaveWorkflow upserts a workflow definition keyed by its ID.
func (b *Backend) SaveWorkflow(ctx context.Context, workflow *store.Workflow) error {
	query := `
		INSERT INTO workflows (id, flow_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			flow_id = excluded.flow_id,
			name = excluded.name,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := workflow.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := b.db.ExecContext(ctx, query,
		workflow.ID, workflow.FlowID, workflow.Name, formatTime(createdAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	workflow.CreatedAt = createdAt
	workflow.UpdatedAt = now
	return nil
}

const selectWorkflows = `
	SELECT id, flow_id, name, created_at, updated_at
	FROM workflows`

func scanWorkflow(row rowScanner) (*store.Workflow, error) {
	var wf store.Workflow
	var createdAt, updatedAt string

	err := row.Scan(&wf.ID, &wf.FlowID, &wf.Name, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	wf.CreatedAt = parseTime(createdAt)
	wf.UpdatedAt = parseTime(updatedAt)
	return &wf, nil
}

// ListWorkflows lists workflow definitions, optionally scoped to a flow.
func (b *Backend) ListWorkflows(ctx context.Context, flowID string) ([]*store.Workflow, error) {
	query := selectWorkflows
	args := []any{}
	if flowID != "" {
		query += " WHERE flow_id = ?"
		args = append(args, flowID)
	}
	query += " ORDER BY name"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*store.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// GetRegistration retrieves a registration by facet name.
func (b *Backend) GetRegistration(ctx context.Context, facetName string) (*store.HandlerRegistration, error) {
	row := b.db.QueryRowContext(ctx, selectRegistrations+" WHERE facet_name = ?", facetName)
	reg, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "handler registration", ID: facetName}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return reg, nil
}

// SaveRegistration upserts a registration keyed by facet name.
func (b *Backend) SaveRegistration(ctx context.Context, reg *store.HandlerRegistration) error {
	requirementsJSON, err := json.Marshal(reg.Requirements)
	if err != nil {
		return fmt.Errorf("failed to marshal requirements: %w", err)
	}
	metadataJSON, err := json.Marshal(reg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO registrations (facet_name, module_uri, entrypoint, version, checksum,
			timeout_ms, requirements, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (facet_name) DO UPDATE SET
			module_uri = excluded.module_uri,
			entrypoint = excluded.entrypoint,
			version = excluded.version,
			checksum = excluded.checksum,
			timeout_ms = excluded.timeout_ms,
			requirements = excluded.requirements,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := reg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = b.db.ExecContext(ctx, query,
		reg.FacetName, reg.ModuleURI, nullString(reg.Entrypoint), nullString(reg.Version),
		nullString(reg.Checksum), reg.TimeoutMS, string(requirementsJSON), string(metadataJSON),
		formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}

	reg.CreatedAt = createdAt
	reg.UpdatedAt = now
	return nil
}

const selectRegistrations = `
	SELECT facet_name, module_uri, entrypoint, version, checksum, timeout_ms,
		requirements, metadata, created_at, updated_at
	FROM registrations`

func scanRegistration(row rowScanner) (*store.HandlerRegistration, error) {
	var reg store.HandlerRegistration
	var entrypoint, version, checksum, requirementsJSON, metadataJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&reg.FacetName, &reg.ModuleURI, &entrypoint, &version, &checksum,
		&reg.TimeoutMS, &requirementsJSON, &metadataJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	reg.Entrypoint = entrypoint.String
	reg.Version = version.String
	reg.Checksum = checksum.String

	if requirementsJSON.Valid && requirementsJSON.String != "" {
		if err := json.Unmarshal([]byte(requirementsJSON.String), &reg.Requirements); err != nil {
			return nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &reg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	reg.CreatedAt = parseTime(createdAt)
	reg.UpdatedAt = parseTime(updatedAt)
	return &reg, nil
}

// ListRegistrations lists all registrations ordered by facet name.
func (b *Backend) ListRegistrations(ctx context.Context) ([]*store.HandlerRegistration, error) {
	rows, err := b.db.QueryContext(ctx, selectRegistrations+" ORDER BY facet_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer rows.Close()

	var regs []*store.HandlerRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// DeleteRegistration removes a registration by facet name.
func (b *Backend) DeleteRegistration(ctx context.Context, facetName string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM registrations WHERE facet_name = ?", facetName)
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	return nil
}

// GetServer retrieves a server by ID.
func (b *Backend) GetServer(ctx context.Context, id string) (*store.Server, error) {
	row := b.db.QueryRowContext(ctx, selectServers+" WHERE id = ?", id)
	server, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, &aflerrors.NotFoundError{Entity: "server", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return server, nil
}

// SaveServer upserts a server keyed by its ID.
func (b *Backend) SaveServer(ctx context.Context, server *store.Server) error {
	ipsJSON, err := json.Marshal(server.IPs)
	if err != nil {
		return fmt.Errorf("failed to marshal ips: %w", err)
	}
	topicsJSON, err := json.Marshal(server.Topics)
	if err != nil {
		return fmt.Errorf("failed to marshal topics: %w", err)
	}
	handlersJSON, err := json.Marshal(server.Handlers)
	if err != nil {
		return fmt.Errorf("failed to marshal handlers: %w", err)
	}
	handledJSON, err := json.Marshal(server.Handled)
	if err != nil {
		return fmt.Errorf("failed to marshal handled: %w", err)
	}

	query := `
		INSERT INTO servers (id, server_group, service_name, hostname, ips, start_time,
			ping_time, state, topics, handlers, handled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			ping_time = excluded.ping_time,
			state = excluded.state,
			topics = excluded.topics,
			handlers = excluded.handlers,
			handled = excluded.handled,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	createdAt := server.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = b.db.ExecContext(ctx, query,
		server.ID, nullString(server.ServerGroup), server.ServiceName,
		nullString(server.Hostname), string(ipsJSON), formatTime(server.StartTime),
		formatTime(server.PingTime), string(server.State),
		string(topicsJSON), string(handlersJSON), string(handledJSON),
		formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save server: %w", err)
	}

	server.CreatedAt = createdAt
	server.UpdatedAt = now
	return nil
}

const selectServers = `
	SELECT id, server_group, service_name, hostname, ips, start_time, ping_time,
		state, topics, handlers, handled, created_at, updated_at
	FROM servers`

func scanServer(row rowScanner) (*store.Server, error) {
	var server store.Server
	var serverGroup, hostname, ipsJSON, topicsJSON, handlersJSON, handledJSON sql.NullString
	var startTime, pingTime sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&server.ID, &serverGroup, &server.ServiceName, &hostname, &ipsJSON,
		&startTime, &pingTime, &server.State,
		&topicsJSON, &handlersJSON, &handledJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	server.ServerGroup = serverGroup.String
	server.Hostname = hostname.String

	if ipsJSON.Valid && ipsJSON.String != "" {
		json.Unmarshal([]byte(ipsJSON.String), &server.IPs)
	}
	if topicsJSON.Valid && topicsJSON.String != "" {
		json.Unmarshal([]byte(topicsJSON.String), &server.Topics)
	}
	if handlersJSON.Valid && handlersJSON.String != "" {
		json.Unmarshal([]byte(handlersJSON.String), &server.Handlers)
	}
	if handledJSON.Valid && handledJSON.String != "" {
		json.Unmarshal([]byte(handledJSON.String), &server.Handled)
	}

	if startTime.Valid {
		server.StartTime = parseTime(startTime.String)
	}
	if pingTime.Valid {
		server.PingTime = parseTime(pingTime.String)
	}
	server.CreatedAt = parseTime(createdAt)
	server.UpdatedAt = parseTime(updatedAt)
	return &server, nil
}

// ListServers lists servers matching the filter.
func (b *Backend) ListServers(ctx context.Context, filter store.ServerFilter) ([]*store.Server, error) {
	query := selectServers + " WHERE 1=1"
	args := []any{}

	if filter.ServiceName != "" {
		query += " AND service_name = ?"
		args = append(args, filter.ServiceName)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if !filter.PingBefore.IsZero() {
		query += " AND ping_time < ?"
		args = append(args, formatTime(filter.PingBefore))
	}

	query += " ORDER BY id"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*store.Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// PingServer advances a server's heartbeat timestamp.
func (b *Backend) PingServer(ctx context.Context, id string, at time.Time) error {
	result, err := b.db.ExecContext(ctx,
		"UPDATE servers SET ping_time = ?, updated_at = ? WHERE id = ?",
		formatTime(at), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to ping server: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &aflerrors.NotFoundError{Entity: "server", ID: id}
	}
	return nil
}

// AppendLog appends a log record, assigning an ID and the runner's next
// order number when unset.
func (b *Backend) AppendLog(ctx context.Context, record *store.LogRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Time.IsZero() {
		record.Time = time.Now()
	}

	if record.Order > 0 {
		_, err := b.db.ExecContext(ctx,
			"INSERT INTO logs (id, runner_id, step_id, log_order, level, message, time) VALUES (?, ?, ?, ?, ?, ?, ?)",
			record.ID, record.RunnerID, nullString(record.StepID), record.Order,
			nullString(record.Level), record.Message, formatTime(record.Time),
		)
		if err != nil {
			return fmt.Errorf("failed to append log: %w", err)
		}
		return nil
	}

	// Assign the next per-runner order inside the insert so concurrent
	// appenders cannot take the same slot.
	query := `
		INSERT INTO logs (id, runner_id, step_id, log_order, level, message, time)
		VALUES (?, ?, ?,
			COALESCE((SELECT MAX(log_order) FROM logs WHERE runner_id = ?), 0) + 1,
			?, ?, ?)
	`
	_, err := b.db.ExecContext(ctx, query,
		record.ID, record.RunnerID, nullString(record.StepID), record.RunnerID,
		nullString(record.Level), record.Message, formatTime(record.Time),
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}

	err = b.db.QueryRowContext(ctx, "SELECT log_order FROM logs WHERE id = ?", record.ID).Scan(&record.Order)
	if err != nil {
		return fmt.Errorf("failed to read log order: %w", err)
	}
	return nil
}

// ListLogs lists log records matching the filter, ordered by Order then
// Time.
func (b *Backend) ListLogs(ctx context.Context, filter store.LogFilter) ([]*store.LogRecord, error) {
	query := "SELECT id, runner_id, step_id, log_order, level, message, time FROM logs WHERE 1=1"
	args := []any{}

	if filter.RunnerID != "" {
		query += " AND runner_id = ?"
		args = append(args, filter.RunnerID)
	}
	if filter.StepID != "" {
		query += " AND step_id = ?"
		args = append(args, filter.StepID)
	}

	query += " ORDER BY log_order, time"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var records []*store.LogRecord
	for rows.Next() {
		var record store.LogRecord
		var stepID, level sql.NullString
		var at string

		if err := rows.Scan(&record.ID, &record.RunnerID, &stepID, &record.Order, &level, &record.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		record.StepID = stepID.String
		record.Level = level.String
		record.Time = parseTime(at)
		records = append(records, &record)
	}
	return records, rows.Err()
}

// AcquireLock attempts to take the lease for key. The upsert only fires
// when the existing lease has lapsed, so acquisition is atomic.
func (b *Backend) AcquireLock(ctx context.Context, key string, ttl time.Duration, meta map[string]string) (bool, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("failed to marshal meta: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO locks (key, acquired_at, expires_at, meta)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at,
			meta = excluded.meta
		WHERE locks.expires_at < ?
	`
	result, err := b.db.ExecContext(ctx, query,
		key, formatTime(now), formatTime(now.Add(ttl)), string(metaJSON), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ReleaseLock releases the lease for key.
func (b *Backend) ReleaseLock(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM locks WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// CheckLock returns the current lease for key, or nil when free or
// expired.
func (b *Backend) CheckLock(ctx context.Context, key string) (*store.Lock, error) {
	var lock store.Lock
	var acquiredAt, expiresAt string
	var metaJSON sql.NullString

	err := b.db.QueryRowContext(ctx,
		"SELECT key, acquired_at, expires_at, meta FROM locks WHERE key = ?", key).
		Scan(&lock.Key, &acquiredAt, &expiresAt, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check lock: %w", err)
	}

	lock.AcquiredAt = parseTime(acquiredAt)
	lock.ExpiresAt = parseTime(expiresAt)
	if lock.Expired(time.Now()) {
		return nil, nil
	}
	if metaJSON.Valid && metaJSON.String != "" {
		json.Unmarshal([]byte(metaJSON.String), &lock.Meta)
	}
	return &lock, nil
}

// ExtendLock extends a held lease by ttl from now.
func (b *Backend) ExtendLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := b.db.ExecContext(ctx,
		"UPDATE locks SET expires_at = ? WHERE key = ? AND expires_at >= ?",
		formatTime(now.Add(ttl)), key, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// Commit applies the change set in a single transaction. Any failure,
// including a uniqueness violation or a stale step version, rolls the
// whole batch back.
func (b *Backend) Commit(ctx context.Context, changes *store.Changes) error {
	if changes == nil || changes.Empty() {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, step := range changes.CreatedSteps {
		if err := b.saveStep(ctx, tx, step); err != nil {
			return err
		}
	}
	for _, step := range changes.UpdatedSteps {
		if err := b.updateStepGuarded(ctx, tx, step); err != nil {
			return err
		}
	}
	for _, event := range changes.CreatedEvents {
		if err := b.saveEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	for _, event := range changes.UpdatedEvents {
		if err := b.saveEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	for _, task := range changes.CreatedTasks {
		if err := b.saveTask(ctx, tx, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	// Only now is the bump durable; advancing earlier would poison a
	// retry of the same change set.
	for _, step := range changes.UpdatedSteps {
		step.Version++
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

// isConstraintErr reports whether err is a SQLite constraint violation.
func isConstraintErr(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqliteConstraintCode
	}
	return false
}

// placeholders returns n comma-separated "?" markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// formatTime converts a time.Time to the canonical column format.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatTimePtr converts a *time.Time to a column value or nil.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a canonical column timestamp.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// boolInt converts a bool to its integer column value.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
