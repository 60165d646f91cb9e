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

// Package store defines the persistence port for the AgentFlow runtime.
//
// # Interface Hierarchy
//
// The port is segregated so components can declare minimal requirements:
//
//   - StepStore / EventStore / TaskStore: evaluator and agent surface
//   - RunnerStore / FlowStore / WorkflowStore: execution bookkeeping
//   - RegistrationStore / ServerStore / LogStore: worker coordination
//   - LockStore: key-leased mutexes
//   - Committer: atomic application of one iteration's changes
//
// The Store interface composes all of these plus io.Closer. The evaluator
// must access storage exclusively through this port; backends may be
// memory-backed (tests), sqlite-backed (single host), or mongo-backed
// (distributed).
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrConstraintViolation is returned (wrapped) when a save or commit
// would violate a uniqueness contract: one running task per step, one
// non-terminal event per step, one step per (statement_id, block_id).
var ErrConstraintViolation = errors.New("store: constraint violation")

// ErrStaleVersion is returned (wrapped) when a commit finds that an
// updated step was modified since the caller read it. The change set
// is based on stale state; the caller must reload and rebuild it.
var ErrStaleVersion = errors.New("store: step version is stale")

// StepStore persists step records.
type StepStore interface {
	// GetStep retrieves a step by ID.
	GetStep(ctx context.Context, id string) (*Step, error)

	// SaveStep upserts a step keyed by its ID.
	SaveStep(ctx context.Context, step *Step) error

	// ListSteps lists steps matching the filter.
	ListSteps(ctx context.Context, filter StepFilter) ([]*Step, error)

	// GetRootStep retrieves the workflow root step for a runner.
	GetRootStep(ctx context.Context, runnerID string) (*Step, error)

	// StepExists reports whether a step exists for the idempotency key
	// (statement_id, block_id).
	StepExists(ctx context.Context, statementID, blockID string) (bool, error)
}

// StepFilter selects steps. Zero-valued fields are ignored.
type StepFilter struct {
	RunnerID    string
	BlockID     string
	ContainerID string
	State       string

	// NonTerminal restricts results to steps whose state is not
	// absorbing. Used to build the evaluator working set.
	NonTerminal bool
}

// EventStore persists external-dispatch events.
type EventStore interface {
	// GetEvent retrieves an event by ID.
	GetEvent(ctx context.Context, id string) (*Event, error)

	// SaveEvent upserts an event keyed by its ID.
	SaveEvent(ctx context.Context, event *Event) error

	// ListEvents lists all events for a runner.
	ListEvents(ctx context.Context, runnerID string) ([]*Event, error)
}

// TaskStore persists queue tasks and implements the atomic claim.
type TaskStore interface {
	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*Task, error)

	// SaveTask upserts a task keyed by its ID.
	SaveTask(ctx context.Context, task *Task) error

	// ListTasks lists tasks matching the filter.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// ClaimTask atomically transitions the oldest pending task whose
	// name is in names and whose task list matches from pending to
	// running, recording serverID as the claimant. Returns (nil, nil)
	// when no task matches. At most one concurrent caller wins any
	// given task.
	ClaimTask(ctx context.Context, names []string, taskList, serverID string) (*Task, error)

	// UpdateTaskState transitions a task to the given state,
	// recording an error message when the state is a failure.
	UpdateTaskState(ctx context.Context, id string, state TaskState, errMsg string) error
}

// TaskFilter selects tasks. Zero-valued fields are ignored.
type TaskFilter struct {
	RunnerID string
	StepID   string
	Name     string
	TaskList string
	State    TaskState
	Limit    int
}

// RunnerStore persists workflow execution instances.
type RunnerStore interface {
	// GetRunner retrieves a runner by ID.
	GetRunner(ctx context.Context, id string) (*Runner, error)

	// SaveRunner upserts a runner keyed by its ID.
	SaveRunner(ctx context.Context, runner *Runner) error

	// ListRunners lists runners matching the filter.
	ListRunners(ctx context.Context, filter RunnerFilter) ([]*Runner, error)
}

// RunnerFilter selects runners. Zero-valued fields are ignored.
type RunnerFilter struct {
	State        RunnerState
	WorkflowName string
	Limit        int
}

// FlowStore persists compiled programs.
type FlowStore interface {
	// GetFlow retrieves a flow by ID.
	GetFlow(ctx context.Context, id string) (*Flow, error)

	// GetFlowByName retrieves the most recently published flow with the
	// given name.
	GetFlowByName(ctx context.Context, name string) (*Flow, error)

	// SaveFlow upserts a flow keyed by its ID.
	SaveFlow(ctx context.Context, flow *Flow) error

	// ListFlows lists all flows.
	ListFlows(ctx context.Context) ([]*Flow, error)

	// DeleteFlow deletes a flow by ID.
	DeleteFlow(ctx context.Context, id string) error
}

// WorkflowStore persists the workflow definition index.
type WorkflowStore interface {
	// GetWorkflow retrieves a workflow definition by ID.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetWorkflowByName retrieves a workflow definition by qualified
	// name.
	GetWorkflowByName(ctx context.Context, name string) (*Workflow, error)

	// SaveWorkflow upserts a workflow definition keyed by its ID.
	SaveWorkflow(ctx context.Context, workflow *Workflow) error

	// ListWorkflows lists workflow definitions, optionally scoped to a
	// flow.
	ListWorkflows(ctx context.Context, flowID string) ([]*Workflow, error)
}

// RegistrationStore persists the handler registry.
type RegistrationStore interface {
	// GetRegistration retrieves a registration by facet name.
	GetRegistration(ctx context.Context, facetName string) (*HandlerRegistration, error)

	// SaveRegistration upserts a registration keyed by facet name.
	SaveRegistration(ctx context.Context, reg *HandlerRegistration) error

	// ListRegistrations lists all registrations.
	ListRegistrations(ctx context.Context) ([]*HandlerRegistration, error)

	// DeleteRegistration removes a registration by facet name.
	DeleteRegistration(ctx context.Context, facetName string) error
}

// ServerStore persists live worker records.
type ServerStore interface {
	// GetServer retrieves a server by ID.
	GetServer(ctx context.Context, id string) (*Server, error)

	// SaveServer upserts a server keyed by its ID.
	SaveServer(ctx context.Context, server *Server) error

	// ListServers lists servers matching the filter.
	ListServers(ctx context.Context, filter ServerFilter) ([]*Server, error)

	// PingServer advances a server's heartbeat timestamp.
	PingServer(ctx context.Context, id string, at time.Time) error
}

// ServerFilter selects servers. Zero-valued fields are ignored.
type ServerFilter struct {
	ServiceName string
	State       ServerState

	// PingBefore selects servers whose last heartbeat is older than the
	// given instant. Used to detect stale workers.
	PingBefore time.Time
}

// LogStore persists append-only diagnostic records.
type LogStore interface {
	// AppendLog appends a log record, assigning an ID and the runner's
	// next order number when unset.
	AppendLog(ctx context.Context, record *LogRecord) error

	// ListLogs lists log records matching the filter, ordered by Order
	// then Time.
	ListLogs(ctx context.Context, filter LogFilter) ([]*LogRecord, error)
}

// LogFilter selects log records. Zero-valued fields are ignored.
type LogFilter struct {
	RunnerID string
	StepID   string
	Limit    int
}

// LockStore provides key-leased mutexes.
type LockStore interface {
	// AcquireLock attempts to take the lease for key. Returns true when
	// the lease was granted; false when another holder has it.
	AcquireLock(ctx context.Context, key string, ttl time.Duration, meta map[string]string) (bool, error)

	// ReleaseLock releases the lease for key. Releasing an unheld key
	// is not an error.
	ReleaseLock(ctx context.Context, key string) error

	// CheckLock returns the current lease for key, or nil when free or
	// expired.
	CheckLock(ctx context.Context, key string) (*Lock, error)

	// ExtendLock extends a held lease by ttl from now. Returns false
	// when the lease is not held.
	ExtendLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Committer applies one iteration's accumulated changes atomically.
type Committer interface {
	// Commit applies the change set all-or-nothing. Each updated step
	// is written only if its stored version still matches the version
	// the caller read; on success versions are bumped by one, and a
	// mismatch anywhere rejects the whole batch with ErrStaleVersion.
	// On failure the change set remains valid and may be retried.
	Commit(ctx context.Context, changes *Changes) error
}

// Store is the full persistence port.
type Store interface {
	StepStore
	EventStore
	TaskStore
	RunnerStore
	FlowStore
	WorkflowStore
	RegistrationStore
	ServerStore
	LogStore
	LockStore
	Committer
	io.Closer
}
