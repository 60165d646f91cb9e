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

package store

import "time"

// ObjectType identifies which program construct a step materializes.
// It selects the transition table the step advances through.
type ObjectType string

const (
	ObjectVariableAssignment  ObjectType = "VariableAssignment"
	ObjectYieldAssignment     ObjectType = "YieldAssignment"
	ObjectAndThen             ObjectType = "AndThen"
	ObjectAndMap              ObjectType = "AndMap"
	ObjectAndMatch            ObjectType = "AndMatch"
	ObjectBlock               ObjectType = "Block"
	ObjectWorkflow            ObjectType = "Workflow"
	ObjectSchemaInstantiation ObjectType = "SchemaInstantiation"
)

// IsBlock reports whether the object type is a block construct. Block
// steps advance through the block transition table; everything else uses
// a statement-shaped table.
func (o ObjectType) IsBlock() bool {
	switch o {
	case ObjectAndThen, ObjectAndMap, ObjectAndMatch, ObjectBlock:
		return true
	default:
		return false
	}
}

// Step state names. Persisted as-is; the transition tables in
// internal/step define their ordering per object type.
const (
	StateCreated                 = "Created"
	StateFacetInitBegin          = "FacetInitBegin"
	StateFacetInitEnd            = "FacetInitEnd"
	StateFacetScriptsBegin       = "FacetScriptsBegin"
	StateFacetScriptsEnd         = "FacetScriptsEnd"
	StateMixinBlocksBegin        = "MixinBlocksBegin"
	StateMixinBlocksContinue     = "MixinBlocksContinue"
	StateMixinBlocksEnd          = "MixinBlocksEnd"
	StateMixinCaptureBegin       = "MixinCaptureBegin"
	StateMixinCaptureEnd         = "MixinCaptureEnd"
	StateEventTransmit           = "EventTransmit"
	StateStatementBlocksBegin    = "StatementBlocksBegin"
	StateStatementBlocksContinue = "StatementBlocksContinue"
	StateStatementBlocksEnd      = "StatementBlocksEnd"
	StateStatementCaptureBegin   = "StatementCaptureBegin"
	StateStatementCaptureEnd     = "StatementCaptureEnd"
	StateStatementEnd            = "StatementEnd"
	StateStatementComplete       = "StatementComplete"
	StateStatementError          = "StatementError"
	StateBlockExecutionBegin     = "BlockExecutionBegin"
	StateBlockExecutionContinue  = "BlockExecutionContinue"
	StateBlockExecutionEnd       = "BlockExecutionEnd"
)

// TerminalState reports whether a step state is absorbing.
func TerminalState(state string) bool {
	return state == StateStatementComplete || state == StateStatementError
}

// Attribute is one named parameter or return value carried by a step.
type Attribute struct {
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Attributes maps attribute names to values.
type Attributes map[string]Attribute

// Values flattens the attribute map to name -> value, dropping type hints.
// Task payloads and expression scopes consume this form.
func (a Attributes) Values() map[string]any {
	if a == nil {
		return nil
	}
	out := make(map[string]any, len(a))
	for name, attr := range a {
		out[name] = attr.Value
	}
	return out
}

// AttributesOf lifts a plain value map into untyped attributes, the
// inverse of Values. Execute inputs arrive in this form.
func AttributesOf(values map[string]any) Attributes {
	if values == nil {
		return nil
	}
	out := make(Attributes, len(values))
	for name, v := range values {
		out[name] = Attribute{Value: v}
	}
	return out
}

// FacetAttributes carries a step's evaluated parameters and returns.
type FacetAttributes struct {
	Params  Attributes `json:"params,omitempty"`
	Returns Attributes `json:"returns,omitempty"`
}

// ForeachBinding records the loop variable bound for one mapping-block
// child: the variable name, the element index, and the element value.
type ForeachBinding struct {
	Var   string `json:"var"`
	Index int    `json:"index"`
	Value any    `json:"value"`
}

// Step is the runtime materialization of exactly one statement or block
// in a running workflow.
//
// At most one step exists per (statement_id, block_id) pair; that key
// makes re-entry idempotent. Terminal states are absorbing.
type Step struct {
	ID            string          `json:"id"`
	RunnerID      string          `json:"runner_id"`
	ObjectType    ObjectType      `json:"object_type"`
	State         string          `json:"state"`
	ContainerID   string          `json:"container_id,omitempty"`
	BlockID       string          `json:"block_id,omitempty"`
	RootID        string          `json:"root_id,omitempty"`
	StatementID   string          `json:"statement_id,omitempty"`
	StatementName string          `json:"statement_name,omitempty"`
	FacetName     string          `json:"facet_name,omitempty"`
	Attributes    FacetAttributes `json:"attributes"`
	Foreach       *ForeachBinding `json:"foreach,omitempty"`

	// Version is the optimistic-concurrency token. Commit writes an
	// updated step only while the stored version still matches the one
	// the caller read, then bumps it by one; see Committer.
	Version int `json:"version"`

	// RequestStateChange asks the evaluator to advance this step one
	// state on the next pass; PushMe asks for re-entry within the same
	// iteration. The evaluator clears PushMe when building its working
	// set.
	RequestStateChange bool `json:"request_state_change,omitempty"`
	PushMe             bool `json:"push_me,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the step has reached an absorbing state.
func (s *Step) Terminal() bool {
	return TerminalState(s.State)
}

// IsBlock reports whether the step advances through the block table.
func (s *Step) IsBlock() bool {
	return s.ObjectType.IsBlock()
}

// Param returns the value of a named parameter and whether it is set.
func (s *Step) Param(name string) (any, bool) {
	attr, ok := s.Attributes.Params[name]
	if !ok {
		return nil, false
	}
	return attr.Value, true
}

// Return returns the value of a named return attribute and whether it is
// set.
func (s *Step) Return(name string) (any, bool) {
	attr, ok := s.Attributes.Returns[name]
	if !ok {
		return nil, false
	}
	return attr.Value, true
}

// SetParam records an evaluated parameter on the step.
func (s *Step) SetParam(name string, value any, typeHint string) {
	if s.Attributes.Params == nil {
		s.Attributes.Params = make(Attributes)
	}
	s.Attributes.Params[name] = Attribute{Value: value, Type: typeHint}
}

// SetReturn records a return attribute on the step.
func (s *Step) SetReturn(name string, value any, typeHint string) {
	if s.Attributes.Returns == nil {
		s.Attributes.Returns = make(Attributes)
	}
	s.Attributes.Returns[name] = Attribute{Value: value, Type: typeHint}
}

// EventState is the lifecycle state of an external-dispatch event.
type EventState string

const (
	EventCreated    EventState = "Created"
	EventDispatched EventState = "Dispatched"
	EventProcessing EventState = "Processing"
	EventCompleted  EventState = "Completed"
	EventError      EventState = "Error"
)

// Terminal reports whether the event state is final.
func (s EventState) Terminal() bool {
	return s == EventCompleted || s == EventError
}

// Event is a durable record that a step with an event facet is awaiting
// external dispatch. At most one event per step may be non-terminal.
type Event struct {
	ID        string         `json:"id"`
	StepID    string         `json:"step_id"`
	RunnerID  string         `json:"runner_id"`
	State     EventState     `json:"state"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskState is the lifecycle state of a queued task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskIgnored   TaskState = "ignored"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the task state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskIgnored, TaskCancelled:
		return true
	default:
		return false
	}
}

// Reserved task names for runtime control tasks.
const (
	TaskNameExecute = "afl:execute"
	TaskNameResume  = "afl:resume"
)

// DefaultTaskList is the routing channel used when none is configured.
const DefaultTaskList = "default"

// Task payload keys. These are wire-level: external publishers and
// subprocess handlers read them by name.
const (
	DataKeyFlowID       = "flow_id"
	DataKeyWorkflowID   = "workflow_id"
	DataKeyWorkflowName = "workflow_name"
	DataKeyInputs       = "inputs"
	DataKeyFacetName    = "_facet_name"
	// DataKeyStatus records the execution status on a finished control
	// task.
	DataKeyStatus = "status"
)

// Task is an item in the work queue, claimable by exactly one agent at a
// time. At most one task per step may be running.
type Task struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RunnerID string `json:"runner_id,omitempty"`
	// WorkflowID references the workflow definition (not the runner);
	// it is set on afl:execute tasks before a runner exists.
	WorkflowID string         `json:"workflow_id,omitempty"`
	FlowID     string         `json:"flow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	TaskList   string         `json:"task_list_name"`
	State      TaskState      `json:"state"`
	DataType   string         `json:"data_type,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	// ServerID records the claimant while the task is running.
	ServerID  string    `json:"server_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunnerState is the lifecycle state of a workflow execution instance.
type RunnerState string

const (
	RunnerCreated   RunnerState = "created"
	RunnerRunning   RunnerState = "running"
	RunnerPaused    RunnerState = "paused"
	RunnerCompleted RunnerState = "completed"
	RunnerFailed    RunnerState = "failed"
	RunnerCancelled RunnerState = "cancelled"
)

// Terminal reports whether the runner state is final.
func (s RunnerState) Terminal() bool {
	switch s {
	case RunnerCompleted, RunnerFailed, RunnerCancelled:
		return true
	default:
		return false
	}
}

// Runner is one execution instance of one workflow. It owns a tree of
// steps rooted at its root step. Only the evaluator mutates a runner
// after creation.
type Runner struct {
	ID           string `json:"id"`
	FlowID       string `json:"flow_id"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	// Snapshot is the compiled flow document captured at execute time,
	// so resume does not depend on the flow record still existing.
	Snapshot  []byte      `json:"snapshot,omitempty"`
	Params    Attributes  `json:"params,omitempty"`
	Owner     string      `json:"owner,omitempty"`
	State     RunnerState `json:"state"`
	StartTime *time.Time  `json:"start_time,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	// DurationMS is set when the runner reaches a terminal state.
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Flow is a compiled program: the unit of publication. Read-only after
// creation; deletable.
type Flow struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Source []byte `json:"source,omitempty"`
	// Compiled is the canonical compiled document; parsing it recovers
	// the program tree.
	Compiled  []byte    `json:"compiled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Workflow indexes one top-level workflow definition inside a flow.
// Read-only after compile.
type Workflow struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flow_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HandlerRegistration advertises that some handler can execute a facet.
// Registry-wide: keyed by facet name, shared by all agents.
type HandlerRegistration struct {
	FacetName    string            `json:"facet_name"`
	ModuleURI    string            `json:"module_uri"`
	Entrypoint   string            `json:"entrypoint,omitempty"`
	Version      string            `json:"version,omitempty"`
	Checksum     string            `json:"checksum,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`
	Requirements []string          `json:"requirements,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ServerState is the lifecycle state of a worker process.
type ServerState string

const (
	ServerStartup  ServerState = "startup"
	ServerRunning  ServerState = "running"
	ServerShutdown ServerState = "shutdown"
	ServerError    ServerState = "error"
)

// Server is a live worker process. Its heartbeat advances PingTime; a
// ping older than the staleness threshold implies failure.
type Server struct {
	ID          string           `json:"id"`
	ServerGroup string           `json:"server_group,omitempty"`
	ServiceName string           `json:"service_name"`
	Hostname    string           `json:"hostname,omitempty"`
	IPs         []string         `json:"ips,omitempty"`
	StartTime   time.Time        `json:"start_time"`
	PingTime    time.Time        `json:"ping_time"`
	State       ServerState      `json:"state"`
	Topics      []string         `json:"topics,omitempty"`
	Handlers    []string         `json:"handlers,omitempty"`
	Handled     map[string]int64 `json:"handled,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// LogRecord is one append-only diagnostic entry for a runner, optionally
// scoped to a step. Ordered by the explicit Order field, then Time.
type LogRecord struct {
	ID       string    `json:"id"`
	RunnerID string    `json:"runner_id"`
	StepID   string    `json:"step_id,omitempty"`
	Order    int64     `json:"order"`
	Level    string    `json:"level,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Lock is a key-leased mutex used for coarse coordination, such as
// pinning a runner to one evaluating process.
type Lock struct {
	Key        string            `json:"key"`
	AcquiredAt time.Time         `json:"acquired_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
