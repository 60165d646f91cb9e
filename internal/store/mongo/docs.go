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

package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/agentflow/agentflow/internal/store"
)

// Document shapes. _id carries the entity ID; omitempty keeps optional
// fields out of the document so the partial indexes only see fields that
// are actually set.

type stepDoc struct {
	ID                 string                `bson:"_id"`
	RunnerID           string                `bson:"runner_id"`
	ObjectType         string                `bson:"object_type"`
	State              string                `bson:"state"`
	ContainerID        string                `bson:"container_id,omitempty"`
	BlockID            string                `bson:"block_id,omitempty"`
	RootID             string                `bson:"root_id,omitempty"`
	StatementID        string                `bson:"statement_id,omitempty"`
	StatementName      string                `bson:"statement_name,omitempty"`
	FacetName          string                `bson:"facet_name,omitempty"`
	Attributes         store.FacetAttributes `bson:"attributes"`
	Foreach            *store.ForeachBinding `bson:"foreach,omitempty"`
	Version            int                   `bson:"version"`
	RequestStateChange bool                  `bson:"request_state_change"`
	PushMe             bool                  `bson:"push_me"`
	Error              string                `bson:"error,omitempty"`
	ErrorKind          string                `bson:"error_kind,omitempty"`
	CreatedAt          time.Time             `bson:"created_at"`
	UpdatedAt          time.Time             `bson:"updated_at"`
}

func newStepDoc(s *store.Step, now time.Time) stepDoc {
	return stepDoc{
		ID:                 s.ID,
		RunnerID:           s.RunnerID,
		ObjectType:         string(s.ObjectType),
		State:              s.State,
		ContainerID:        s.ContainerID,
		BlockID:            s.BlockID,
		RootID:             s.RootID,
		StatementID:        s.StatementID,
		StatementName:      s.StatementName,
		FacetName:          s.FacetName,
		Attributes:         s.Attributes,
		Foreach:            s.Foreach,
		Version:            s.Version,
		RequestStateChange: s.RequestStateChange,
		PushMe:             s.PushMe,
		Error:              s.Error,
		ErrorKind:          s.ErrorKind,
		UpdatedAt:          now,
	}
}

func (d stepDoc) toStep() *store.Step {
	return &store.Step{
		ID:                 d.ID,
		RunnerID:           d.RunnerID,
		ObjectType:         store.ObjectType(d.ObjectType),
		State:              d.State,
		ContainerID:        d.ContainerID,
		BlockID:            d.BlockID,
		RootID:             d.RootID,
		StatementID:        d.StatementID,
		StatementName:      d.StatementName,
		FacetName:          d.FacetName,
		Attributes:         d.Attributes,
		Foreach:            d.Foreach,
		Version:            d.Version,
		RequestStateChange: d.RequestStateChange,
		PushMe:             d.PushMe,
		Error:              d.Error,
		ErrorKind:          d.ErrorKind,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

type eventDoc struct {
	ID        string         `bson:"_id"`
	StepID    string         `bson:"step_id"`
	RunnerID  string         `bson:"runner_id"`
	State     string         `bson:"state"`
	EventType string         `bson:"event_type,omitempty"`
	Payload   map[string]any `bson:"payload,omitempty"`
	// Live mirrors !state.Terminal(); the single-live-event index keys
	// on it because a partial filter cannot express "not terminal".
	Live      bool      `bson:"live"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func newEventDoc(e *store.Event, now time.Time) eventDoc {
	return eventDoc{
		ID:        e.ID,
		StepID:    e.StepID,
		RunnerID:  e.RunnerID,
		State:     string(e.State),
		EventType: e.EventType,
		Payload:   e.Payload,
		Live:      !e.State.Terminal(),
		UpdatedAt: now,
	}
}

func (d eventDoc) toEvent() *store.Event {
	return &store.Event{
		ID:        d.ID,
		StepID:    d.StepID,
		RunnerID:  d.RunnerID,
		State:     store.EventState(d.State),
		EventType: d.EventType,
		Payload:   d.Payload,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type taskDoc struct {
	ID         string         `bson:"_id"`
	Name       string         `bson:"name"`
	RunnerID   string         `bson:"runner_id,omitempty"`
	WorkflowID string         `bson:"workflow_id,omitempty"`
	FlowID     string         `bson:"flow_id,omitempty"`
	StepID     string         `bson:"step_id,omitempty"`
	TaskList   string         `bson:"task_list_name"`
	State      string         `bson:"state"`
	DataType   string         `bson:"data_type,omitempty"`
	Data       map[string]any `bson:"data,omitempty"`
	Error      string         `bson:"error,omitempty"`
	ErrorKind  string         `bson:"error_kind,omitempty"`
	ServerID   string         `bson:"server_id,omitempty"`
	CreatedAt  time.Time      `bson:"created_at"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

func newTaskDoc(t *store.Task, now time.Time) taskDoc {
	return taskDoc{
		ID:         t.ID,
		Name:       t.Name,
		RunnerID:   t.RunnerID,
		WorkflowID: t.WorkflowID,
		FlowID:     t.FlowID,
		StepID:     t.StepID,
		TaskList:   t.TaskList,
		State:      string(t.State),
		DataType:   t.DataType,
		Data:       t.Data,
		Error:      t.Error,
		ErrorKind:  t.ErrorKind,
		ServerID:   t.ServerID,
		UpdatedAt:  now,
	}
}

func (d taskDoc) toTask() *store.Task {
	return &store.Task{
		ID:         d.ID,
		Name:       d.Name,
		RunnerID:   d.RunnerID,
		WorkflowID: d.WorkflowID,
		FlowID:     d.FlowID,
		StepID:     d.StepID,
		TaskList:   d.TaskList,
		State:      store.TaskState(d.State),
		DataType:   d.DataType,
		Data:       d.Data,
		Error:      d.Error,
		ErrorKind:  d.ErrorKind,
		ServerID:   d.ServerID,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

type runnerDoc struct {
	ID           string           `bson:"_id"`
	FlowID       string           `bson:"flow_id,omitempty"`
	WorkflowID   string           `bson:"workflow_id,omitempty"`
	WorkflowName string           `bson:"workflow_name,omitempty"`
	Snapshot     []byte           `bson:"snapshot,omitempty"`
	Params       store.Attributes `bson:"params,omitempty"`
	Owner        string           `bson:"owner,omitempty"`
	State        string           `bson:"state"`
	StartTime    *time.Time       `bson:"start_time,omitempty"`
	EndTime      *time.Time       `bson:"end_time,omitempty"`
	DurationMS   int64            `bson:"duration_ms"`
	Error        string           `bson:"error,omitempty"`
	ErrorKind    string           `bson:"error_kind,omitempty"`
	CreatedAt    time.Time        `bson:"created_at"`
	UpdatedAt    time.Time        `bson:"updated_at"`
}

func newRunnerDoc(r *store.Runner, now time.Time) runnerDoc {
	return runnerDoc{
		ID:           r.ID,
		FlowID:       r.FlowID,
		WorkflowID:   r.WorkflowID,
		WorkflowName: r.WorkflowName,
		Snapshot:     r.Snapshot,
		Params:       r.Params,
		Owner:        r.Owner,
		State:        string(r.State),
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		DurationMS:   r.DurationMS,
		Error:        r.Error,
		ErrorKind:    r.ErrorKind,
		UpdatedAt:    now,
	}
}

func (d runnerDoc) toRunner() *store.Runner {
	return &store.Runner{
		ID:           d.ID,
		FlowID:       d.FlowID,
		WorkflowID:   d.WorkflowID,
		WorkflowName: d.WorkflowName,
		Snapshot:     d.Snapshot,
		Params:       d.Params,
		Owner:        d.Owner,
		State:        store.RunnerState(d.State),
		StartTime:    d.StartTime,
		EndTime:      d.EndTime,
		DurationMS:   d.DurationMS,
		Error:        d.Error,
		ErrorKind:    d.ErrorKind,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type flowDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Path      string    `bson:"path,omitempty"`
	Source    []byte    `bson:"source,omitempty"`
	Compiled  []byte    `bson:"compiled"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func newFlowDoc(f *store.Flow, now time.Time) flowDoc {
	return flowDoc{
		ID:        f.ID,
		Name:      f.Name,
		Path:      f.Path,
		Source:    f.Source,
		Compiled:  f.Compiled,
		UpdatedAt: now,
	}
}

func (d flowDoc) toFlow() *store.Flow {
	return &store.Flow{
		ID:        d.ID,
		Name:      d.Name,
		Path:      d.Path,
		Source:    d.Source,
		Compiled:  d.Compiled,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type workflowDoc struct {
	ID        string    `bson:"_id"`
	FlowID    string    `bson:"flow_id"`
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d workflowDoc) toWorkflow() *store.Workflow {
	return &store.Workflow{
		ID:        d.ID,
		FlowID:    d.FlowID,
		Name:      d.Name,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type registrationDoc struct {
	FacetName    string            `bson:"_id"`
	ModuleURI    string            `bson:"module_uri"`
	Entrypoint   string            `bson:"entrypoint,omitempty"`
	Version      string            `bson:"version,omitempty"`
	Checksum     string            `bson:"checksum,omitempty"`
	TimeoutMS    int64             `bson:"timeout_ms"`
	Requirements []string          `bson:"requirements,omitempty"`
	Metadata     map[string]string `bson:"metadata,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	UpdatedAt    time.Time         `bson:"updated_at"`
}

func newRegistrationDoc(r *store.HandlerRegistration, now time.Time) registrationDoc {
	return registrationDoc{
		FacetName:    r.FacetName,
		ModuleURI:    r.ModuleURI,
		Entrypoint:   r.Entrypoint,
		Version:      r.Version,
		Checksum:     r.Checksum,
		TimeoutMS:    r.TimeoutMS,
		Requirements: r.Requirements,
		Metadata:     r.Metadata,
		UpdatedAt:    now,
	}
}

func (d registrationDoc) toRegistration() *store.HandlerRegistration {
	return &store.HandlerRegistration{
		FacetName:    d.FacetName,
		ModuleURI:    d.ModuleURI,
		Entrypoint:   d.Entrypoint,
		Version:      d.Version,
		Checksum:     d.Checksum,
		TimeoutMS:    d.TimeoutMS,
		Requirements: d.Requirements,
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type serverDoc struct {
	ID          string           `bson:"_id"`
	ServerGroup string           `bson:"server_group,omitempty"`
	ServiceName string           `bson:"service_name"`
	Hostname    string           `bson:"hostname,omitempty"`
	IPs         []string         `bson:"ips,omitempty"`
	StartTime   time.Time        `bson:"start_time"`
	PingTime    time.Time        `bson:"ping_time"`
	State       string           `bson:"state"`
	Topics      []string         `bson:"topics,omitempty"`
	Handlers    []string         `bson:"handlers,omitempty"`
	Handled     map[string]int64 `bson:"handled,omitempty"`
	CreatedAt   time.Time        `bson:"created_at"`
	UpdatedAt   time.Time        `bson:"updated_at"`
}

func newServerDoc(s *store.Server, now time.Time) serverDoc {
	return serverDoc{
		ID:          s.ID,
		ServerGroup: s.ServerGroup,
		ServiceName: s.ServiceName,
		Hostname:    s.Hostname,
		IPs:         s.IPs,
		StartTime:   s.StartTime,
		PingTime:    s.PingTime,
		State:       string(s.State),
		Topics:      s.Topics,
		Handlers:    s.Handlers,
		Handled:     s.Handled,
		UpdatedAt:   now,
	}
}

func (d serverDoc) toServer() *store.Server {
	return &store.Server{
		ID:          d.ID,
		ServerGroup: d.ServerGroup,
		ServiceName: d.ServiceName,
		Hostname:    d.Hostname,
		IPs:         d.IPs,
		StartTime:   d.StartTime,
		PingTime:    d.PingTime,
		State:       store.ServerState(d.State),
		Topics:      d.Topics,
		Handlers:    d.Handlers,
		Handled:     d.Handled,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type logDoc struct {
	ID       string    `bson:"_id"`
	RunnerID string    `bson:"runner_id"`
	StepID   string    `bson:"step_id,omitempty"`
	Order    int64     `bson:"log_order"`
	Level    string    `bson:"level,omitempty"`
	Message  string    `bson:"message"`
	Time     time.Time `bson:"time"`
}

type lockDoc struct {
	Key        string            `bson:"_id"`
	AcquiredAt time.Time         `bson:"acquired_at"`
	ExpiresAt  time.Time         `bson:"expires_at"`
	Meta       map[string]string `bson:"meta,omitempty"`
}

func (d lockDoc) toLock() *store.Lock {
	return &store.Lock{
		Key:        d.Key,
		AcquiredAt: d.AcquiredAt,
		ExpiresAt:  d.ExpiresAt,
		Meta:       d.Meta,
	}
}

// setFields marshals a document into the $set payload for an upsert,
// dropping _id and created_at so the update cannot rewrite either.
func setFields(doc any) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "_id")
	delete(m, "created_at")
	return m, nil
}
