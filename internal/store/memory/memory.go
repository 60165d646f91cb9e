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

// Package memory provides an in-memory store implementation.
//
// It carries the same claim, uniqueness, and commit contracts as the
// durable stores, so engine and daemon tests observe production
// semantics. All entities are copied on the way in and out; callers
// never share memory with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is an in-memory storage backend.
type Store struct {
	mu            sync.RWMutex
	steps         map[string]*store.Step
	events        map[string]*store.Event
	tasks         map[string]*store.Task
	runners       map[string]*store.Runner
	flows         map[string]*store.Flow
	workflows     map[string]*store.Workflow
	registrations map[string]*store.HandlerRegistration
	servers       map[string]*store.Server
	logs          []*store.LogRecord
	logOrder      map[string]int64
	locks         map[string]*store.Lock
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		steps:         make(map[string]*store.Step),
		events:        make(map[string]*store.Event),
		tasks:         make(map[string]*store.Task),
		runners:       make(map[string]*store.Runner),
		flows:         make(map[string]*store.Flow),
		workflows:     make(map[string]*store.Workflow),
		registrations: make(map[string]*store.HandlerRegistration),
		servers:       make(map[string]*store.Server),
		logOrder:      make(map[string]int64),
		locks:         make(map[string]*store.Lock),
	}
}

// GetStep retrieves a step by ID.
func (s *Store) GetStep(ctx context.Context, id string) (*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, &aflerrors.NotFoundError{Entity: "step", ID: id}
	}
	return cloneStep(step), nil
}

// SaveStep upserts a step keyed by its ID.
func (s *Store) SaveStep(ctx context.Context, step *store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveStepLocked(step)
}

func (s *Store) saveStepLocked(step *store.Step) error {
	if err := s.checkStepUnique(step); err != nil {
		return err
	}

	now := time.Now()
	c := cloneStep(step)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.steps[c.ID] = c

	step.CreatedAt = c.CreatedAt
	step.UpdatedAt = c.UpdatedAt
	return nil
}

// checkStepUnique enforces the (statement_id, block_id) idempotency key.
func (s *Store) checkStepUnique(step *store.Step) error {
	if step.StatementID == "" {
		return nil
	}
	for _, existing := range s.steps {
		if existing.ID == step.ID {
			continue
		}
		if existing.RunnerID == step.RunnerID &&
			existing.StatementID == step.StatementID &&
			existing.BlockID == step.BlockID {
			return fmt.Errorf("step for statement %s in block %s already exists: %w",
				step.StatementID, step.BlockID, store.ErrConstraintViolation)
		}
	}
	return nil
}

// ListSteps lists steps matching the filter, ordered by creation time
// then ID.
func (s *Store) ListSteps(ctx context.Context, filter store.StepFilter) ([]*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Step
	for _, step := range s.steps {
		if filter.RunnerID != "" && step.RunnerID != filter.RunnerID {
			continue
		}
		if filter.BlockID != "" && step.BlockID != filter.BlockID {
			continue
		}
		if filter.ContainerID != "" && step.ContainerID != filter.ContainerID {
			continue
		}
		if filter.State != "" && step.State != filter.State {
			continue
		}
		if filter.NonTerminal && step.Terminal() {
			continue
		}
		result = append(result, cloneStep(step))
	}

	sortSteps(result)
	return result, nil
}

// GetRootStep retrieves the workflow root step for a runner. The root is
// the runner's single step without a container.
func (s *Store) GetRootStep(ctx context.Context, runnerID string) (*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, step := range s.steps {
		if step.RunnerID == runnerID && step.ContainerID == "" {
			return cloneStep(step), nil
		}
	}
	return nil, &aflerrors.NotFoundError{Entity: "root step", ID: runnerID}
}

// StepExists reports whether a step exists for (statement_id, block_id).
func (s *Store) StepExists(ctx context.Context, statementID, blockID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, step := range s.steps {
		if step.StatementID == statementID && step.BlockID == blockID {
			return true, nil
		}
	}
	return false, nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return nil, &aflerrors.NotFoundError{Entity: "event", ID: id}
	}
	return cloneEvent(event), nil
}

// SaveEvent upserts an event keyed by its ID.
func (s *Store) SaveEvent(ctx context.Context, event *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveEventLocked(event)
}

func (s *Store) saveEventLocked(event *store.Event) error {
	if err := s.checkEventUnique(event); err != nil {
		return err
	}

	now := time.Now()
	c := cloneEvent(event)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.events[c.ID] = c

	event.CreatedAt = c.CreatedAt
	event.UpdatedAt = c.UpdatedAt
	return nil
}

// checkEventUnique enforces one non-terminal event per step.
func (s *Store) checkEventUnique(event *store.Event) error {
	if event.State.Terminal() || event.StepID == "" {
		return nil
	}
	for _, existing := range s.events {
		if existing.ID == event.ID {
			continue
		}
		if existing.StepID == event.StepID && !existing.State.Terminal() {
			return fmt.Errorf("step %s already has a live event: %w",
				event.StepID, store.ErrConstraintViolation)
		}
	}
	return nil
}

// ListEvents lists all events for a runner, ordered by creation time.
func (s *Store) ListEvents(ctx context.Context, runnerID string) ([]*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Event
	for _, event := range s.events {
		if event.RunnerID != runnerID {
			continue
		}
		result = append(result, cloneEvent(event))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, &aflerrors.NotFoundError{Entity: "task", ID: id}
	}
	return cloneTask(task), nil
}

// SaveTask upserts a task keyed by its ID.
func (s *Store) SaveTask(ctx context.Context, task *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveTaskLocked(task)
}

func (s *Store) saveTaskLocked(task *store.Task) error {
	if err := s.checkTaskUnique(task); err != nil {
		return err
	}

	now := time.Now()
	c := cloneTask(task)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.tasks[c.ID] = c

	task.CreatedAt = c.CreatedAt
	task.UpdatedAt = c.UpdatedAt
	return nil
}

// checkTaskUnique enforces one running task per step.
func (s *Store) checkTaskUnique(task *store.Task) error {
	if task.State != store.TaskRunning || task.StepID == "" {
		return nil
	}
	for _, existing := range s.tasks {
		if existing.ID == task.ID {
			continue
		}
		if existing.StepID == task.StepID && existing.State == store.TaskRunning {
			return fmt.Errorf("step %s already has a running task: %w",
				task.StepID, store.ErrConstraintViolation)
		}
	}
	return nil
}

// ListTasks lists tasks matching the filter, ordered by creation time
// then ID.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Task
	for _, task := range s.tasks {
		if filter.RunnerID != "" && task.RunnerID != filter.RunnerID {
			continue
		}
		if filter.StepID != "" && task.StepID != filter.StepID {
			continue
		}
		if filter.Name != "" && task.Name != filter.Name {
			continue
		}
		if filter.TaskList != "" && task.TaskList != filter.TaskList {
			continue
		}
		if filter.State != "" && task.State != filter.State {
			continue
		}
		result = append(result, cloneTask(task))
	}

	sortTasks(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ClaimTask atomically claims the oldest matching pending task. The
// whole scan-and-transition runs under the write lock, so concurrent
// claimants serialize and exactly one wins any given task.
func (s *Store) ClaimTask(ctx context.Context, names []string, taskList, serverID string) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}

	var candidates []*store.Task
	for _, task := range s.tasks {
		if task.State != store.TaskPending {
			continue
		}
		if taskList != "" && task.TaskList != taskList {
			continue
		}
		if len(nameSet) > 0 {
			if _, ok := nameSet[task.Name]; !ok {
				continue
			}
		}
		candidates = append(candidates, task)
	}
	sortTasks(candidates)

	for _, task := range candidates {
		// A live task for the same step blocks the claim, preserving
		// the one-running-task-per-step contract.
		if task.StepID != "" && s.hasRunningTaskForStep(task.StepID) {
			continue
		}
		task.State = store.TaskRunning
		task.ServerID = serverID
		task.UpdatedAt = time.Now()
		return cloneTask(task), nil
	}
	return nil, nil
}

func (s *Store) hasRunningTaskForStep(stepID string) bool {
	for _, t := range s.tasks {
		if t.StepID == stepID && t.State == store.TaskRunning {
			return true
		}
	}
	return false
}

// UpdateTaskState transitions a task to the given state.
func (s *Store) UpdateTaskState(ctx context.Context, id string, state store.TaskState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return &aflerrors.NotFoundError{Entity: "task", ID: id}
	}
	task.State = state
	task.Error = errMsg
	task.UpdatedAt = time.Now()
	return nil
}

// GetRunner retrieves a runner by ID.
func (s *Store) GetRunner(ctx context.Context, id string) (*store.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runner, ok := s.runners[id]
	if !ok {
		return nil, &aflerrors.NotFoundError{Entity: "runner", ID: id}
	}
	return cloneRunner(runner), nil
}

// SaveRunner upserts a runner keyed by its ID.
func (s *Store) SaveRunner(ctx context.Context, runner *store.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := cloneRunner(runner)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.runners[c.ID] = c

	runner.CreatedAt = c.CreatedAt
	runner.UpdatedAt = c.UpdatedAt
	return nil
}

// ListRunners lists runners matching the filter, newest first.
func (s *Store) ListRunners(ctx context.Context, filter store.RunnerFilter) ([]*store.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Runner
	for _, runner := range s.runners {
		if filter.State != "" && runner.State != filter.State {
			continue
		}
		if filter.WorkflowName != "" && runner.WorkflowName != filter.WorkflowName {
			continue
		}
		result = append(result, cloneRunner(runner))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// GetFlow retrieves a flow by ID.
func (s *Store) GetFlow(ctx context.Context, id string) (*store.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, &aflerrors.NotFoundError{Entity: "flow", ID: id}
	}
	return cloneFlow(flow), nil
}

// GetFlowByName retrieves the most recently published flow with the
// given name.
func (s *Store) GetFlowByName(ctx context.Context, name string) (*store.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *store.Flow
	for _, flow := range s.flows {
		if flow.Name != name {
			continue
		}
		if newest == nil || flow.CreatedAt.After(newest.CreatedAt) {
			newest = flow
		}
	}
	if newest == nil {
		return nil, &aflerrors.NotFoundError{Entity: "flow", ID: name}
	}
	return cloneFlow(newest), nil
}

// SaveFlow upserts a flow keyed by its ID.
func (s *Store) SaveFlow(ctx context.Context, flow *store.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := cloneFlow(flow)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.flows[c.ID] = c

	flow.CreatedAt = c.CreatedAt
	flow.UpdatedAt = c.UpdatedAt
	return nil
}

// ListFlows lists all flows, newest first.
func (s *Store) ListFlows(ctx context.Context) ([]*store.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Flow, 0, len(s.flows))
	for _, flow := range s.flows {
		result = append(result, cloneFlow(flow))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// DeleteFlow deletes a flow by ID.
func (s *Store) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flows, id)
	return nil
}

// GetWorkflow retrieves a workflow definition by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, &aflerrors.NotFoundError{Entity: "workflow", ID: id}
	}
	c := *wf
	return &c, nil
}

// GetWorkflowByName retrieves a workflow definition by qualified name.
func (s *Store) GetWorkflowByName(ctx context.Context, name string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *store.Workflow
	for _, wf := range s.workflows {
		if wf.Name != name {
			continue
		}
		if newest == nil || wf.CreatedAt.After(newest.CreatedAt) {
			newest = wf
		}
	}
	if newest == nil {
		return nil, &aflerrors.NotFoundError{Entity: "workflow", ID: name}
	}
	c := *newest
	return &c, nil
}

// SaveWorkflow upserts a workflow definition keyed by its ID.
func (s *Store) SaveWorkflow(ctx context.Context, workflow *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := *workflow
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.workflows[c.ID] = &c

	workflow.CreatedAt = c.CreatedAt
	workflow.UpdatedAt = c.UpdatedAt
	return nil
}

// ListWorkflows lists workflow definitions, optionally scoped to a flow.
func (s *Store) ListWorkflows(ctx context.Context, flowID string) ([]*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Workflow
	for _, wf := range s.workflows {
		if flowID != "" && wf.FlowID != flowID {
			continue
		}
		c := *wf
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// GetRegistration retrieves a registration by facet name.
func (s *Store) GetRegistration(ctx context.Context, facetName string) (*store.HandlerRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.registrations[facetName]
	if !ok {
		return nil, &aflerrors.NotFoundError{Entity: "handler registration", ID: facetName}
	}
	return cloneRegistration(reg), nil
}

// SaveRegistration upserts a registration keyed by facet name.
func (s *Store) SaveRegistration(ctx context.Context, reg *store.HandlerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := cloneRegistration(reg)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.registrations[c.FacetName] = c

	reg.CreatedAt = c.CreatedAt
	reg.UpdatedAt = c.UpdatedAt
	return nil
}

// ListRegistrations lists all registrations ordered by facet name.
func (s *Store) ListRegistrations(ctx context.Context) ([]*store.HandlerRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.HandlerRegistration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		result = append(result, cloneRegistration(reg))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FacetName < result[j].FacetName
	})
	return result, nil
}

// DeleteRegistration removes a registration by facet name.
func (s *Store) DeleteRegistration(ctx context.Context, facetName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.registrations, facetName)
	return nil
}

// GetServer retrieves a server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*store.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	server, ok := s.servers[id]
	if !ok {
		return nil, &aflerrors.NotFoundError{Entity: "server", ID: id}
	}
	return cloneServer(server), nil
}

// SaveServer upserts a server keyed by its ID.
func (s *Store) SaveServer(ctx context.Context, server *store.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := cloneServer(server)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.servers[c.ID] = c

	server.CreatedAt = c.CreatedAt
	server.UpdatedAt = c.UpdatedAt
	return nil
}

// ListServers lists servers matching the filter.
func (s *Store) ListServers(ctx context.Context, filter store.ServerFilter) ([]*store.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Server
	for _, server := range s.servers {
		if filter.ServiceName != "" && server.ServiceName != filter.ServiceName {
			continue
		}
		if filter.State != "" && server.State != filter.State {
			continue
		}
		if !filter.PingBefore.IsZero() && !server.PingTime.Before(filter.PingBefore) {
			continue
		}
		result = append(result, cloneServer(server))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// PingServer advances a server's heartbeat timestamp.
func (s *Store) PingServer(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	server, ok := s.servers[id]
	if !ok {
		return &aflerrors.NotFoundError{Entity: "server", ID: id}
	}
	server.PingTime = at
	server.UpdatedAt = time.Now()
	return nil
}

// AppendLog appends a log record, assigning the runner's next order
// number when none is set.
func (s *Store) AppendLog(ctx context.Context, record *store.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *record
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Time.IsZero() {
		c.Time = time.Now()
	}
	if c.Order == 0 {
		s.logOrder[c.RunnerID]++
		c.Order = s.logOrder[c.RunnerID]
	} else if c.Order > s.logOrder[c.RunnerID] {
		s.logOrder[c.RunnerID] = c.Order
	}
	s.logs = append(s.logs, &c)

	record.ID = c.ID
	record.Order = c.Order
	record.Time = c.Time
	return nil
}

// ListLogs lists log records matching the filter, ordered by Order then
// Time.
func (s *Store) ListLogs(ctx context.Context, filter store.LogFilter) ([]*store.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.LogRecord
	for _, record := range s.logs {
		if filter.RunnerID != "" && record.RunnerID != filter.RunnerID {
			continue
		}
		if filter.StepID != "" && record.StepID != filter.StepID {
			continue
		}
		c := *record
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Time.Before(result[j].Time)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// AcquireLock attempts to take the lease for key.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration, meta map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.locks[key]; ok && !existing.Expired(now) {
		return false, nil
	}
	s.locks[key] = &store.Lock{
		Key:        key,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Meta:       cloneMeta(meta),
	}
	return true, nil
}

// ReleaseLock releases the lease for key.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, key)
	return nil
}

// CheckLock returns the current lease for key, or nil when free or
// expired.
func (s *Store) CheckLock(ctx context.Context, key string) (*store.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lock, ok := s.locks[key]
	if !ok || lock.Expired(time.Now()) {
		return nil, nil
	}
	c := *lock
	c.Meta = cloneMeta(lock.Meta)
	return &c, nil
}

// ExtendLock extends a held lease by ttl from now.
func (s *Store) ExtendLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok || lock.Expired(time.Now()) {
		return false, nil
	}
	lock.ExpiresAt = time.Now().Add(ttl)
	return true, nil
}

// Commit applies the change set all-or-nothing. Constraints and step
// versions are checked for every record before any write, so a
// violation or a stale step leaves the store untouched.
func (s *Store) Commit(ctx context.Context, changes *store.Changes) error {
	if changes == nil || changes.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Pre-check both against the store and within the batch itself, so a
	// violation anywhere rejects the batch before the first write.
	stepKeys := make(map[string]struct{})
	for _, step := range changes.CreatedSteps {
		if err := s.checkStepUnique(step); err != nil {
			return err
		}
		if step.StatementID == "" {
			continue
		}
		key := step.StatementID + "\x00" + step.BlockID
		if _, dup := stepKeys[key]; dup {
			return fmt.Errorf("step for statement %s in block %s already exists: %w",
				step.StatementID, step.BlockID, store.ErrConstraintViolation)
		}
		stepKeys[key] = struct{}{}
	}
	eventSteps := make(map[string]struct{})
	for _, event := range append(append([]*store.Event{}, changes.CreatedEvents...), changes.UpdatedEvents...) {
		if err := s.checkEventUnique(event); err != nil {
			return err
		}
		if event.State.Terminal() || event.StepID == "" {
			continue
		}
		if _, dup := eventSteps[event.StepID]; dup {
			return fmt.Errorf("step %s already has a live event: %w",
				event.StepID, store.ErrConstraintViolation)
		}
		eventSteps[event.StepID] = struct{}{}
	}
	taskSteps := make(map[string]struct{})
	for _, task := range changes.CreatedTasks {
		if err := s.checkTaskUnique(task); err != nil {
			return err
		}
		if task.State != store.TaskRunning || task.StepID == "" {
			continue
		}
		if _, dup := taskSteps[task.StepID]; dup {
			return fmt.Errorf("step %s already has a running task: %w",
				task.StepID, store.ErrConstraintViolation)
		}
		taskSteps[task.StepID] = struct{}{}
	}
	for _, step := range changes.UpdatedSteps {
		if stored, ok := s.steps[step.ID]; ok && stored.Version != step.Version {
			return fmt.Errorf("step %s was modified concurrently (stored version %d, read %d): %w",
				step.ID, stored.Version, step.Version, store.ErrStaleVersion)
		}
	}

	for _, step := range changes.CreatedSteps {
		if err := s.saveStepLocked(step); err != nil {
			return err
		}
	}
	for _, step := range changes.UpdatedSteps {
		step.Version++
		if err := s.saveStepLocked(step); err != nil {
			return err
		}
	}
	for _, event := range changes.CreatedEvents {
		if err := s.saveEventLocked(event); err != nil {
			return err
		}
	}
	for _, event := range changes.UpdatedEvents {
		if err := s.saveEventLocked(event); err != nil {
			return err
		}
	}
	for _, task := range changes.CreatedTasks {
		if err := s.saveTaskLocked(task); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	return nil
}

func sortSteps(steps []*store.Step) {
	sort.Slice(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		return steps[i].ID < steps[j].ID
	})
}

func sortTasks(tasks []*store.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func cloneStep(s *store.Step) *store.Step {
	c := *s
	c.Attributes.Params = cloneAttributes(s.Attributes.Params)
	c.Attributes.Returns = cloneAttributes(s.Attributes.Returns)
	if s.Foreach != nil {
		fb := *s.Foreach
		c.Foreach = &fb
	}
	return &c
}

func cloneAttributes(a store.Attributes) store.Attributes {
	if a == nil {
		return nil
	}
	c := make(store.Attributes, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

func cloneEvent(e *store.Event) *store.Event {
	c := *e
	c.Payload = clonePayload(e.Payload)
	return &c
}

func cloneTask(t *store.Task) *store.Task {
	c := *t
	c.Data = clonePayload(t.Data)
	return &c
}

func cloneRunner(r *store.Runner) *store.Runner {
	c := *r
	c.Params = cloneAttributes(r.Params)
	if r.Snapshot != nil {
		c.Snapshot = append([]byte(nil), r.Snapshot...)
	}
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	return &c
}

func cloneFlow(f *store.Flow) *store.Flow {
	c := *f
	if f.Source != nil {
		c.Source = append([]byte(nil), f.Source...)
	}
	if f.Compiled != nil {
		c.Compiled = append([]byte(nil), f.Compiled...)
	}
	return &c
}

func cloneRegistration(r *store.HandlerRegistration) *store.HandlerRegistration {
	c := *r
	if r.Requirements != nil {
		c.Requirements = append([]string(nil), r.Requirements...)
	}
	c.Metadata = cloneMeta(r.Metadata)
	return &c
}

func cloneServer(sv *store.Server) *store.Server {
	c := *sv
	if sv.IPs != nil {
		c.IPs = append([]string(nil), sv.IPs...)
	}
	if sv.Topics != nil {
		c.Topics = append([]string(nil), sv.Topics...)
	}
	if sv.Handlers != nil {
		c.Handlers = append([]string(nil), sv.Handlers...)
	}
	if sv.Handled != nil {
		c.Handled = make(map[string]int64, len(sv.Handled))
		for k, v := range sv.Handled {
			c.Handled[k] = v
		}
	}
	return &c
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	c := make(map[string]any, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
