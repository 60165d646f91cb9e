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

// Package storetest runs the shared conformance suite against a store
// implementation. Every backend must pass the same claim, uniqueness,
// lock, and commit contracts.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// Factory creates a fresh, empty store for one subtest. The harness
// closes it via t.Cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores built by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"StepLifecycle", testStepLifecycle},
		{"StepIdempotencyKey", testStepIdempotencyKey},
		{"StepFilters", testStepFilters},
		{"RootStep", testRootStep},
		{"EventLifecycle", testEventLifecycle},
		{"EventSingleLive", testEventSingleLive},
		{"TaskLifecycle", testTaskLifecycle},
		{"ClaimOldestFirst", testClaimOldestFirst},
		{"ClaimFilters", testClaimFilters},
		{"ClaimStepExclusion", testClaimStepExclusion},
		{"ClaimConcurrent", testClaimConcurrent},
		{"RunningTaskPerStep", testRunningTaskPerStep},
		{"RunnerLifecycle", testRunnerLifecycle},
		{"FlowVersions", testFlowVersions},
		{"WorkflowIndex", testWorkflowIndex},
		{"Registrations", testRegistrations},
		{"ServerHeartbeat", testServerHeartbeat},
		{"LogOrdering", testLogOrdering},
		{"LockLease", testLockLease},
		{"LockExpiry", testLockExpiry},
		{"CommitBatch", testCommitBatch},
		{"CommitAtomic", testCommitAtomic},
		{"CommitStaleStep", testCommitStaleStep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func newStep(id, runnerID string) *store.Step {
	return &store.Step{
		ID:         id,
		RunnerID:   runnerID,
		ObjectType: store.ObjectVariableAssignment,
		State:      store.StateCreated,
	}
}

func testStepLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	step := newStep("step-1", "runner-1")
	step.FacetName = "text.uppercase"
	step.SetParam("text", "hello", "string")

	if err := s.SaveStep(ctx, step); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}
	if step.CreatedAt.IsZero() || step.UpdatedAt.IsZero() {
		t.Error("SaveStep() did not set timestamps")
	}

	got, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	if got.FacetName != "text.uppercase" {
		t.Errorf("FacetName = %q, want %q", got.FacetName, "text.uppercase")
	}
	if v, ok := got.Param("text"); !ok || v != "hello" {
		t.Errorf("Param(text) = %v, %v; want hello, true", v, ok)
	}

	got.State = store.StateFacetInitBegin
	got.Version = 1
	got.SetReturn("result", "HELLO", "string")
	if err := s.SaveStep(ctx, got); err != nil {
		t.Fatalf("SaveStep() update error = %v", err)
	}

	updated, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("GetStep() after update error = %v", err)
	}
	if updated.State != store.StateFacetInitBegin {
		t.Errorf("State = %q, want %q", updated.State, store.StateFacetInitBegin)
	}
	if updated.Version != 1 {
		t.Errorf("Version = %d, want 1", updated.Version)
	}
	if v, _ := updated.Return("result"); v != "HELLO" {
		t.Errorf("Return(result) = %v, want HELLO", v)
	}

	_, err = s.GetStep(ctx, "missing")
	if !aflerrors.IsNotFound(err) {
		t.Errorf("GetStep(missing) error = %v, want not found", err)
	}
}

func testStepIdempotencyKey(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := newStep("step-1", "runner-1")
	first.StatementID = "stmt-1"
	first.BlockID = "block-1"
	if err := s.SaveStep(ctx, first); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}

	// Re-saving the same step is an upsert, not a violation.
	first.State = store.StateFacetInitBegin
	if err := s.SaveStep(ctx, first); err != nil {
		t.Fatalf("SaveStep() upsert error = %v", err)
	}

	dup := newStep("step-2", "runner-1")
	dup.StatementID = "stmt-1"
	dup.BlockID = "block-1"
	err := s.SaveStep(ctx, dup)
	if !errors.Is(err, store.ErrConstraintViolation) {
		t.Errorf("SaveStep(duplicate key) error = %v, want constraint violation", err)
	}

	// Same statement in a different block is fine.
	other := newStep("step-3", "runner-1")
	other.StatementID = "stmt-1"
	other.BlockID = "block-2"
	if err := s.SaveStep(ctx, other); err != nil {
		t.Errorf("SaveStep(other block) error = %v", err)
	}

	exists, err := s.StepExists(ctx, "stmt-1", "block-1")
	if err != nil || !exists {
		t.Errorf("StepExists(stmt-1, block-1) = %v, %v; want true, nil", exists, err)
	}
	exists, err = s.StepExists(ctx, "stmt-9", "block-1")
	if err != nil || exists {
		t.Errorf("StepExists(stmt-9, block-1) = %v, %v; want false, nil", exists, err)
	}
}

func testStepFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	steps := []*store.Step{
		{ID: "a", RunnerID: "r1", ObjectType: store.ObjectWorkflow, State: store.StateCreated, CreatedAt: base},
		{ID: "b", RunnerID: "r1", ObjectType: store.ObjectBlock, State: store.StateBlockExecutionBegin, ContainerID: "a", BlockID: "blk", CreatedAt: base.Add(time.Second)},
		{ID: "c", RunnerID: "r1", ObjectType: store.ObjectVariableAssignment, State: store.StateStatementComplete, ContainerID: "b", BlockID: "blk", StatementID: "s1", CreatedAt: base.Add(2 * time.Second)},
		{ID: "d", RunnerID: "r2", ObjectType: store.ObjectWorkflow, State: store.StateCreated, CreatedAt: base.Add(3 * time.Second)},
	}
	for _, st := range steps {
		if err := s.SaveStep(ctx, st); err != nil {
			t.Fatalf("SaveStep(%s) error = %v", st.ID, err)
		}
	}

	got, err := s.ListSteps(ctx, store.StepFilter{RunnerID: "r1"})
	if err != nil {
		t.Fatalf("ListSteps(runner) error = %v", err)
	}
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Errorf("ListSteps(runner) order = %v, want [a b c]", stepIDs(got))
	}

	got, err = s.ListSteps(ctx, store.StepFilter{RunnerID: "r1", NonTerminal: true})
	if err != nil {
		t.Fatalf("ListSteps(non-terminal) error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListSteps(non-terminal) = %v, want [a b]", stepIDs(got))
	}

	got, err = s.ListSteps(ctx, store.StepFilter{BlockID: "blk"})
	if err != nil {
		t.Fatalf("ListSteps(block) error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListSteps(block) = %v, want 2 steps", stepIDs(got))
	}

	got, err = s.ListSteps(ctx, store.StepFilter{ContainerID: "a"})
	if err != nil {
		t.Fatalf("ListSteps(container) error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("ListSteps(container) = %v, want [b]", stepIDs(got))
	}

	got, err = s.ListSteps(ctx, store.StepFilter{State: store.StateStatementComplete})
	if err != nil {
		t.Fatalf("ListSteps(state) error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("ListSteps(state) = %v, want [c]", stepIDs(got))
	}
}

func testRootStep(t *testing.T, s store.Store) {
	ctx := context.Background()

	root := newStep("root-1", "runner-1")
	root.ObjectType = store.ObjectWorkflow
	root.RootID = "root-1"
	if err := s.SaveStep(ctx, root); err != nil {
		t.Fatalf("SaveStep(root) error = %v", err)
	}

	child := newStep("child-1", "runner-1")
	child.ContainerID = "root-1"
	child.RootID = "root-1"
	child.StatementID = "s1"
	child.BlockID = "b1"
	if err := s.SaveStep(ctx, child); err != nil {
		t.Fatalf("SaveStep(child) error = %v", err)
	}

	got, err := s.GetRootStep(ctx, "runner-1")
	if err != nil {
		t.Fatalf("GetRootStep() error = %v", err)
	}
	if got.ID != "root-1" {
		t.Errorf("GetRootStep() = %s, want root-1", got.ID)
	}

	_, err = s.GetRootStep(ctx, "runner-9")
	if !aflerrors.IsNotFound(err) {
		t.Errorf("GetRootStep(unknown) error = %v, want not found", err)
	}
}

func testEventLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	event := &store.Event{
		ID:        "event-1",
		StepID:    "step-1",
		RunnerID:  "runner-1",
		State:     store.EventCreated,
		EventType: "lights.on",
		Payload:   map[string]any{"room": "kitchen"},
	}
	if err := s.SaveEvent(ctx, event); err != nil {
		t.Fatalf("SaveEvent() error = %v", err)
	}

	got, err := s.GetEvent(ctx, "event-1")
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if got.EventType != "lights.on" {
		t.Errorf("EventType = %q, want lights.on", got.EventType)
	}
	if got.Payload["room"] != "kitchen" {
		t.Errorf("Payload[room] = %v, want kitchen", got.Payload["room"])
	}

	got.State = store.EventCompleted
	if err := s.SaveEvent(ctx, got); err != nil {
		t.Fatalf("SaveEvent() update error = %v", err)
	}

	events, err := s.ListEvents(ctx, "runner-1")
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].State != store.EventCompleted {
		t.Errorf("ListEvents() = %d events, state %v", len(events), events[0].State)
	}

	_, err = s.GetEvent(ctx, "missing")
	if !aflerrors.IsNotFound(err) {
		t.Errorf("GetEvent(missing) error = %v, want not found", err)
	}
}

func testEventSingleLive(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := &store.Event{ID: "event-1", StepID: "step-1", RunnerID: "r", State: store.EventCreated}
	if err := s.SaveEvent(ctx, first); err != nil {
		t.Fatalf("SaveEvent(first) error = %v", err)
	}

	second := &store.Event{ID: "event-2", StepID: "step-1", RunnerID: "r", State: store.EventCreated}
	err := s.SaveEvent(ctx, second)
	if !errors.Is(err, store.ErrConstraintViolation) {
		t.Errorf("SaveEvent(second live) error = %v, want constraint violation", err)
	}

	// After the first event terminates, a new live event is allowed.
	first.State = store.EventCompleted
	if err := s.SaveEvent(ctx, first); err != nil {
		t.Fatalf("SaveEvent(complete) error = %v", err)
	}
	if err := s.SaveEvent(ctx, second); err != nil {
		t.Errorf("SaveEvent(after terminal) error = %v", err)
	}
}

func testTaskLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	task := &store.Task{
		ID:       "task-1",
		Name:     store.TaskNameExecute,
		TaskList: store.DefaultTaskList,
		State:    store.TaskPending,
		Data:     map[string]any{store.DataKeyWorkflowName: "demo.main"},
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Data[store.DataKeyWorkflowName] != "demo.main" {
		t.Errorf("Data[workflow_name] = %v, want demo.main", got.Data[store.DataKeyWorkflowName])
	}

	if err := s.UpdateTaskState(ctx, "task-1", store.TaskFailed, "boom"); err != nil {
		t.Fatalf("UpdateTaskState() error = %v", err)
	}
	got, _ = s.GetTask(ctx, "task-1")
	if got.State != store.TaskFailed || got.Error != "boom" {
		t.Errorf("after update: state %v error %q, want failed/boom", got.State, got.Error)
	}

	if err := s.UpdateTaskState(ctx, "missing", store.TaskCompleted, ""); !aflerrors.IsNotFound(err) {
		t.Errorf("UpdateTaskState(missing) error = %v, want not found", err)
	}

	tasks, err := s.ListTasks(ctx, store.TaskFilter{State: store.TaskFailed})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("ListTasks(failed) = %d tasks, want 1", len(tasks))
	}
}

func testClaimOldestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, id := range []string{"task-c", "task-a", "task-b"} {
		offsets := map[string]time.Duration{"task-a": 0, "task-b": time.Second, "task-c": 2 * time.Second}
		task := &store.Task{
			ID:        id,
			Name:      store.TaskNameExecute,
			TaskList:  store.DefaultTaskList,
			State:     store.TaskPending,
			CreatedAt: base.Add(offsets[id]),
		}
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask(%d) error = %v", i, err)
		}
	}

	for _, want := range []string{"task-a", "task-b", "task-c"} {
		got, err := s.ClaimTask(ctx, []string{store.TaskNameExecute}, store.DefaultTaskList, "server-1")
		if err != nil {
			t.Fatalf("ClaimTask() error = %v", err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("ClaimTask() = %v, want %s", got, want)
		}
		if got.State != store.TaskRunning || got.ServerID != "server-1" {
			t.Errorf("claimed task state %v server %q, want running/server-1", got.State, got.ServerID)
		}
	}

	got, err := s.ClaimTask(ctx, []string{store.TaskNameExecute}, store.DefaultTaskList, "server-1")
	if err != nil {
		t.Fatalf("ClaimTask(empty) error = %v", err)
	}
	if got != nil {
		t.Errorf("ClaimTask(empty) = %v, want nil", got)
	}
}

func testClaimFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	tasks := []*store.Task{
		{ID: "t1", Name: "facet.task", TaskList: "gpu", State: store.TaskPending, CreatedAt: base},
		{ID: "t2", Name: store.TaskNameResume, TaskList: store.DefaultTaskList, State: store.TaskPending, CreatedAt: base.Add(time.Second)},
		{ID: "t3", Name: store.TaskNameExecute, TaskList: store.DefaultTaskList, State: store.TaskPending, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, task := range tasks {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask(%s) error = %v", task.ID, err)
		}
	}

	// Name filter skips older non-matching tasks.
	got, err := s.ClaimTask(ctx, []string{store.TaskNameExecute}, store.DefaultTaskList, "srv")
	if err != nil || got == nil || got.ID != "t3" {
		t.Fatalf("ClaimTask(execute) = %v, %v; want t3", got, err)
	}

	// Task list filter isolates channels.
	got, err = s.ClaimTask(ctx, []string{"facet.task"}, store.DefaultTaskList, "srv")
	if err != nil || got != nil {
		t.Fatalf("ClaimTask(wrong list) = %v, %v; want nil", got, err)
	}
	got, err = s.ClaimTask(ctx, []string{"facet.task"}, "gpu", "srv")
	if err != nil || got == nil || got.ID != "t1" {
		t.Fatalf("ClaimTask(gpu) = %v, %v; want t1", got, err)
	}
}

func testClaimStepExclusion(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	running := &store.Task{
		ID: "t-running", Name: "facet.task", StepID: "step-1",
		TaskList: store.DefaultTaskList, State: store.TaskRunning, CreatedAt: base,
	}
	if err := s.SaveTask(ctx, running); err != nil {
		t.Fatalf("SaveTask(running) error = %v", err)
	}
	pending := &store.Task{
		ID: "t-pending", Name: "facet.task", StepID: "step-1",
		TaskList: store.DefaultTaskList, State: store.TaskPending, CreatedAt: base.Add(time.Second),
	}
	if err := s.SaveTask(ctx, pending); err != nil {
		t.Fatalf("SaveTask(pending) error = %v", err)
	}

	got, err := s.ClaimTask(ctx, []string{"facet.task"}, store.DefaultTaskList, "srv")
	if err != nil {
		t.Fatalf("ClaimTask() error = %v", err)
	}
	if got != nil {
		t.Fatalf("ClaimTask() = %v, want nil while step has a running task", got.ID)
	}

	if err := s.UpdateTaskState(ctx, "t-running", store.TaskCompleted, ""); err != nil {
		t.Fatalf("UpdateTaskState() error = %v", err)
	}

	got, err = s.ClaimTask(ctx, []string{"facet.task"}, store.DefaultTaskList, "srv")
	if err != nil || got == nil || got.ID != "t-pending" {
		t.Fatalf("ClaimTask(after complete) = %v, %v; want t-pending", got, err)
	}
}

func testClaimConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()

	task := &store.Task{
		ID: "task-1", Name: store.TaskNameExecute,
		TaskList: store.DefaultTaskList, State: store.TaskPending,
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := s.ClaimTask(ctx, []string{store.TaskNameExecute}, store.DefaultTaskList, "srv")
			if err != nil {
				t.Errorf("ClaimTask() error = %v", err)
				return
			}
			if got != nil {
				wins <- got.ID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("concurrent claim winners = %d, want exactly 1", winners)
	}
}

func testRunningTaskPerStep(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := &store.Task{
		ID: "t1", Name: "facet.task", StepID: "step-1",
		TaskList: store.DefaultTaskList, State: store.TaskRunning,
	}
	if err := s.SaveTask(ctx, first); err != nil {
		t.Fatalf("SaveTask(first) error = %v", err)
	}

	second := &store.Task{
		ID: "t2", Name: "facet.task", StepID: "step-1",
		TaskList: store.DefaultTaskList, State: store.TaskRunning,
	}
	err := s.SaveTask(ctx, second)
	if !errors.Is(err, store.ErrConstraintViolation) {
		t.Errorf("SaveTask(second running) error = %v, want constraint violation", err)
	}
}

func testRunnerLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	runner := &store.Runner{
		ID:           "runner-1",
		FlowID:       "flow-1",
		WorkflowID:   "wf-1",
		WorkflowName: "demo.main",
		State:        store.RunnerCreated,
		Snapshot:     []byte(`{"name":"demo"}`),
		Params:       store.Attributes{"text": {Value: "hi"}},
	}
	if err := s.SaveRunner(ctx, runner); err != nil {
		t.Fatalf("SaveRunner() error = %v", err)
	}

	got, err := s.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("GetRunner() error = %v", err)
	}
	if got.WorkflowName != "demo.main" {
		t.Errorf("WorkflowName = %q, want demo.main", got.WorkflowName)
	}
	if string(got.Snapshot) != `{"name":"demo"}` {
		t.Errorf("Snapshot = %s", got.Snapshot)
	}
	if v, _ := got.Params["text"]; v.Value != "hi" {
		t.Errorf("Params[text] = %v, want hi", v.Value)
	}

	start := time.Now()
	got.State = store.RunnerRunning
	got.StartTime = &start
	if err := s.SaveRunner(ctx, got); err != nil {
		t.Fatalf("SaveRunner(update) error = %v", err)
	}

	list, err := s.ListRunners(ctx, store.RunnerFilter{State: store.RunnerRunning})
	if err != nil {
		t.Fatalf("ListRunners() error = %v", err)
	}
	if len(list) != 1 || list[0].StartTime == nil {
		t.Errorf("ListRunners(running) = %d runners", len(list))
	}

	_, err = s.GetRunner(ctx, "missing")
	if !aflerrors.IsNotFound(err) {
		t.Errorf("GetRunner(missing) error = %v, want not found", err)
	}
}

func testFlowVersions(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	old := &store.Flow{ID: "flow-1", Name: "demo", Compiled: []byte(`v1`), CreatedAt: base}
	if err := s.SaveFlow(ctx, old); err != nil {
		t.Fatalf("SaveFlow(old) error = %v", err)
	}
	newer := &store.Flow{ID: "flow-2", Name: "demo", Compiled: []byte(`v2`), CreatedAt: base.Add(time.Second)}
	if err := s.SaveFlow(ctx, newer); err != nil {
		t.Fatalf("SaveFlow(new) error = %v", err)
	}

	got, err := s.GetFlowByName(ctx, "demo")
	if err != nil {
		t.Fatalf("GetFlowByName() error = %v", err)
	}
	if got.ID != "flow-2" {
		t.Errorf("GetFlowByName() = %s, want flow-2 (most recent)", got.ID)
	}

	flows, err := s.ListFlows(ctx)
	if err != nil || len(flows) != 2 {
		t.Fatalf("ListFlows() = %d, %v; want 2", len(flows), err)
	}

	if err := s.DeleteFlow(ctx, "flow-2"); err != nil {
		t.Fatalf("DeleteFlow() error = %v", err)
	}
	got, err = s.GetFlowByName(ctx, "demo")
	if err != nil || got.ID != "flow-1" {
		t.Errorf("GetFlowByName(after delete) = %v, %v; want flow-1", got, err)
	}

	_, err = s.GetFlowByName(ctx, "missing")
	if !aflerrors.IsNotFound(err) {
		t.Errorf("GetFlowByName(missing) error = %v, want not found", err)
	}
}

func testWorkflowIndex(t *testing.T, s store.Store) {
	ctx := context.Background()

	wfs := []*store.Workflow{
		{ID: "wf-1", FlowID: "flow-1", Name: "demo.main"},
		{ID: "wf-2", FlowID: "flow-1", Name: "demo.helper"},
		{ID: "wf-3", FlowID: "flow-2", Name: "other.main"},
	}
	for _, wf := range wfs {
		if err := s.SaveWorkflow(ctx, wf); err != nil {
			t.Fatalf("SaveWorkflow(%s) error = %v", wf.ID, err)
		}
	}

	got, err := s.GetWorkflowByName(ctx, "demo.main")
	if err != nil || got.ID != "wf-1" {
		t.Fatalf("GetWorkflowByName() = %v, %v; want wf-1", got, err)
	}

	list, err := s.ListWorkflows(ctx, "flow-1")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListWorkflows(flow-1) = %d, %v; want 2", len(list), err)
	}

	all, err := s.ListWorkflows(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("ListWorkflows() = %d, %v; want 3", len(all), err)
	}
}

func testRegistrations(t *testing.T, s store.Store) {
	ctx := context.Background()

	reg := &store.HandlerRegistration{
		FacetName:    "text.uppercase",
		ModuleURI:    "file:///opt/handlers/text.py",
		Entrypoint:   "handlers.text:uppercase",
		Version:      "1.0.0",
		TimeoutMS:    30000,
		Requirements: []string{"requests>=2.0"},
		Metadata:     map[string]string{"lang": "python"},
	}
	if err := s.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("SaveRegistration() error = %v", err)
	}

	got, err := s.GetRegistration(ctx, "text.uppercase")
	if err != nil {
		t.Fatalf("GetRegistration() error = %v", err)
	}
	if got.ModuleURI != "file:///opt/handlers/text.py" || got.TimeoutMS != 30000 {
		t.Errorf("registration round-trip mismatch: %+v", got)
	}
	if len(got.Requirements) != 1 || got.Metadata["lang"] != "python" {
		t.Errorf("registration lists mismatch: %+v", got)
	}

	got.Version = "1.1.0"
	if err := s.SaveRegistration(ctx, got); err != nil {
		t.Fatalf("SaveRegistration(update) error = %v", err)
	}
	list, err := s.ListRegistrations(ctx)
	if err != nil || len(list) != 1 || list[0].Version != "1.1.0" {
		t.Fatalf("ListRegistrations() = %v, %v; want single 1.1.0", list, err)
	}

	if err := s.DeleteRegistration(ctx, "text.uppercase"); err != nil {
		t.Fatalf("DeleteRegistration() error = %v", err)
	}
	_, err = s.GetRegistration(ctx, "text.uppercase")
	if !aflerrors.IsNotFound(err) {
		t.Errorf("GetRegistration(deleted) error = %v, want not found", err)
	}
}

func testServerHeartbeat(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()

	server := &store.Server{
		ID:          "host-1234-abcd",
		ServiceName: "agent",
		Hostname:    "host",
		State:       store.ServerRunning,
		StartTime:   now.Add(-time.Hour),
		PingTime:    now.Add(-time.Hour),
		Topics:      []string{"tasks.#"},
		Handlers:    []string{"text.uppercase"},
	}
	if err := s.SaveServer(ctx, server); err != nil {
		t.Fatalf("SaveServer() error = %v", err)
	}

	// Stale before ping, fresh after.
	stale, err := s.ListServers(ctx, store.ServerFilter{ServiceName: "agent", PingBefore: now.Add(-time.Minute)})
	if err != nil || len(stale) != 1 {
		t.Fatalf("ListServers(stale) = %d, %v; want 1", len(stale), err)
	}

	if err := s.PingServer(ctx, "host-1234-abcd", now); err != nil {
		t.Fatalf("PingServer() error = %v", err)
	}
	stale, err = s.ListServers(ctx, store.ServerFilter{ServiceName: "agent", PingBefore: now.Add(-time.Minute)})
	if err != nil || len(stale) != 0 {
		t.Fatalf("ListServers(after ping) = %d, %v; want 0", len(stale), err)
	}

	got, err := s.GetServer(ctx, "host-1234-abcd")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if len(got.Topics) != 1 || got.Topics[0] != "tasks.#" {
		t.Errorf("Topics = %v", got.Topics)
	}

	if err := s.PingServer(ctx, "missing", now); !aflerrors.IsNotFound(err) {
		t.Errorf("PingServer(missing) error = %v, want not found", err)
	}
}

func testLogOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		record := &store.LogRecord{RunnerID: "runner-1", Message: msg, Level: "info"}
		if err := s.AppendLog(ctx, record); err != nil {
			t.Fatalf("AppendLog(%s) error = %v", msg, err)
		}
		if record.ID == "" || record.Order == 0 {
			t.Errorf("AppendLog(%s) did not assign id/order: %+v", msg, record)
		}
	}
	// A second runner gets its own sequence.
	other := &store.LogRecord{RunnerID: "runner-2", Message: "solo"}
	if err := s.AppendLog(ctx, other); err != nil {
		t.Fatalf("AppendLog(other) error = %v", err)
	}
	if other.Order != 1 {
		t.Errorf("other runner first order = %d, want 1", other.Order)
	}

	records, err := s.ListLogs(ctx, store.LogFilter{RunnerID: "runner-1"})
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ListLogs() = %d records, want 3", len(records))
	}
	for i, want := range []string{"first", "second", "third"} {
		if records[i].Message != want {
			t.Errorf("records[%d] = %q, want %q", i, records[i].Message, want)
		}
		if records[i].Order != int64(i+1) {
			t.Errorf("records[%d].Order = %d, want %d", i, records[i].Order, i+1)
		}
	}

	limited, err := s.ListLogs(ctx, store.LogFilter{RunnerID: "runner-1", Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("ListLogs(limit) = %d, %v; want 2", len(limited), err)
	}
}

func testLockLease(t *testing.T, s store.Store) {
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "runner:r1", time.Minute, map[string]string{"owner": "srv-1"})
	if err != nil || !ok {
		t.Fatalf("AcquireLock() = %v, %v; want true", ok, err)
	}

	ok, err = s.AcquireLock(ctx, "runner:r1", time.Minute, map[string]string{"owner": "srv-2"})
	if err != nil || ok {
		t.Fatalf("AcquireLock(held) = %v, %v; want false", ok, err)
	}

	lock, err := s.CheckLock(ctx, "runner:r1")
	if err != nil || lock == nil {
		t.Fatalf("CheckLock() = %v, %v; want held", lock, err)
	}
	if lock.Meta["owner"] != "srv-1" {
		t.Errorf("lock owner = %q, want srv-1", lock.Meta["owner"])
	}

	ok, err = s.ExtendLock(ctx, "runner:r1", 2*time.Minute)
	if err != nil || !ok {
		t.Fatalf("ExtendLock() = %v, %v; want true", ok, err)
	}

	if err := s.ReleaseLock(ctx, "runner:r1"); err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	lock, err = s.CheckLock(ctx, "runner:r1")
	if err != nil || lock != nil {
		t.Fatalf("CheckLock(released) = %v, %v; want nil", lock, err)
	}

	ok, err = s.AcquireLock(ctx, "runner:r1", time.Minute, nil)
	if err != nil || !ok {
		t.Fatalf("AcquireLock(after release) = %v, %v; want true", ok, err)
	}

	ok, err = s.ExtendLock(ctx, "other", time.Minute)
	if err != nil || ok {
		t.Errorf("ExtendLock(unheld) = %v, %v; want false", ok, err)
	}
}

func testLockExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "janitor", 30*time.Millisecond, nil)
	if err != nil || !ok {
		t.Fatalf("AcquireLock() = %v, %v; want true", ok, err)
	}

	time.Sleep(60 * time.Millisecond)

	lock, err := s.CheckLock(ctx, "janitor")
	if err != nil || lock != nil {
		t.Errorf("CheckLock(expired) = %v, %v; want nil", lock, err)
	}

	ok, err = s.ExtendLock(ctx, "janitor", time.Minute)
	if err != nil || ok {
		t.Errorf("ExtendLock(expired) = %v, %v; want false", ok, err)
	}

	ok, err = s.AcquireLock(ctx, "janitor", time.Minute, nil)
	if err != nil || !ok {
		t.Errorf("AcquireLock(expired lease) = %v, %v; want true", ok, err)
	}
}

func testCommitBatch(t *testing.T, s store.Store) {
	ctx := context.Background()

	existing := newStep("step-1", "runner-1")
	if err := s.SaveStep(ctx, existing); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}

	changes := store.NewChanges()
	created := newStep("step-2", "runner-1")
	created.ContainerID = "step-1"
	created.StatementID = "s1"
	created.BlockID = "b1"
	changes.AddCreatedStep(created)

	existing.State = store.StateFacetInitBegin
	changes.AddUpdatedStep(existing)

	changes.AddCreatedEvent(&store.Event{ID: "event-1", StepID: "step-2", RunnerID: "runner-1", State: store.EventCreated})
	changes.AddCreatedTask(&store.Task{ID: "task-1", Name: store.TaskNameResume, RunnerID: "runner-1", TaskList: store.DefaultTaskList, State: store.TaskPending})

	if err := s.Commit(ctx, changes); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := s.GetStep(ctx, "step-2"); err != nil {
		t.Errorf("created step missing after commit: %v", err)
	}
	got, err := s.GetStep(ctx, "step-1")
	if err != nil || got.State != store.StateFacetInitBegin {
		t.Errorf("updated step after commit = %v, %v", got, err)
	}
	if _, err := s.GetEvent(ctx, "event-1"); err != nil {
		t.Errorf("created event missing after commit: %v", err)
	}
	if _, err := s.GetTask(ctx, "task-1"); err != nil {
		t.Errorf("created task missing after commit: %v", err)
	}

	// An empty change set commits as a no-op.
	if err := s.Commit(ctx, store.NewChanges()); err != nil {
		t.Errorf("Commit(empty) error = %v", err)
	}
}

func testCommitAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()

	blocker := &store.Event{ID: "event-0", StepID: "step-9", RunnerID: "r", State: store.EventCreated}
	if err := s.SaveEvent(ctx, blocker); err != nil {
		t.Fatalf("SaveEvent() error = %v", err)
	}

	changes := store.NewChanges()
	step := newStep("step-new", "r")
	changes.AddCreatedStep(step)
	// Violates the single-live-event constraint for step-9.
	changes.AddCreatedEvent(&store.Event{ID: "event-1", StepID: "step-9", RunnerID: "r", State: store.EventCreated})

	err := s.Commit(ctx, changes)
	if !errors.Is(err, store.ErrConstraintViolation) {
		t.Fatalf("Commit(violating) error = %v, want constraint violation", err)
	}

	// Nothing from the batch may be visible.
	if _, err := s.GetStep(ctx, "step-new"); !aflerrors.IsNotFound(err) {
		t.Errorf("GetStep(step-new) error = %v, want not found after rollback", err)
	}
	if _, err := s.GetEvent(ctx, "event-1"); !aflerrors.IsNotFound(err) {
		t.Errorf("GetEvent(event-1) error = %v, want not found after rollback", err)
	}
}

// Two writers read the same step; only the first commit may apply. The
// loser gets ErrStaleVersion and none of its batch becomes visible.
func testCommitStaleStep(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.SaveStep(ctx, newStep("step-1", "runner-1")); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}

	first, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	second, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}

	first.State = store.StateFacetInitBegin
	winner := store.NewChanges()
	winner.AddUpdatedStep(first)
	if err := s.Commit(ctx, winner); err != nil {
		t.Fatalf("Commit(winner) error = %v", err)
	}
	if first.Version != second.Version+1 {
		t.Errorf("winner version after commit = %d, want %d", first.Version, second.Version+1)
	}

	second.State = store.StateEventTransmit
	second.SetReturn("result", "lost", "string")
	loser := store.NewChanges()
	loser.AddUpdatedStep(second)
	loser.AddCreatedTask(&store.Task{ID: "task-stale", Name: store.TaskNameResume, RunnerID: "runner-1", TaskList: store.DefaultTaskList, State: store.TaskPending})

	err = s.Commit(ctx, loser)
	if !errors.Is(err, store.ErrStaleVersion) {
		t.Fatalf("Commit(stale) error = %v, want stale version", err)
	}

	got, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("GetStep() after stale commit error = %v", err)
	}
	if got.State != store.StateFacetInitBegin {
		t.Errorf("step state = %q, want winner's %q", got.State, store.StateFacetInitBegin)
	}
	if _, ok := got.Return("result"); ok {
		t.Error("loser's return attribute is visible after rejected commit")
	}
	if _, err := s.GetTask(ctx, "task-stale"); !aflerrors.IsNotFound(err) {
		t.Errorf("GetTask(task-stale) error = %v, want not found after rejected commit", err)
	}

	// Reloading picks up the committed version; the retry then applies.
	reread, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("GetStep() reload error = %v", err)
	}
	reread.State = store.StateEventTransmit
	retry := store.NewChanges()
	retry.AddUpdatedStep(reread)
	if err := s.Commit(ctx, retry); err != nil {
		t.Errorf("Commit(retry after reload) error = %v", err)
	}
}

func stepIDs(steps []*store.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}
