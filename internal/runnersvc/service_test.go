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

package runnersvc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/engine"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/memory"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// greetDoc is a one-call workflow: an event facet invocation whose
// result feeds the yield.
const greetDoc = `
namespaces:
  - name: demo
    facets:
      - name: Greet
        event: true
        params:
          - name: name
            type: String
        returns:
          - name: greeting
            type: String
    workflows:
      - name: GreetWorkflow
        params:
          - name: name
            type: String
        returns:
          - name: message
            type: String
        body:
          statements:
            - name: g
              facet: Greet
              args:
                - name: name
                  expression: $.name
            - kind: yield
              facet: GreetWorkflow
              args:
                - name: message
                  expression: g.greeting
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func publishFlow(t *testing.T, st store.Store, id, name, doc string) *store.Flow {
	t.Helper()
	fl := &store.Flow{ID: id, Name: name, Compiled: []byte(doc)}
	if err := st.SaveFlow(context.Background(), fl); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}
	return fl
}

// stubDispatcher routes facet dispatch to in-test functions.
type stubDispatcher map[string]func(payload map[string]any) (map[string]any, error)

func (d stubDispatcher) Handles(facetName string) bool {
	_, ok := d[facetName]
	return ok
}

func (d stubDispatcher) Dispatch(_ context.Context, facetName string, payload map[string]any) (map[string]any, error) {
	h, ok := d[facetName]
	if !ok {
		return nil, fmt.Errorf("no handler for %s", facetName)
	}
	return h(payload)
}

func greetDispatcher() stubDispatcher {
	return stubDispatcher{
		"Greet": func(payload map[string]any) (map[string]any, error) {
			name, _ := payload["name"].(string)
			return map[string]any{"greeting": "hello " + name}, nil
		},
	}
}

func newTestService(st store.Store) *Service {
	return New(st).WithLogger(testLogger()).WithPollInterval(10 * time.Millisecond)
}

func mustClaimOne(t *testing.T, svc *Service) {
	t.Helper()
	claimed, err := svc.claimOne(context.Background())
	if err != nil {
		t.Fatalf("claimOne() error = %v", err)
	}
	if !claimed {
		t.Fatal("claimOne() = false, want a claimed task")
	}
}

func TestSubmitEnqueuesExecuteTask(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	task, err := Submit(ctx, st, ExecuteRequest{
		FlowID:       "fl-greet",
		WorkflowName: "demo.GreetWorkflow",
		Inputs:       map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if task.Name != store.TaskNameExecute {
		t.Errorf("task name = %q, want %q", task.Name, store.TaskNameExecute)
	}
	if task.TaskList != store.DefaultTaskList {
		t.Errorf("task list = %q, want %q", task.TaskList, store.DefaultTaskList)
	}

	saved, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if saved.State != store.TaskPending {
		t.Errorf("task state = %v, want %v", saved.State, store.TaskPending)
	}
	if got := saved.Data[store.DataKeyWorkflowName]; got != "demo.GreetWorkflow" {
		t.Errorf("workflow_name payload = %v, want demo.GreetWorkflow", got)
	}
	inputs, _ := saved.Data[store.DataKeyInputs].(map[string]any)
	if inputs["name"] != "Ada" {
		t.Errorf("inputs payload = %v, want name=Ada", inputs)
	}
}

func TestSubmitValidates(t *testing.T) {
	tests := []struct {
		name string
		req  ExecuteRequest
	}{
		{name: "missing flow id", req: ExecuteRequest{WorkflowName: "demo.GreetWorkflow"}},
		{name: "missing workflow name", req: ExecuteRequest{FlowID: "fl-greet"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Submit(context.Background(), memory.New(), tt.req)
			if err == nil {
				t.Fatal("Submit() error = nil, want validation error")
			}
			if kind := aflerrors.Kind(err); kind != aflerrors.KindValidation {
				t.Errorf("Kind() = %q, want %q", kind, aflerrors.KindValidation)
			}
		})
	}
}

func TestExecuteTaskCompletesWorkflow(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	publishFlow(t, st, "fl-greet", "greet", greetDoc)
	svc := newTestService(st).WithDispatcher(greetDispatcher())

	task, err := Submit(ctx, st, ExecuteRequest{
		FlowID:       "fl-greet",
		WorkflowName: "demo.GreetWorkflow",
		Inputs:       map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	mustClaimOne(t, svc)

	done, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if done.State != store.TaskCompleted {
		t.Fatalf("task state = %v, want %v (error: %s)", done.State, store.TaskCompleted, done.Error)
	}
	if got := done.Data[store.DataKeyStatus]; got != string(engine.StatusCompleted) {
		t.Errorf("task status payload = %v, want %v", got, engine.StatusCompleted)
	}
	if done.RunnerID == "" {
		t.Fatal("task carries no runner id after execution")
	}

	runner, err := st.GetRunner(ctx, done.RunnerID)
	if err != nil {
		t.Fatalf("GetRunner() error = %v", err)
	}
	if runner.State != store.RunnerCompleted {
		t.Errorf("runner state = %v, want %v", runner.State, store.RunnerCompleted)
	}
	if runner.WorkflowName != "demo.GreetWorkflow" {
		t.Errorf("runner workflow = %q, want demo.GreetWorkflow", runner.WorkflowName)
	}
	if len(runner.Snapshot) == 0 {
		t.Error("runner snapshot not captured at execute")
	}

	root, err := st.GetRootStep(ctx, done.RunnerID)
	if err != nil {
		t.Fatalf("GetRootStep() error = %v", err)
	}
	if got, _ := root.Return("message"); got != "hello Ada" {
		t.Errorf("workflow message = %v, want hello Ada", got)
	}
}

func TestExecuteTaskPausesOnExternalDispatch(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	publishFlow(t, st, "fl-greet", "greet", greetDoc)
	svc := newTestService(st)

	task, err := Submit(ctx, st, ExecuteRequest{
		FlowID:       "fl-greet",
		WorkflowName: "demo.GreetWorkflow",
		Inputs:       map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	mustClaimOne(t, svc)

	done, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if done.State != store.TaskCompleted {
		t.Fatalf("task state = %v, want %v (error: %s)", done.State, store.TaskCompleted, done.Error)
	}
	if got := done.Data[store.DataKeyStatus]; got != string(engine.StatusPaused) {
		t.Errorf("task status payload = %v, want %v", got, engine.StatusPaused)
	}

	runner, err := st.GetRunner(ctx, done.RunnerID)
	if err != nil {
		t.Fatalf("GetRunner() error = %v", err)
	}
	if runner.State != store.RunnerPaused {
		t.Errorf("runner state = %v, want %v", runner.State, store.RunnerPaused)
	}

	// The blocked event step queued a facet task for an agent.
	facetTasks, err := st.ListTasks(ctx, store.TaskFilter{Name: "Greet"})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(facetTasks) != 1 {
		t.Fatalf("facet task count = %d, want 1", len(facetTasks))
	}
	if facetTasks[0].State != store.TaskPending {
		t.Errorf("facet task state = %v, want %v", facetTasks[0].State, store.TaskPending)
	}
}

func TestExecuteTaskFailures(t *testing.T) {
	tests := []struct {
		name     string
		seed     func(t *testing.T, st store.Store) *store.Task
		wantKind string
	}{
		{
			name: "unknown flow",
			seed: func(t *testing.T, st store.Store) *store.Task {
				task, err := Submit(context.Background(), st, ExecuteRequest{
					FlowID:       "ghost",
					WorkflowName: "demo.GreetWorkflow",
				})
				if err != nil {
					t.Fatalf("Submit() error = %v", err)
				}
				return task
			},
			wantKind: aflerrors.KindNotFound,
		},
		{
			name: "malformed flow source",
			seed: func(t *testing.T, st store.Store) *store.Task {
				publishFlow(t, st, "fl-bad", "bad", "{")
				task, err := Submit(context.Background(), st, ExecuteRequest{
					FlowID:       "fl-bad",
					WorkflowName: "demo.GreetWorkflow",
				})
				if err != nil {
					t.Fatalf("Submit() error = %v", err)
				}
				return task
			},
			wantKind: aflerrors.KindParse,
		},
		{
			name: "workflow not in flow",
			seed: func(t *testing.T, st store.Store) *store.Task {
				publishFlow(t, st, "fl-greet", "greet", greetDoc)
				task, err := Submit(context.Background(), st, ExecuteRequest{
					FlowID:       "fl-greet",
					WorkflowName: "demo.Missing",
				})
				if err != nil {
					t.Fatalf("Submit() error = %v", err)
				}
				return task
			},
			wantKind: aflerrors.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := memory.New()
			svc := newTestService(st)
			task := tt.seed(t, st)

			mustClaimOne(t, svc)

			failed, err := st.GetTask(ctx, task.ID)
			if err != nil {
				t.Fatalf("GetTask() error = %v", err)
			}
			if failed.State != store.TaskFailed {
				t.Fatalf("task state = %v, want %v", failed.State, store.TaskFailed)
			}
			if failed.ErrorKind != tt.wantKind {
				t.Errorf("task error kind = %q, want %q (error: %s)", failed.ErrorKind, tt.wantKind, failed.Error)
			}

			// A failed execute creates no runner.
			runners, err := st.ListRunners(ctx, store.RunnerFilter{})
			if err != nil {
				t.Fatalf("ListRunners() error = %v", err)
			}
			if len(runners) != 0 {
				t.Errorf("runner count = %d, want 0", len(runners))
			}
		})
	}
}

func TestResumeAfterContinueCompletesRunner(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	publishFlow(t, st, "fl-greet", "greet", greetDoc)
	svc := newTestService(st)

	task, err := Submit(ctx, st, ExecuteRequest{
		FlowID:       "fl-greet",
		WorkflowName: "demo.GreetWorkflow",
		Inputs:       map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	mustClaimOne(t, svc)

	// An agent's half of the exchange: claim the facet task, write the
	// result, mark the task done.
	facetTask, err := st.ClaimTask(ctx, []string{"Greet"}, store.DefaultTaskList, "agent-test")
	if err != nil {
		t.Fatalf("ClaimTask() error = %v", err)
	}
	if facetTask == nil {
		t.Fatal("no facet task queued for the paused step")
	}
	if err := engine.ContinueStep(ctx, st, facetTask.StepID, map[string]any{"greeting": "hello Ada"}); err != nil {
		t.Fatalf("ContinueStep() error = %v", err)
	}
	if err := st.UpdateTaskState(ctx, facetTask.ID, store.TaskCompleted, ""); err != nil {
		t.Fatalf("UpdateTaskState() error = %v", err)
	}

	// ContinueStep queued an afl:resume; the service drives the runner
	// home.
	mustClaimOne(t, svc)

	executed, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	runner, err := st.GetRunner(ctx, executed.RunnerID)
	if err != nil {
		t.Fatalf("GetRunner() error = %v", err)
	}
	if runner.State != store.RunnerCompleted {
		t.Fatalf("runner state = %v, want %v (error: %s)", runner.State, store.RunnerCompleted, runner.Error)
	}

	root, err := st.GetRootStep(ctx, runner.ID)
	if err != nil {
		t.Fatalf("GetRootStep() error = %v", err)
	}
	if got, _ := root.Return("message"); got != "hello Ada" {
		t.Errorf("workflow message = %v, want hello Ada", got)
	}

	resumes, err := st.ListTasks(ctx, store.TaskFilter{Name: store.TaskNameResume})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(resumes) != 1 {
		t.Fatalf("resume task count = %d, want 1", len(resumes))
	}
	if resumes[0].State != store.TaskCompleted {
		t.Errorf("resume task state = %v, want %v", resumes[0].State, store.TaskCompleted)
	}
	if got := resumes[0].Data[store.DataKeyStatus]; got != string(engine.StatusCompleted) {
		t.Errorf("resume status payload = %v, want %v", got, engine.StatusCompleted)
	}
}

func TestResumeUnknownRunnerFailsTask(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestService(st)

	task := &store.Task{
		ID:       "t-resume-ghost",
		Name:     store.TaskNameResume,
		TaskList: store.DefaultTaskList,
		State:    store.TaskPending,
		Data:     map[string]any{store.DataKeyWorkflowID: "ghost"},
	}
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	mustClaimOne(t, svc)

	failed, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if failed.State != store.TaskFailed {
		t.Fatalf("task state = %v, want %v", failed.State, store.TaskFailed)
	}
	if failed.ErrorKind != aflerrors.KindNotFound {
		t.Errorf("task error kind = %q, want %q", failed.ErrorKind, aflerrors.KindNotFound)
	}
}

func TestBusyRunnerRequeuesTask(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestService(st)

	runner := &store.Runner{
		ID:           "r-busy",
		WorkflowName: "demo.GreetWorkflow",
		Snapshot:     []byte(greetDoc),
		State:        store.RunnerPaused,
	}
	if err := st.SaveRunner(ctx, runner); err != nil {
		t.Fatalf("SaveRunner() error = %v", err)
	}
	held, err := st.AcquireLock(ctx, engine.RunnerLockKey(runner.ID), time.Minute, nil)
	if err != nil || !held {
		t.Fatalf("AcquireLock() = %v, %v, want held", held, err)
	}

	task := &store.Task{
		ID:       "t-busy",
		Name:     store.TaskNameResume,
		RunnerID: runner.ID,
		TaskList: store.DefaultTaskList,
		State:    store.TaskPending,
	}
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	mustClaimOne(t, svc)

	requeued, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if requeued.State != store.TaskPending {
		t.Errorf("task state = %v, want %v", requeued.State, store.TaskPending)
	}
	if requeued.ServerID != "" {
		t.Errorf("task server id = %q, want empty after requeue", requeued.ServerID)
	}
}

func TestCancelledRunnerTaskIgnored(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestService(st)

	runner := &store.Runner{
		ID:           "r-cancelled",
		WorkflowName: "demo.GreetWorkflow",
		Snapshot:     []byte(greetDoc),
		State:        store.RunnerCancelled,
	}
	if err := st.SaveRunner(ctx, runner); err != nil {
		t.Fatalf("SaveRunner() error = %v", err)
	}
	task := &store.Task{
		ID:       "t-cancelled",
		Name:     store.TaskNameResume,
		RunnerID: runner.ID,
		TaskList: store.DefaultTaskList,
		State:    store.TaskPending,
	}
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	mustClaimOne(t, svc)

	ignored, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if ignored.State != store.TaskIgnored {
		t.Errorf("task state = %v, want %v", ignored.State, store.TaskIgnored)
	}
}

func TestServiceRunLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := memory.New()
	publishFlow(t, st, "fl-greet", "greet", greetDoc)

	svc := New(st).
		WithLogger(testLogger()).
		WithPollInterval(10 * time.Millisecond).
		WithConcurrency(2).
		WithHeartbeatInterval(20 * time.Millisecond).
		WithDispatcher(greetDispatcher())

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	task, err := Submit(ctx, st, ExecuteRequest{
		FlowID:       "fl-greet",
		WorkflowName: "demo.GreetWorkflow",
		Inputs:       map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var last *store.Task
	for i := 0; i < 200; i++ {
		last, err = st.GetTask(ctx, task.ID)
		if err == nil && last.State.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last == nil || last.State != store.TaskCompleted {
		t.Fatalf("task did not complete: %+v", last)
	}

	runner, err := st.GetRunner(ctx, last.RunnerID)
	if err != nil {
		t.Fatalf("GetRunner() error = %v", err)
	}
	if runner.State != store.RunnerCompleted {
		t.Errorf("runner state = %v, want %v (error: %s)", runner.State, store.RunnerCompleted, runner.Error)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after cancel")
	}

	servers, err := st.ListServers(context.Background(), store.ServerFilter{ServiceName: ServiceName})
	if err != nil {
		t.Fatalf("ListServers() error = %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("server count = %d, want 1", len(servers))
	}
	if servers[0].State != store.ServerShutdown {
		t.Errorf("server state = %v, want %v", servers[0].State, store.ServerShutdown)
	}
}
