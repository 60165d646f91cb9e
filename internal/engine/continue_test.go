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

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/memory"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// pauseAddOne runs the one-call workflow without a dispatcher and
// returns the step parked at its dispatch state.
func pauseAddOne(t *testing.T, st store.Store, runnerID string) *store.Step {
	t.Helper()
	ctx := context.Background()
	runner := seedRunner(t, st, runnerID, "demo.AddOneWorkflow", toAttrs(map[string]any{"input": 41}))
	evaluator := New(st).WithLogger(testLogger())

	status, err := evaluator.Run(ctx, runner.ID, mustDecode(t, addOneDoc))
	if err != nil || status != StatusPaused {
		t.Fatalf("Run() = %v, %v, want %v, nil", status, err, StatusPaused)
	}

	blocked, err := st.ListSteps(ctx, store.StepFilter{RunnerID: runner.ID, State: store.StateEventTransmit})
	if err != nil || len(blocked) != 1 {
		t.Fatalf("blocked steps = %d (%v), want 1", len(blocked), err)
	}
	return blocked[0]
}

func TestContinueStepRejectsUnblockedStep(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	runner := seedRunner(t, st, "r-conflict", "demo.AddOneWorkflow", toAttrs(map[string]any{"input": 41}))

	dispatcher := stubDispatcher{
		"AddOne": func(payload map[string]any) (map[string]any, error) {
			return map[string]any{"result": payload["value"].(int) + 1}, nil
		},
	}
	evaluator := New(st).WithDispatcher(dispatcher).WithLogger(testLogger())
	if status, err := evaluator.Run(ctx, runner.ID, mustDecode(t, addOneDoc)); err != nil || status != StatusCompleted {
		t.Fatalf("Run() = %v, %v, want %v, nil", status, err, StatusCompleted)
	}

	root, err := st.GetRootStep(ctx, runner.ID)
	if err != nil {
		t.Fatalf("GetRootStep() error = %v", err)
	}
	err = ContinueStep(ctx, st, root.ID, map[string]any{"result": 1})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("ContinueStep() error = %v, want %v", err, ErrConflict)
	}
}

func TestContinueStepTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	blocked := pauseAddOne(t, st, "r-twice")

	if err := ContinueStep(ctx, st, blocked.ID, map[string]any{"result": 42}); err != nil {
		t.Fatalf("first ContinueStep() error = %v", err)
	}
	err := ContinueStep(ctx, st, blocked.ID, map[string]any{"result": 43})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second ContinueStep() error = %v, want %v", err, ErrConflict)
	}
}

func TestContinueStepUnknownStep(t *testing.T) {
	st := memory.New()
	err := ContinueStep(context.Background(), st, "no-such-step", nil)
	if !aflerrors.IsNotFound(err) {
		t.Errorf("ContinueStep() error = %v, want not-found", err)
	}
}

func TestFailStepPropagatesKind(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	blocked := pauseAddOne(t, st, "r-failstep")

	cause := &aflerrors.DownloadError{URI: "mvn:demo/handler/1.0", Reason: "artifact not found"}
	if err := FailStep(ctx, st, blocked.ID, cause); err != nil {
		t.Fatalf("FailStep() error = %v", err)
	}

	failed, err := st.GetStep(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	if failed.State != store.StateStatementError {
		t.Errorf("step state = %s, want %s", failed.State, store.StateStatementError)
	}
	if failed.ErrorKind != aflerrors.KindDownloadFailure {
		t.Errorf("step error kind = %q, want %q", failed.ErrorKind, aflerrors.KindDownloadFailure)
	}

	events, err := st.ListEvents(ctx, blocked.RunnerID)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].State != store.EventError {
		t.Fatalf("event state = %v, want %v", events[0].State, store.EventError)
	}

	resumes, err := st.ListTasks(ctx, store.TaskFilter{Name: store.TaskNameResume})
	if err != nil || len(resumes) != 1 {
		t.Fatalf("resume tasks = %d (%v), want 1", len(resumes), err)
	}

	// Re-evaluation propagates the failure to the containers and the
	// runner, keeping the original kind.
	evaluator := New(st).WithLogger(testLogger())
	status, err := evaluator.Run(ctx, blocked.RunnerID, mustDecode(t, addOneDoc))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("Run() status = %v, want %v", status, StatusFailed)
	}

	runner, err := st.GetRunner(ctx, blocked.RunnerID)
	if err != nil {
		t.Fatalf("GetRunner() error = %v", err)
	}
	if runner.ErrorKind != aflerrors.KindDownloadFailure {
		t.Errorf("runner error kind = %q, want %q", runner.ErrorKind, aflerrors.KindDownloadFailure)
	}
}

// raceStore injects a continuation between the evaluator's snapshot and
// its commit, the interleaving an agent produces against a live
// evaluator.
type raceStore struct {
	store.Store
	once sync.Once
	fire func()
}

func (r *raceStore) Commit(ctx context.Context, changes *store.Changes) error {
	r.once.Do(r.fire)
	return r.Store.Commit(ctx, changes)
}

// A continuation landing mid-iteration must not be erased by the
// evaluator's commit: the result survives and the facet is dispatched
// exactly once.
func TestRunRacingContinueDispatchesOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	blocked := pauseAddOne(t, st, "r-race")

	var continueErr error
	wrapped := &raceStore{Store: st}
	wrapped.fire = func() {
		continueErr = ContinueStep(ctx, st, blocked.ID, map[string]any{"result": 42})
	}

	evaluator := New(wrapped).WithLogger(testLogger())
	status, err := evaluator.Run(ctx, blocked.RunnerID, mustDecode(t, addOneDoc))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if continueErr != nil {
		t.Fatalf("ContinueStep() error = %v", continueErr)
	}
	if status != StatusCompleted {
		t.Fatalf("Run() status = %v, want %v", status, StatusCompleted)
	}

	final, err := st.GetStep(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	if final.State != store.StateStatementComplete {
		t.Errorf("step state = %s, want %s", final.State, store.StateStatementComplete)
	}
	if v, ok := final.Return("result"); !ok || v != 42 {
		t.Errorf("step result = %v, %v; want 42, true", v, ok)
	}

	root, err := st.GetRootStep(ctx, blocked.RunnerID)
	if err != nil {
		t.Fatalf("GetRootStep() error = %v", err)
	}
	if v, ok := root.Return("output"); !ok || v != 42 {
		t.Errorf("workflow output = %v, %v; want 42, true", v, ok)
	}

	// Exactly one dispatch: one facet task, one event, both settled.
	tasks, err := st.ListTasks(ctx, store.TaskFilter{StepID: blocked.ID})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("facet tasks for step = %d, want 1", len(tasks))
	}
	events, err := st.ListEvents(ctx, blocked.RunnerID)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].State != store.EventCompleted {
		t.Errorf("event state = %v, want %v", events[0].State, store.EventCompleted)
	}
}

func TestFailStepTerminalIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	runner := seedRunner(t, st, "r-failnoop", "demo.AddOneWorkflow", toAttrs(map[string]any{"input": 41}))

	dispatcher := stubDispatcher{
		"AddOne": func(payload map[string]any) (map[string]any, error) {
			return map[string]any{"result": payload["value"].(int) + 1}, nil
		},
	}
	evaluator := New(st).WithDispatcher(dispatcher).WithLogger(testLogger())
	if status, err := evaluator.Run(ctx, runner.ID, mustDecode(t, addOneDoc)); err != nil || status != StatusCompleted {
		t.Fatalf("Run() = %v, %v, want %v, nil", status, err, StatusCompleted)
	}

	root, err := st.GetRootStep(ctx, runner.ID)
	if err != nil {
		t.Fatalf("GetRootStep() error = %v", err)
	}
	if err := FailStep(ctx, st, root.ID, errors.New("late failure")); err != nil {
		t.Fatalf("FailStep() error = %v", err)
	}

	reloaded, err := st.GetStep(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	if reloaded.State != store.StateStatementComplete {
		t.Errorf("step state = %s, want untouched %s", reloaded.State, store.StateStatementComplete)
	}

	tasks, err := st.ListTasks(ctx, store.TaskFilter{RunnerID: runner.ID})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("task count = %d, want 0 (no resume queued)", len(tasks))
	}
}
