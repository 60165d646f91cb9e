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
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/memory"
)

func seedServer(t *testing.T, st store.Store, id string, ping time.Time) {
	t.Helper()
	srv := &store.Server{
		ID:          id,
		ServiceName: "afl-agent",
		StartTime:   ping,
		PingTime:    ping,
		State:       store.ServerRunning,
	}
	if err := st.SaveServer(context.Background(), srv); err != nil {
		t.Fatalf("SaveServer() error = %v", err)
	}
}

func seedTask(t *testing.T, st store.Store, id, serverID string, state store.TaskState) {
	t.Helper()
	task := &store.Task{
		ID:       id,
		Name:     "Greet",
		TaskList: store.DefaultTaskList,
		State:    state,
		ServerID: serverID,
	}
	if err := st.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
}

func taskState(t *testing.T, st store.Store, id string) store.TaskState {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	return task.State
}

func TestSweepRequeuesStaleTasks(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	seedServer(t, st, "srv-dead", time.Now().Add(-2*time.Minute))
	seedServer(t, st, "srv-live", time.Now())
	seedTask(t, st, "t-stale", "srv-dead", store.TaskRunning)
	seedTask(t, st, "t-live", "srv-live", store.TaskRunning)
	seedTask(t, st, "t-done", "srv-dead", store.TaskCompleted)

	j := NewJanitor(st).WithStaleAfter(30 * time.Second).WithLogger(testLogger())
	if err := j.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if got := taskState(t, st, "t-stale"); got != store.TaskPending {
		t.Errorf("stale task state = %v, want %v", got, store.TaskPending)
	}
	stale, err := st.GetTask(ctx, "t-stale")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stale.ServerID != "" {
		t.Errorf("stale task server id = %q, want empty", stale.ServerID)
	}
	if got := taskState(t, st, "t-live"); got != store.TaskRunning {
		t.Errorf("live task state = %v, want %v", got, store.TaskRunning)
	}
	if got := taskState(t, st, "t-done"); got != store.TaskCompleted {
		t.Errorf("finished task state = %v, want %v", got, store.TaskCompleted)
	}

	// The sweep released its lock.
	held, err := st.AcquireLock(ctx, janitorLockKey, time.Minute, nil)
	if err != nil || !held {
		t.Errorf("AcquireLock() after sweep = %v, %v, want held", held, err)
	}
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	seedServer(t, st, "srv-dead", time.Now().Add(-2*time.Minute))
	seedTask(t, st, "t-stale", "srv-dead", store.TaskRunning)

	held, err := st.AcquireLock(ctx, janitorLockKey, time.Minute, nil)
	if err != nil || !held {
		t.Fatalf("AcquireLock() = %v, %v, want held", held, err)
	}

	j := NewJanitor(st).WithStaleAfter(30 * time.Second).WithLogger(testLogger())
	if err := j.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got := taskState(t, st, "t-stale"); got != store.TaskRunning {
		t.Errorf("task state with lock held = %v, want %v", got, store.TaskRunning)
	}

	if err := st.ReleaseLock(ctx, janitorLockKey); err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if err := j.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got := taskState(t, st, "t-stale"); got != store.TaskPending {
		t.Errorf("task state after release = %v, want %v", got, store.TaskPending)
	}
}

func TestJanitorRunSweepsPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := memory.New()

	seedServer(t, st, "srv-dead", time.Now().Add(-2*time.Minute))
	seedTask(t, st, "t-stale", "srv-dead", store.TaskRunning)

	j := NewJanitor(st).
		WithInterval(15 * time.Millisecond).
		WithStaleAfter(30 * time.Second).
		WithLogger(testLogger())

	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for taskState(t, st, "t-stale") != store.TaskPending {
		select {
		case <-deadline:
			t.Fatal("task not requeued by the janitor loop")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
