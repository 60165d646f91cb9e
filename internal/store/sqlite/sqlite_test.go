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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		b, err := New(Config{Path: filepath.Join(t.TempDir(), "agentflow.db"), WAL: true})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		return b
	})
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agentflow.db")

	b, err := New(Config{Path: path, WAL: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	runner := &store.Runner{
		ID:           "runner-1",
		WorkflowName: "demo.main",
		State:        store.RunnerPaused,
		Snapshot:     []byte(`{"name":"demo"}`),
	}
	if err := b.SaveRunner(ctx, runner); err != nil {
		t.Fatalf("SaveRunner() error = %v", err)
	}
	step := &store.Step{
		ID:         "step-1",
		RunnerID:   "runner-1",
		ObjectType: store.ObjectWorkflow,
		State:      store.StateEventTransmit,
	}
	if err := b.SaveStep(ctx, step); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := New(Config{Path: path, WAL: true})
	if err != nil {
		t.Fatalf("New(reopen) error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("GetRunner() after reopen error = %v", err)
	}
	if got.State != store.RunnerPaused || string(got.Snapshot) != `{"name":"demo"}` {
		t.Errorf("runner after reopen = %+v", got)
	}

	gotStep, err := reopened.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("GetStep() after reopen error = %v", err)
	}
	if gotStep.State != store.StateEventTransmit {
		t.Errorf("step state after reopen = %q, want EventTransmit", gotStep.State)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "agentflow.db"), WAL: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	// Sub-second creation times must keep their ordering through the
	// TEXT column round trip.
	base := time.Now()
	early := &store.Task{ID: "t1", Name: "n", TaskList: "default", State: store.TaskPending, CreatedAt: base}
	late := &store.Task{ID: "t0", Name: "n", TaskList: "default", State: store.TaskPending, CreatedAt: base.Add(3 * time.Millisecond)}
	if err := b.SaveTask(ctx, early); err != nil {
		t.Fatalf("SaveTask(early) error = %v", err)
	}
	if err := b.SaveTask(ctx, late); err != nil {
		t.Fatalf("SaveTask(late) error = %v", err)
	}

	got, err := b.ClaimTask(ctx, []string{"n"}, "default", "srv")
	if err != nil {
		t.Fatalf("ClaimTask() error = %v", err)
	}
	if got == nil || got.ID != "t1" {
		t.Errorf("ClaimTask() = %v, want t1 (earlier by 3ms)", got)
	}

	stored, err := b.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if !stored.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", stored.CreatedAt, base)
	}
}
