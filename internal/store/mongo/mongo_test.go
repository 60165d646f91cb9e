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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/store"
)

func TestNewRequiresURI(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Fatal("New() with empty URI should fail")
	}
}

func TestNewRejectsUnreachableServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping connection attempt in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, Config{
		URI:            "mongodb://127.0.0.1:1",
		ConnectTimeout: 500 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("New() against unreachable server should fail")
	}
}

func TestStepDocRoundTrip(t *testing.T) {
	now := time.Now()
	step := &store.Step{
		ID:          "step-1",
		RunnerID:    "runner-1",
		ObjectType:  store.ObjectAndMap,
		State:       store.StateBlockExecutionContinue,
		ContainerID: "root",
		BlockID:     "blk",
		StatementID: "s1",
		FacetName:   "core.andmap",
		Foreach:     &store.ForeachBinding{Var: "item", Index: 2, Value: "c"},
		Version:     4,
		PushMe:      true,
	}
	step.SetParam("items", []any{"a", "b", "c"}, "list")

	doc := newStepDoc(step, now)
	got := doc.toStep()

	if got.ID != step.ID || got.ObjectType != step.ObjectType || got.State != step.State {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if got.Foreach == nil || got.Foreach.Index != 2 || got.Foreach.Var != "item" {
		t.Errorf("Foreach = %+v, want index 2 var item", got.Foreach)
	}
	if !got.PushMe || got.Version != 4 {
		t.Errorf("flags mismatch: push_me=%v version=%d", got.PushMe, got.Version)
	}
	if v, ok := got.Param("items"); !ok || len(v.([]any)) != 3 {
		t.Errorf("Param(items) = %v, %v", v, ok)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}
}

func TestEventDocLiveFlag(t *testing.T) {
	now := time.Now()

	live := newEventDoc(&store.Event{ID: "e1", StepID: "s1", State: store.EventDispatched}, now)
	if !live.Live {
		t.Error("dispatched event should be live")
	}

	done := newEventDoc(&store.Event{ID: "e2", StepID: "s1", State: store.EventCompleted}, now)
	if done.Live {
		t.Error("completed event should not be live")
	}
	failed := newEventDoc(&store.Event{ID: "e3", StepID: "s1", State: store.EventError}, now)
	if failed.Live {
		t.Error("errored event should not be live")
	}
}

func TestSetFieldsDropsIdentityAndCreation(t *testing.T) {
	now := time.Now()
	doc := newTaskDoc(&store.Task{
		ID:       "task-1",
		Name:     store.TaskNameExecute,
		TaskList: store.DefaultTaskList,
		State:    store.TaskPending,
	}, now)

	set, err := setFields(doc)
	if err != nil {
		t.Fatalf("setFields() error = %v", err)
	}
	if _, ok := set["_id"]; ok {
		t.Error("$set payload must not carry _id")
	}
	if _, ok := set["created_at"]; ok {
		t.Error("$set payload must not carry created_at")
	}
	if set["name"] != store.TaskNameExecute {
		t.Errorf("set[name] = %v, want %s", set["name"], store.TaskNameExecute)
	}
	if set["task_list_name"] != store.DefaultTaskList {
		t.Errorf("set[task_list_name] = %v", set["task_list_name"])
	}
}

func TestTransactionsUnsupported(t *testing.T) {
	if transactionsUnsupported(nil) {
		t.Error("nil error is not a transaction failure")
	}
	if !transactionsUnsupported(errors.New("Transaction numbers are only allowed on a replica set member or mongos")) {
		t.Error("standalone transaction error should be detected")
	}
	if transactionsUnsupported(errors.New("connection reset")) {
		t.Error("unrelated error misclassified")
	}
}
