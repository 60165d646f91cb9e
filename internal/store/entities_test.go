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

import (
	"testing"
	"time"
)

func TestObjectType_IsBlock(t *testing.T) {
	tests := []struct {
		objectType ObjectType
		want       bool
	}{
		{ObjectVariableAssignment, false},
		{ObjectYieldAssignment, false},
		{ObjectWorkflow, false},
		{ObjectSchemaInstantiation, false},
		{ObjectAndThen, true},
		{ObjectAndMap, true},
		{ObjectAndMatch, true},
		{ObjectBlock, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.objectType), func(t *testing.T) {
			if got := tt.objectType.IsBlock(); got != tt.want {
				t.Errorf("IsBlock() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTerminalState(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{StateCreated, false},
		{StateEventTransmit, false},
		{StateStatementEnd, false},
		{StateBlockExecutionContinue, false},
		{StateStatementComplete, true},
		{StateStatementError, true},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := TerminalState(tt.state); got != tt.want {
				t.Errorf("TerminalState(%q) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestStep_Attributes(t *testing.T) {
	step := &Step{ID: "s1"}

	if _, ok := step.Param("value"); ok {
		t.Error("Param on empty step should report not set")
	}

	step.SetParam("value", int64(41), "Long")
	step.SetReturn("result", int64(42), "Long")

	v, ok := step.Param("value")
	if !ok || v != int64(41) {
		t.Errorf("Param(value) = %v, %v; want 41, true", v, ok)
	}

	r, ok := step.Return("result")
	if !ok || r != int64(42) {
		t.Errorf("Return(result) = %v, %v; want 42, true", r, ok)
	}

	if step.Attributes.Params["value"].Type != "Long" {
		t.Errorf("expected type hint 'Long', got %q", step.Attributes.Params["value"].Type)
	}
}

func TestAttributes_Values(t *testing.T) {
	attrs := Attributes{
		"value": {Value: int64(41), Type: "Long"},
		"name":  {Value: "x", Type: "String"},
	}

	values := attrs.Values()
	if len(values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(values))
	}
	if values["value"] != int64(41) {
		t.Errorf("expected value 41, got %v", values["value"])
	}
	if values["name"] != "x" {
		t.Errorf("expected name 'x', got %v", values["name"])
	}

	var empty Attributes
	if empty.Values() != nil {
		t.Error("nil attributes should flatten to nil")
	}
}

func TestTaskState_Terminal(t *testing.T) {
	terminal := []TaskState{TaskCompleted, TaskFailed, TaskIgnored, TaskCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	live := []TaskState{TaskPending, TaskRunning}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestEventState_Terminal(t *testing.T) {
	if !EventCompleted.Terminal() || !EventError.Terminal() {
		t.Error("Completed and Error should be terminal")
	}
	if EventCreated.Terminal() || EventDispatched.Terminal() || EventProcessing.Terminal() {
		t.Error("Created, Dispatched, Processing should be non-terminal")
	}
}

func TestRunnerState_Terminal(t *testing.T) {
	if !RunnerCompleted.Terminal() || !RunnerFailed.Terminal() || !RunnerCancelled.Terminal() {
		t.Error("completed, failed, cancelled should be terminal")
	}
	if RunnerCreated.Terminal() || RunnerRunning.Terminal() || RunnerPaused.Terminal() {
		t.Error("created, running, paused should be non-terminal")
	}
}

func TestLock_Expired(t *testing.T) {
	now := time.Now()
	lock := &Lock{
		Key:        "runner:abc",
		AcquiredAt: now.Add(-time.Minute),
		ExpiresAt:  now.Add(-time.Second),
	}

	if !lock.Expired(now) {
		t.Error("lock past its expiry should be expired")
	}

	lock.ExpiresAt = now.Add(time.Minute)
	if lock.Expired(now) {
		t.Error("lock before its expiry should not be expired")
	}
}
