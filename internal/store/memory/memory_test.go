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

package memory

import (
	"context"
	"testing"

	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	step := &store.Step{
		ID:         "step-1",
		RunnerID:   "runner-1",
		ObjectType: store.ObjectVariableAssignment,
		State:      store.StateCreated,
	}
	step.SetParam("text", "original", "string")
	if err := s.SaveStep(ctx, step); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}

	// Mutating the caller's copy after save must not leak into the store.
	step.State = store.StateStatementError
	step.SetParam("text", "mutated", "string")

	got, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	if got.State != store.StateCreated {
		t.Errorf("State = %q, caller mutation leaked into store", got.State)
	}
	if v, _ := got.Param("text"); v != "original" {
		t.Errorf("Param(text) = %v, caller mutation leaked into store", v)
	}

	// Mutating a retrieved copy must not leak either.
	got.SetParam("text", "other", "string")
	again, _ := s.GetStep(ctx, "step-1")
	if v, _ := again.Param("text"); v != "original" {
		t.Errorf("Param(text) = %v, retrieved copy shares memory with store", v)
	}
}
