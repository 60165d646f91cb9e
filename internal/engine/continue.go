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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/step"
	"github.com/agentflow/agentflow/internal/store"
)

// ErrConflict is returned when continue_step targets a step that is not
// awaiting continuation. A second continuation of the same step fails
// this way: the first one advanced it.
var ErrConflict = errors.New("engine: step is not awaiting continuation")

// staleRetries bounds the reload-and-retry cycles when a continuation's
// commit races the evaluator. Each conflict means the evaluator just
// committed; the step it wrote is what the retry reads.
const staleRetries = 5

// ContinueStep supplies a blocked step's return attributes and schedules
// the runner for re-evaluation. The step must be parked at its dispatch
// state; the result is merged into its returns, the step advances, the
// live event completes, and an afl:resume task is queued. All of it
// commits atomically, guarded by the step's version: losing the race to
// a concurrent evaluator commit reloads the step and tries again.
func ContinueStep(ctx context.Context, st store.Store, stepID string, result map[string]any) error {
	for attempt := 0; ; attempt++ {
		err := continueOnce(ctx, st, stepID, result)
		if err == nil || !errors.Is(err, store.ErrStaleVersion) || attempt >= staleRetries {
			return err
		}
	}
}

func continueOnce(ctx context.Context, st store.Store, stepID string, result map[string]any) error {
	s, err := st.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if s.State != store.StateEventTransmit {
		return fmt.Errorf("step %s in state %s: %w", stepID, s.State, ErrConflict)
	}

	for name, value := range result {
		s.SetReturn(name, value, "")
	}
	if err := step.Advance(s); err != nil {
		return fmt.Errorf("failed to advance step %s: %w", stepID, err)
	}
	s.UpdatedAt = time.Now()

	changes := store.NewChanges()
	changes.AddUpdatedStep(s)
	if err := completeLiveEvent(ctx, st, changes, s, store.EventCompleted); err != nil {
		return err
	}
	changes.AddCreatedTask(resumeTask(s.RunnerID, taskListFor(ctx, st, s)))

	return st.Commit(ctx, changes)
}

// FailStep records a handler failure on a step and schedules the runner
// so the error propagates to its containers. Failing an already-terminal
// step is a no-op. Like ContinueStep, it reloads and retries when its
// commit loses a version race.
func FailStep(ctx context.Context, st store.Store, stepID string, cause error) error {
	for attempt := 0; ; attempt++ {
		err := failOnce(ctx, st, stepID, cause)
		if err == nil || !errors.Is(err, store.ErrStaleVersion) || attempt >= staleRetries {
			return err
		}
	}
}

func failOnce(ctx context.Context, st store.Store, stepID string, cause error) error {
	s, err := st.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if s.Terminal() {
		return nil
	}

	step.Fail(s, cause)
	s.UpdatedAt = time.Now()

	changes := store.NewChanges()
	changes.AddUpdatedStep(s)
	if err := completeLiveEvent(ctx, st, changes, s, store.EventError); err != nil {
		return err
	}
	changes.AddCreatedTask(resumeTask(s.RunnerID, taskListFor(ctx, st, s)))

	return st.Commit(ctx, changes)
}

// completeLiveEvent closes the step's non-terminal event, when one
// exists, with the given final state.
func completeLiveEvent(ctx context.Context, st store.Store, changes *store.Changes, s *store.Step, final store.EventState) error {
	events, err := st.ListEvents(ctx, s.RunnerID)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	for _, e := range events {
		if e.StepID != s.ID || e.State.Terminal() {
			continue
		}
		e.State = final
		e.UpdatedAt = time.Now()
		changes.AddUpdatedEvent(e)
		return nil
	}
	return nil
}

// resumeTask builds the afl:resume control task for a runner.
func resumeTask(runnerID, taskList string) *store.Task {
	now := time.Now()
	return &store.Task{
		ID:       uuid.NewString(),
		Name:     store.TaskNameResume,
		RunnerID: runnerID,
		TaskList: taskList,
		State:    store.TaskPending,
		Data: map[string]any{
			store.DataKeyWorkflowID: runnerID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// taskListFor routes the resume onto the task list the step's dispatch
// task used, falling back to the default list.
func taskListFor(ctx context.Context, st store.Store, s *store.Step) string {
	tasks, err := st.ListTasks(ctx, store.TaskFilter{StepID: s.ID})
	if err != nil || len(tasks) == 0 {
		return store.DefaultTaskList
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		if tasks[i].TaskList != "" {
			return tasks[i].TaskList
		}
	}
	return store.DefaultTaskList
}
