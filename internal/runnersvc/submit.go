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

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// ExecuteRequest describes a workflow execution to enqueue.
type ExecuteRequest struct {
	// FlowID identifies the published flow to run.
	FlowID string

	// WorkflowID optionally references the workflow definition row.
	WorkflowID string

	// WorkflowName is the qualified workflow name within the flow.
	WorkflowName string

	// Inputs are the workflow parameters.
	Inputs map[string]any

	// TaskList routes the task; empty means the default list.
	TaskList string
}

// Submit enqueues an afl:execute task. The runner itself is created by
// whichever service instance claims the task; the task's RunnerID is
// filled in at that point, so waiters can poll the task to find the
// runner.
func Submit(ctx context.Context, st store.TaskStore, req ExecuteRequest) (*store.Task, error) {
	if req.FlowID == "" {
		return nil, &aflerrors.ValidationError{Field: "flow_id", Message: "flow id is required"}
	}
	if req.WorkflowName == "" {
		return nil, &aflerrors.ValidationError{Field: "workflow_name", Message: "workflow name is required"}
	}

	taskList := req.TaskList
	if taskList == "" {
		taskList = store.DefaultTaskList
	}
	data := map[string]any{
		store.DataKeyFlowID:       req.FlowID,
		store.DataKeyWorkflowName: req.WorkflowName,
	}
	if req.WorkflowID != "" {
		data[store.DataKeyWorkflowID] = req.WorkflowID
	}
	if len(req.Inputs) > 0 {
		data[store.DataKeyInputs] = req.Inputs
	}

	task := &store.Task{
		ID:         uuid.NewString(),
		Name:       store.TaskNameExecute,
		WorkflowID: req.WorkflowID,
		FlowID:     req.FlowID,
		TaskList:   taskList,
		State:      store.TaskPending,
		Data:       data,
	}
	if err := st.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueueing execute task: %w", err)
	}
	return task, nil
}
