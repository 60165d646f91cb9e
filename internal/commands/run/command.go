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

// Package run provides the afl run command: enqueue a workflow
// execution, optionally publishing the flow document first and waiting
// for the result.
package run

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/internal/commands/flows"
	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/runnersvc"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/pkg/flow"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	var (
		workflowName string
		inputs       []string
		taskList     string
		wait         bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <flow-file|flow-name>",
		Short: "Execute a workflow",
		Long: `Enqueue an afl:execute task for a workflow.

When the argument is a file, the flow is published first; otherwise it
names an already-published flow. The task is claimed by a runner
service, which creates the runner and drives evaluation. With --wait,
the command polls until the runner is terminal and prints its returns.`,
		Example: `  # Publish and run the only workflow in a document
  afl run addone.yaml --input input=41 --wait

  # Run a named workflow from a published flow
  afl run billing --workflow billing.Settle --input account=a-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, closeStore, err := shared.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			values, err := shared.ParseKeyValues(inputs)
			if err != nil {
				return err
			}

			fl, err := resolveOrPublish(ctx, st, args[0])
			if err != nil {
				return err
			}

			program, err := flow.Decode(fl.Compiled)
			if err != nil {
				return err
			}
			name, err := chooseWorkflow(program, workflowName)
			if err != nil {
				return err
			}

			task, err := runnersvc.Submit(ctx, st, runnersvc.ExecuteRequest{
				FlowID:       fl.ID,
				WorkflowName: name,
				Inputs:       values,
				TaskList:     taskList,
			})
			if err != nil {
				return err
			}

			cmd.Printf("queued %s (task %s)\n", name, task.ID)
			if !wait {
				return nil
			}
			return waitForRunner(cmd, st, task.ID, timeout)
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "Workflow name (default: the flow's only workflow)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Workflow input as key=value (repeatable)")
	cmd.Flags().StringVar(&taskList, "task-list", "", "Task list routing the execution")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the runner to finish and print its returns")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up waiting after this long")

	return cmd
}

// resolveOrPublish treats an existing file path as a document to
// publish and anything else as a published flow reference.
func resolveOrPublish(ctx context.Context, st store.Store, ref string) (*store.Flow, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		fl, _, err := flows.PublishFile(ctx, st, ref, "")
		return fl, err
	}
	if fl, err := st.GetFlow(ctx, ref); err == nil {
		return fl, nil
	}
	return st.GetFlowByName(ctx, ref)
}

// chooseWorkflow resolves the workflow to execute, defaulting to the
// program's only workflow.
func chooseWorkflow(program *flow.Program, name string) (string, error) {
	names := program.WorkflowNames()
	if name != "" {
		if _, ok := program.Workflow(name); !ok {
			return "", fmt.Errorf("workflow %q not found; flow declares %v", name, names)
		}
		return name, nil
	}
	switch len(names) {
	case 0:
		return "", fmt.Errorf("flow declares no workflows")
	case 1:
		return names[0], nil
	default:
		return "", fmt.Errorf("flow declares %d workflows, pick one with --workflow: %v", len(names), names)
	}
}

// waitForRunner polls the submitted task until it is linked to a
// runner, then the runner until it is terminal.
func waitForRunner(cmd *cobra.Command, st store.Store, taskID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var runnerID string
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for the runner to finish")
		case <-ticker.C:
		}

		if runnerID == "" {
			task, err := st.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if task.State == store.TaskFailed {
				return fmt.Errorf("execution failed: %s", task.Error)
			}
			if task.RunnerID == "" {
				continue
			}
			runnerID = task.RunnerID
		}

		r, err := st.GetRunner(ctx, runnerID)
		if err != nil {
			return err
		}
		if !r.State.Terminal() {
			continue
		}

		cmd.Printf("runner %s %s\n", r.ID, r.State)
		if r.Error != "" {
			cmd.Printf("  error: %s (%s)\n", r.Error, r.ErrorKind)
		}
		root, err := st.GetRootStep(ctx, r.ID)
		if err == nil && root != nil && len(root.Attributes.Returns) > 0 {
			cmd.Println("  returns:")
			cmd.Println(shared.FormatValues(root.Attributes.Returns.Values()))
		}
		if r.State != store.RunnerCompleted {
			return fmt.Errorf("runner finished %s", r.State)
		}
		return nil
	}
}
