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

// Package runners provides the afl runners command group: listing,
// inspecting, cancelling, and reading the logs of workflow runners.
package runners

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/store"
)

// NewRunnersCommand creates the runners command group.
func NewRunnersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runners",
		Aliases: []string{"runner"},
		Short:   "Manage workflow runners",
		Long: `Commands for listing, viewing, and cancelling workflow runners.

A runner is one execution instance of a workflow; its state moves
through created, running, paused, and one of completed, failed, or
cancelled.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newLogsCommand())
	cmd.AddCommand(NewCancelCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		state    string
		workflow string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runners",
		Example: `  # List all runners
  afl runners list

  # List failed runners of one workflow
  afl runners list --state failed --workflow demo.AddOneWorkflow`,
		Args: cobra.NoArgs,
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

			list, err := st.ListRunners(ctx, store.RunnerFilter{
				State:        store.RunnerState(state),
				WorkflowName: workflow,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				cmd.Println("no runners")
				return nil
			}
			for _, r := range list {
				cmd.Printf("%s  %-10s  %s\n", r.ID, r.State, r.WorkflowName)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (created, running, paused, completed, failed, cancelled)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "Filter by workflow name")
	cmd.Flags().IntVar(&limit, "limit", 0, "Limit the number of results")

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <runner-id>",
		Short: "Show a runner, its parameters, and its returns",
		Args:  cobra.ExactArgs(1),
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

			r, err := st.GetRunner(ctx, args[0])
			if err != nil {
				return err
			}

			cmd.Printf("runner %s\n", r.ID)
			cmd.Printf("  workflow: %s\n", r.WorkflowName)
			cmd.Printf("  state:    %s\n", r.State)
			if r.StartTime != nil {
				cmd.Printf("  started:  %s\n", r.StartTime.Format(time.RFC3339))
			}
			if r.EndTime != nil {
				cmd.Printf("  ended:    %s\n", r.EndTime.Format(time.RFC3339))
				cmd.Printf("  duration: %dms\n", r.DurationMS)
			}
			if r.Error != "" {
				cmd.Printf("  error:    %s (%s)\n", r.Error, r.ErrorKind)
			}
			cmd.Println("  params:")
			cmd.Println(shared.FormatValues(r.Params.Values()))

			root, err := st.GetRootStep(ctx, r.ID)
			if err == nil && root != nil {
				cmd.Println("  returns:")
				cmd.Println(shared.FormatValues(root.Attributes.Returns.Values()))
			}
			return nil
		},
	}
}

func newLogsCommand() *cobra.Command {
	var stepID string

	cmd := &cobra.Command{
		Use:   "logs <runner-id>",
		Short: "Print a runner's diagnostic log",
		Args:  cobra.ExactArgs(1),
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

			records, err := st.ListLogs(ctx, store.LogFilter{RunnerID: args[0], StepID: stepID})
			if err != nil {
				return err
			}
			if len(records) == 0 {
				cmd.Println("no log records")
				return nil
			}
			for _, rec := range records {
				level := rec.Level
				if level == "" {
					level = "info"
				}
				cmd.Printf("%s  %-5s  %s\n", rec.Time.Format(time.RFC3339), level, rec.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stepID, "step", "", "Restrict to one step's records")

	return cmd
}

// NewCancelCommand builds the cancel subcommand. It is also installed
// at the top level as `afl cancel`.
func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <runner-id>",
		Short: "Cancel a runner",
		Long: `Mark a runner cancelled.

The evaluator short-circuits at its next entry and any claimed task
for the runner is marked ignored. In-flight handler invocations are
not interrupted; their results are discarded.`,
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

			return Cancel(cmd, st, args[0])
		},
	}
}

// Cancel marks a runner cancelled unless it is already terminal.
func Cancel(cmd *cobra.Command, st store.RunnerStore, runnerID string) error {
	ctx := cmd.Context()
	r, err := st.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		cmd.Printf("runner %s is already %s\n", r.ID, r.State)
		return nil
	}

	now := time.Now().UTC()
	r.State = store.RunnerCancelled
	r.EndTime = &now
	if r.StartTime != nil {
		r.DurationMS = now.Sub(*r.StartTime).Milliseconds()
	}
	if err := st.SaveRunner(ctx, r); err != nil {
		return err
	}
	cmd.Printf("cancelled runner %s\n", r.ID)
	return nil
}
