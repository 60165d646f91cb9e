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

package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/runnersvc"
	"github.com/agentflow/agentflow/internal/store"
)

// NewRunnerServiceCommand creates the runner-service command.
func NewRunnerServiceCommand() *cobra.Command {
	var (
		taskList      string
		pollInterval  time.Duration
		concurrency   int
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "runner-service",
		Short: "Run the workflow runner service",
		Long: `Start the runner service daemon.

The runner service polls the task queue for afl:execute and afl:resume
tasks and drives workflow evaluation: it creates runners, advances
their step trees through the evaluator, and pauses or completes them.
Multiple instances may run against the same store; a per-runner lock
keeps each runner on a single instance at a time.`,
		Example: `  # Run against the configured store on the default task list
  afl runner-service

  # Run a dedicated high-priority queue with more workers
  afl runner-service --task-list priority --concurrency 16`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if taskList != "" {
				cfg.Runner.TaskList = taskList
			}
			if pollInterval > 0 {
				cfg.Runner.PollInterval = pollInterval
			}
			if concurrency > 0 {
				cfg.Runner.Concurrency = concurrency
			}
			if metricsListen != "" {
				cfg.Metrics.Listen = metricsListen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runDaemon(cfg, "afl-runner", func(ctx context.Context, st store.Store, logger *slog.Logger) error {
				svc := runnersvc.New(st).
					WithTaskList(cfg.Runner.TaskList).
					WithPollInterval(cfg.Runner.PollInterval).
					WithConcurrency(cfg.Runner.Concurrency).
					WithHeartbeatInterval(cfg.Runner.HeartbeatInterval).
					WithJanitorInterval(cfg.Runner.JanitorInterval).
					WithStaleAfter(cfg.Runner.StaleAfter).
					WithLockLease(cfg.Runner.LockLease).
					WithLogger(logger)
				return svc.Run(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&taskList, "task-list", "", "Task list to poll (default from config)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "Sleep between empty claim attempts")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent runner evaluations")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Address serving /metrics and /healthz")

	return cmd
}
