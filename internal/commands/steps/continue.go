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

// Package steps provides the afl continue command: supplying a blocked
// step's result by hand, for operating without an agent.
package steps

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/engine"
)

// NewContinueCommand creates the continue command.
func NewContinueCommand() *cobra.Command {
	var (
		results []string
		fail    bool
		errMsg  string
	)

	cmd := &cobra.Command{
		Use:   "continue <step-id>",
		Short: "Supply a blocked step's result",
		Long: `Continue a step parked at external dispatch.

The supplied result values become the step's return attributes, the
step advances, and an afl:resume task is queued so a runner service
resumes the workflow. With --fail the step is marked errored instead
and the failure propagates to the runner.`,
		Example: `  # Supply the handler result by hand
  afl continue 4f7c... --result result=42

  # Fail the step
  afl continue 4f7c... --fail --error "upstream unavailable"`,
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

			if fail {
				if errMsg == "" {
					errMsg = "failed by operator"
				}
				if err := engine.FailStep(ctx, st, args[0], fmt.Errorf("%s", errMsg)); err != nil {
					return err
				}
				cmd.Printf("failed step %s\n", args[0])
				return nil
			}

			values, err := shared.ParseKeyValues(results)
			if err != nil {
				return err
			}
			if err := engine.ContinueStep(ctx, st, args[0], values); err != nil {
				return err
			}
			cmd.Printf("continued step %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&results, "result", nil, "Return attribute as key=value (repeatable)")
	cmd.Flags().BoolVar(&fail, "fail", false, "Mark the step errored instead of continuing it")
	cmd.Flags().StringVar(&errMsg, "error", "", "Error message recorded with --fail")

	return cmd
}
