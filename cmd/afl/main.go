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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/internal/commands/daemon"
	"github.com/agentflow/agentflow/internal/commands/flows"
	"github.com/agentflow/agentflow/internal/commands/run"
	"github.com/agentflow/agentflow/internal/commands/runners"
	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/commands/steps"
	versioncmd "github.com/agentflow/agentflow/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	shared.SetVersion(version, commit, buildDate)

	cmd := &cobra.Command{
		Use:   "afl",
		Short: "AgentFlow - distributed workflow orchestration",
		Long: `AgentFlow runs long-running, event-driven business processes
described as flows of facets and workflows. Workflows execute as durable
step trees: event facets dispatch work to external agents and block until
the result comes back, and execution resumes exactly where it paused.

Run 'afl runner-service' and 'afl agent' to start the two daemons, then
'afl run' to execute a workflow.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	shared.RegisterGlobalFlags(cmd)

	cmd.AddCommand(daemon.NewRunnerServiceCommand())
	cmd.AddCommand(daemon.NewAgentCommand())
	cmd.AddCommand(run.NewRunCommand())
	cmd.AddCommand(steps.NewContinueCommand())
	cmd.AddCommand(flows.NewFlowsCommand())
	cmd.AddCommand(runners.NewRunnersCommand())
	cmd.AddCommand(runners.NewCancelCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
