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
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/internal/agent"
	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/store"
)

// NewAgentCommand creates the agent command.
func NewAgentCommand() *cobra.Command {
	var (
		taskList      string
		topics        []string
		handlers      []string
		maxConcurrent int
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent poller",
		Long: `Start an agent daemon.

The agent polls the task queue for domain facet tasks, claims them
atomically, and dispatches each to a handler: registered in-process,
or resolved from the handler registry and executed as an artifact
subprocess. Handler results continue the blocked step and queue the
afl:resume task the runner service picks up.`,
		Example: `  # Serve every registered handler on the default task list
  afl agent

  # Restrict to a topic pattern and announce a local handler artifact
  afl agent --topics 'billing.*' --handlers Charge=file:///opt/handlers/charge.jar`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if taskList != "" {
				cfg.Agent.TaskList = taskList
			}
			if len(topics) > 0 {
				cfg.Agent.Topics = topics
			}
			if maxConcurrent > 0 {
				cfg.Agent.MaxConcurrent = maxConcurrent
			}
			if metricsListen != "" {
				cfg.Metrics.Listen = metricsListen
			}
			for _, spec := range handlers {
				hc, err := parseHandlerSpec(spec)
				if err != nil {
					return err
				}
				cfg.Agent.Handlers = append(cfg.Agent.Handlers, hc)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runDaemon(cfg, "afl-agent", func(ctx context.Context, st store.Store, logger *slog.Logger) error {
				return BuildAgent(cfg, st, logger).Run(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&taskList, "task-list", "", "Task list to poll (default from config)")
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "Glob patterns restricting served facets")
	cmd.Flags().StringSliceVar(&handlers, "handlers", nil, "Artifact handlers to announce, facet=module-uri")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Concurrent handler executions")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Address serving /metrics and /healthz")

	return cmd
}

// BuildAgent assembles an agent from configuration. Shared with the
// all-in-one afld daemon.
func BuildAgent(cfg *config.Config, st store.Store, logger *slog.Logger) *agent.Agent {
	resolver := agent.NewResolver(cfg.Agent.CacheDir).
		WithRepository(cfg.Agent.ArtifactRepo).
		WithLogger(logger)

	storeEnv := map[string]string{}
	if cfg.Store.URL != "" {
		storeEnv["AFL_STORE_URL"] = cfg.Store.URL
	}
	if cfg.Store.Database != "" {
		storeEnv["AFL_STORE_DB"] = cfg.Store.Database
	}
	launcher := agent.NewLauncher().
		WithJavaCommand(cfg.Agent.JavaCmd).
		WithStoreEnv(storeEnv).
		WithLogger(logger)

	regs := make([]*store.HandlerRegistration, 0, len(cfg.Agent.Handlers))
	facets := make([]string, 0, len(cfg.Agent.Handlers))
	for _, hc := range cfg.Agent.Handlers {
		regs = append(regs, &store.HandlerRegistration{
			FacetName:  hc.Facet,
			ModuleURI:  hc.ModuleURI,
			Entrypoint: hc.Entrypoint,
			TimeoutMS:  hc.TimeoutMS,
		})
		facets = append(facets, hc.Facet)
	}

	return agent.New(st).
		WithTaskList(cfg.Agent.TaskList).
		WithPollInterval(cfg.Agent.PollInterval).
		WithMaxConcurrent(cfg.Agent.MaxConcurrent).
		WithHeartbeatInterval(cfg.Agent.HeartbeatInterval).
		WithRegistryRefresh(cfg.Agent.RegistryRefresh).
		WithClaimRate(cfg.Agent.ClaimRate).
		WithHandlerTimeout(cfg.Agent.HandlerTimeout).
		WithTopics(cfg.Agent.Topics...).
		WithAnnouncements(regs...).
		WithFacets(facets...).
		WithResolver(resolver).
		WithLauncher(launcher).
		WithLogger(logger)
}

// parseHandlerSpec parses a facet=module-uri handler declaration.
func parseHandlerSpec(spec string) (config.HandlerConfig, error) {
	facet, uri, ok := strings.Cut(spec, "=")
	if !ok || facet == "" || uri == "" {
		return config.HandlerConfig{}, fmt.Errorf("invalid handler spec %q, want facet=module-uri", spec)
	}
	return config.HandlerConfig{Facet: facet, ModuleURI: uri}, nil
}
