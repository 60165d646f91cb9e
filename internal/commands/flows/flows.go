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

// Package flows provides the afl flows command group: publishing
// compiled flow documents and inspecting what the store holds.
package flows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/pkg/flow"
)

// NewFlowsCommand creates the flows command group.
func NewFlowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage published flows",
		Long: `Commands for publishing and inspecting compiled flow documents.

A published flow is read-only: republishing the same name creates a
new flow record, and executions reference the flow they started from.`,
	}

	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newPublishCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Publish a compiled flow document",
		Example: `  # Publish under the file's base name
  afl flows publish billing.yaml

  # Publish under an explicit name
  afl flows publish billing.yaml --name billing-v2`,
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

			fl, workflows, err := PublishFile(ctx, st, args[0], name)
			if err != nil {
				return err
			}

			cmd.Printf("published flow %s (%s)\n", fl.Name, fl.ID)
			for _, w := range workflows {
				cmd.Printf("  workflow %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Flow name (default: file base name)")

	return cmd
}

// PublishFile reads, validates, and stores a compiled flow document,
// indexing one workflow record per top-level workflow. It returns the
// stored flow and the qualified workflow names.
func PublishFile(ctx context.Context, st store.Store, path, name string) (*store.Flow, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading flow document: %w", err)
	}

	program, err := flow.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	if err := program.Validate(); err != nil {
		return nil, nil, err
	}

	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	fl := &store.Flow{
		ID:       uuid.NewString(),
		Name:     name,
		Path:     path,
		Source:   data,
		Compiled: data,
	}
	if err := st.SaveFlow(ctx, fl); err != nil {
		return nil, nil, fmt.Errorf("saving flow: %w", err)
	}

	names := program.WorkflowNames()
	for _, wn := range names {
		w := &store.Workflow{
			ID:     uuid.NewString(),
			FlowID: fl.ID,
			Name:   wn,
		}
		if err := st.SaveWorkflow(ctx, w); err != nil {
			return nil, nil, fmt.Errorf("saving workflow index: %w", err)
		}
	}

	return fl, names, nil
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List published flows",
		Args:  cobra.NoArgs,
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

			flows, err := st.ListFlows(ctx)
			if err != nil {
				return err
			}
			if len(flows) == 0 {
				cmd.Println("no flows published")
				return nil
			}
			for _, fl := range flows {
				cmd.Printf("%s  %s  %s\n", fl.ID, fl.Name, fl.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow-id|name>",
		Short: "Show a published flow and its workflows",
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

			fl, err := resolveFlow(ctx, st, args[0])
			if err != nil {
				return err
			}

			cmd.Printf("flow %s\n", fl.Name)
			cmd.Printf("  id:        %s\n", fl.ID)
			if fl.Path != "" {
				cmd.Printf("  path:      %s\n", fl.Path)
			}
			cmd.Printf("  published: %s\n", fl.CreatedAt.Format("2006-01-02 15:04:05"))

			workflows, err := st.ListWorkflows(ctx, fl.ID)
			if err != nil {
				return err
			}
			for _, w := range workflows {
				cmd.Printf("  workflow %s (%s)\n", w.Name, w.ID)
			}
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <flow-id|name>",
		Short: "Delete a published flow",
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

			fl, err := resolveFlow(ctx, st, args[0])
			if err != nil {
				return err
			}
			if err := st.DeleteFlow(ctx, fl.ID); err != nil {
				return err
			}
			cmd.Printf("deleted flow %s (%s)\n", fl.Name, fl.ID)
			return nil
		},
	}
}

// resolveFlow looks a flow up by ID first, then by name.
func resolveFlow(ctx context.Context, st store.FlowStore, ref string) (*store.Flow, error) {
	if fl, err := st.GetFlow(ctx, ref); err == nil {
		return fl, nil
	}
	return st.GetFlowByName(ctx, ref)
}
