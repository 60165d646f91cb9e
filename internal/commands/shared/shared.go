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

// Package shared holds state and helpers common to all afl commands:
// version metadata, the global --config flag, and the store factory
// that opens whichever backend the configuration selects.
package shared

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/memory"
	"github.com/agentflow/agentflow/internal/store/mongo"
	"github.com/agentflow/agentflow/internal/store/sqlite"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build metadata (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version, commit, and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

var (
	configPath     string
	storeOverrides struct {
		typ      string
		path     string
		url      string
		database string
	}
)

// RegisterGlobalFlags installs the persistent flags shared by every
// subcommand.
func RegisterGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./afl.yaml if present)")
	RegisterStoreFlags(cmd.PersistentFlags())
}

// RegisterStoreFlags installs backend-override flags on a flag set.
// The overrides win over config file and environment.
func RegisterStoreFlags(fs *pflag.FlagSet) {
	fs.StringVar(&storeOverrides.typ, "store", "", "Store backend (memory, sqlite, mongo)")
	fs.StringVar(&storeOverrides.path, "sqlite-path", "", "SQLite database file")
	fs.StringVar(&storeOverrides.url, "mongo-url", "", "MongoDB connection URL")
	fs.StringVar(&storeOverrides.database, "mongo-db", "", "MongoDB database name")
}

// ConfigPath returns the --config flag value.
func ConfigPath() string {
	return configPath
}

// LoadConfig loads the configuration honoring the --config flag and
// applies the store-override flags on top.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if storeOverrides.typ != "" {
		cfg.Store.Type = storeOverrides.typ
	}
	if storeOverrides.path != "" {
		cfg.Store.Path = storeOverrides.path
	}
	if storeOverrides.url != "" {
		cfg.Store.URL = storeOverrides.url
	}
	if storeOverrides.database != "" {
		cfg.Store.Database = storeOverrides.database
	}
	return cfg, nil
}

// OpenStore opens the configured persistence backend. The returned
// close function releases the underlying connection and is safe to call
// on every path.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		st := memory.New()
		return st, st.Close, nil
	case config.StoreSQLite:
		st, err := sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return st, st.Close, nil
	case config.StoreMongo:
		st, err := mongo.New(ctx, mongo.Config{URI: cfg.Store.URL, Database: cfg.Store.Database})
		if err != nil {
			return nil, nil, fmt.Errorf("opening mongo store: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}
