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

// afld is the all-in-one AgentFlow daemon: one process running the
// runner service and an agent against the same store. It suits
// single-node deployments on the sqlite backend; larger installations
// run afl runner-service and afl agent separately.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	daemoncmd "github.com/agentflow/agentflow/internal/commands/daemon"
	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/log"
	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/runnersvc"
	"github.com/agentflow/agentflow/internal/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to config file")
		storeType     = flag.String("store", "", "Store backend (memory, sqlite, mongo)")
		sqlitePath    = flag.String("sqlite-path", "", "SQLite database file")
		mongoURL      = flag.String("mongo-url", "", "MongoDB connection URL")
		mongoDB       = flag.String("mongo-db", "", "MongoDB database name")
		taskList      = flag.String("task-list", "", "Task list both workers poll")
		metricsListen = flag.String("metrics-listen", "", "Address serving /metrics and /healthz")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("afld %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *storeType != "" {
		cfg.Store.Type = *storeType
	}
	if *sqlitePath != "" {
		cfg.Store.Path = *sqlitePath
	}
	if *mongoURL != "" {
		cfg.Store.URL = *mongoURL
	}
	if *mongoDB != "" {
		cfg.Store.Database = *mongoDB
	}
	if *taskList != "" {
		cfg.Runner.TaskList = *taskList
		cfg.Agent.TaskList = *taskList
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", log.Error(err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon failed", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("afld starting", slog.String("version", version), slog.String("store", cfg.Store.Type))

	provider, err := tracing.Setup(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "afld",
		ServiceVersion: version,
		PrettyPrint:    cfg.Tracing.PrettyPrint,
		Sampling: tracing.SamplingConfig{
			Enabled:            cfg.Tracing.SampleRate < 1.0,
			Rate:               cfg.Tracing.SampleRate,
			AlwaysSampleErrors: cfg.Tracing.AlwaysSampleErrors,
		},
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := shared.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := runnersvc.New(st).
		WithTaskList(cfg.Runner.TaskList).
		WithPollInterval(cfg.Runner.PollInterval).
		WithConcurrency(cfg.Runner.Concurrency).
		WithHeartbeatInterval(cfg.Runner.HeartbeatInterval).
		WithJanitorInterval(cfg.Runner.JanitorInterval).
		WithStaleAfter(cfg.Runner.StaleAfter).
		WithLockLease(cfg.Runner.LockLease).
		WithLogger(logger)
	ag := daemoncmd.BuildAgent(cfg, st, logger)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(cfg.Metrics.Listen, logger)
		g.Go(func() error { return srv.Start(ctx) })
	}
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return ag.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("afld stopped")
	return nil
}
