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

// Package daemon provides the afl runner-service and agent subcommands:
// the two long-running worker processes of the runtime.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentflow/agentflow/internal/commands/shared"
	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/log"
	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/tracing"
)

// runDaemon wires the shared daemon runtime (logger, tracing, metrics
// endpoint, store, signal handling) around one worker's Run loop.
func runDaemon(cfg *config.Config, serviceName string, run func(ctx context.Context, st store.Store, logger *slog.Logger) error) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	v, _, _ := shared.GetVersion()
	logger.Info("starting", slog.String("service", serviceName), slog.String("version", v))

	provider, err := tracing.Setup(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: v,
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
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", log.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := shared.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing store failed", log.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(cfg.Metrics.Listen, logger)
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}
	g.Go(func() error {
		return run(ctx, st, logger)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete", slog.String("service", serviceName))
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.Source,
	})
}
