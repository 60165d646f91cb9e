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

package runnersvc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentflow/agentflow/internal/log"
	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/store"
)

const (
	// janitorLockKey serializes sweeps across service instances.
	janitorLockKey = "janitor"

	defaultJanitorInterval = time.Minute
	defaultStaleAfter      = 30 * time.Second
)

// Janitor requeues running tasks owned by servers that stopped
// heartbeating, so work claimed by a crashed process is picked up
// again. This covers control tasks and facet tasks alike. Sweeps are
// serialized across instances with a store lock.
type Janitor struct {
	store      store.Store
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
}

// NewJanitor creates a janitor backed by the given store.
func NewJanitor(st store.Store) *Janitor {
	return &Janitor{
		store:      st,
		logger:     log.WithComponent(slog.Default(), "janitor"),
		interval:   defaultJanitorInterval,
		staleAfter: defaultStaleAfter,
	}
}

// WithInterval sets the sweep interval.
func (j *Janitor) WithInterval(d time.Duration) *Janitor {
	if d > 0 {
		j.interval = d
	}
	return j
}

// WithStaleAfter sets how old a server's last ping may be before its
// running tasks are requeued.
func (j *Janitor) WithStaleAfter(d time.Duration) *Janitor {
	if d > 0 {
		j.staleAfter = d
	}
	return j
}

// WithLogger sets the logger.
func (j *Janitor) WithLogger(logger *slog.Logger) *Janitor {
	if logger != nil {
		j.logger = log.WithComponent(logger, "janitor")
	}
	return j
}

// Run sweeps on each tick until ctx is cancelled. Sweep errors are
// logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("stale task sweep failed", log.Error(err))
			}
		}
	}
}

// Sweep requeues running tasks whose owning server has not pinged
// within the stale threshold. The sweep is skipped when another
// instance holds the janitor lock; the lease TTL matches the sweep
// interval so a crashed holder does not stall sweeps for long.
func (j *Janitor) Sweep(ctx context.Context) error {
	held, err := j.store.AcquireLock(ctx, janitorLockKey, j.interval, nil)
	if err != nil {
		return fmt.Errorf("acquiring janitor lock: %w", err)
	}
	if !held {
		return nil
	}
	defer func() {
		if err := j.store.ReleaseLock(ctx, janitorLockKey); err != nil {
			j.logger.Warn("releasing janitor lock failed", log.Error(err))
		}
	}()

	cutoff := time.Now().Add(-j.staleAfter)
	stale, err := j.store.ListServers(ctx, store.ServerFilter{PingBefore: cutoff})
	if err != nil {
		return fmt.Errorf("listing stale servers: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	staleIDs := make(map[string]struct{}, len(stale))
	for _, srv := range stale {
		staleIDs[srv.ID] = struct{}{}
	}

	running, err := j.store.ListTasks(ctx, store.TaskFilter{State: store.TaskRunning})
	if err != nil {
		return fmt.Errorf("listing running tasks: %w", err)
	}

	for _, task := range running {
		if _, ok := staleIDs[task.ServerID]; !ok {
			continue
		}
		owner := task.ServerID
		task.State = store.TaskPending
		task.ServerID = ""
		if err := j.store.SaveTask(ctx, task); err != nil {
			j.logger.Error("requeueing stale task failed",
				slog.String(log.TaskIDKey, task.ID), log.Error(err))
			continue
		}
		metrics.RecordStaleTaskRequeued()
		j.logger.Warn("stale task requeued",
			slog.String(log.TaskIDKey, task.ID),
			slog.String("task_name", task.Name),
			slog.String(log.ServerIDKey, owner))
	}
	return nil
}
