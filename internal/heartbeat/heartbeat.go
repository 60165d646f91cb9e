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

// Package heartbeat maintains a daemon's Server record.
//
// Register persists the record at startup; Start advances its ping_time
// on a ticker until Stop marks it shut down. A server whose ping_time
// stops advancing past the staleness threshold is treated as failed by
// the janitor, which re-pends its running tasks.
package heartbeat

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// DefaultInterval is the ping cadence when none is configured. It stays
// well under the 30s staleness threshold so one missed ping does not
// mark the server failed.
const DefaultInterval = 10 * time.Second

// Keeper owns one Server record for the lifetime of a daemon process.
type Keeper struct {
	store    store.ServerStore
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	server  *store.Server
	handled map[string]int64
	dirty   bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a keeper for a daemon advertising the given service name.
func New(st store.ServerStore, serviceName string) *Keeper {
	return &Keeper{
		store:    st,
		interval: DefaultInterval,
		logger:   slog.Default().With("component", "heartbeat", "service", serviceName),
		server: &store.Server{
			ID:          uuid.NewString(),
			ServiceName: serviceName,
		},
		handled: make(map[string]int64),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// WithInterval sets the ping cadence.
func (k *Keeper) WithInterval(d time.Duration) *Keeper {
	if d > 0 {
		k.interval = d
	}
	return k
}

// WithServerGroup tags the record with a deployment group.
func (k *Keeper) WithServerGroup(group string) *Keeper {
	k.server.ServerGroup = group
	return k
}

// WithTopics advertises the glob topic patterns this server claims for.
func (k *Keeper) WithTopics(topics ...string) *Keeper {
	k.server.Topics = topics
	return k
}

// WithHandlers advertises the facet names this server serves.
func (k *Keeper) WithHandlers(handlers ...string) *Keeper {
	k.server.Handlers = handlers
	return k
}

// WithLogger sets the logger.
func (k *Keeper) WithLogger(logger *slog.Logger) *Keeper {
	if logger != nil {
		k.logger = logger.With("component", "heartbeat", "service", k.server.ServiceName)
	}
	return k
}

// ID returns the server record's ID.
func (k *Keeper) ID() string {
	return k.server.ID
}

// Register persists the Server record in state running, stamping
// hostname, local addresses, and start time.
func (k *Keeper) Register(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	k.server.Hostname, _ = os.Hostname()
	k.server.IPs = localIPs()
	k.server.StartTime = now
	k.server.PingTime = now
	k.server.State = store.ServerRunning

	if err := k.store.SaveServer(ctx, k.server); err != nil {
		return aflerrors.Wrap(err, "registering server")
	}
	k.logger.Info("server registered", "server_id", k.server.ID, "hostname", k.server.Hostname)
	return nil
}

// RecordHandled increments the per-facet handled counter; the next ping
// flushes the counts into the persisted record.
func (k *Keeper) RecordHandled(facetName string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handled[facetName]++
	k.dirty = true
}

// Start launches the ping loop. Call only after a successful Register.
func (k *Keeper) Start(ctx context.Context) {
	go k.run(ctx)
}

// Stop halts the ping loop and marks the record shut down.
func (k *Keeper) Stop(ctx context.Context) {
	close(k.stopCh)
	<-k.doneCh

	k.mu.Lock()
	k.server.State = store.ServerShutdown
	k.flushHandledLocked()
	server := k.server
	k.mu.Unlock()

	if err := k.store.SaveServer(ctx, server); err != nil {
		k.logger.Warn("failed to mark server shutdown", "error", err)
	}
}

// run pings on a ticker until stopped. Ping failures are logged and
// retried on the next tick; the daemon keeps working regardless.
func (k *Keeper) run(ctx context.Context) {
	defer close(k.doneCh)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.ping(ctx); err != nil {
				k.logger.Warn("heartbeat failed", "error", err)
				continue
			}
			metrics.RecordHeartbeat(k.server.ServiceName)
		}
	}
}

// ping advances ping_time. When handled counts changed since the last
// ping the whole record is rewritten so the counters persist.
func (k *Keeper) ping(ctx context.Context) error {
	now := time.Now()

	k.mu.Lock()
	dirty := k.dirty
	if dirty {
		k.server.PingTime = now
		k.flushHandledLocked()
	}
	server := k.server
	k.mu.Unlock()

	if dirty {
		return k.store.SaveServer(ctx, server)
	}
	return k.store.PingServer(ctx, server.ID, now)
}

// flushHandledLocked folds pending handled counts into the record.
// Callers hold k.mu.
func (k *Keeper) flushHandledLocked() {
	if len(k.handled) == 0 {
		return
	}
	if k.server.Handled == nil {
		k.server.Handled = make(map[string]int64, len(k.handled))
	}
	for facet, n := range k.handled {
		k.server.Handled[facet] += n
	}
	k.handled = make(map[string]int64)
	k.dirty = false
}

// localIPs returns the host's non-loopback addresses for diagnostics.
func localIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ips = append(ips, ipNet.IP.String())
	}
	return ips
}
