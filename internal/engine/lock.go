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

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentflow/agentflow/internal/store"
)

// RunnerLockKey is the lease key pinning a runner to one evaluating
// process.
func RunnerLockKey(runnerID string) string {
	return "runner:" + runnerID
}

// LockKeeper acquires a key lease and extends it periodically until
// stopped. The lease TTL exceeds the extension interval, so the lease
// only lapses when the holding process dies.
type LockKeeper struct {
	store    store.LockStore
	key      string
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	held   bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLockKeeper creates a keeper for the given key. The extension
// interval is a third of the TTL.
func NewLockKeeper(st store.LockStore, key string, ttl time.Duration, logger *slog.Logger) *LockKeeper {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockKeeper{
		store:    st,
		key:      key,
		ttl:      ttl,
		interval: ttl / 3,
		logger:   logger.With("component", "lock-keeper", "key", key),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Acquire attempts to take the lease once. It returns false when another
// holder has it.
func (k *LockKeeper) Acquire(ctx context.Context) (bool, error) {
	ok, err := k.store.AcquireLock(ctx, k.key, k.ttl, nil)
	if err != nil {
		return false, err
	}
	k.mu.Lock()
	k.held = ok
	k.mu.Unlock()
	return ok, nil
}

// Held reports whether the keeper currently holds the lease.
func (k *LockKeeper) Held() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.held
}

// Start launches the extension loop. Call only after a successful
// Acquire.
func (k *LockKeeper) Start(ctx context.Context) {
	go k.run(ctx)
}

// Stop halts the extension loop and releases the lease.
func (k *LockKeeper) Stop(ctx context.Context) {
	close(k.stopCh)
	<-k.doneCh

	k.mu.Lock()
	held := k.held
	k.held = false
	k.mu.Unlock()

	if !held {
		return
	}
	if err := k.store.ReleaseLock(ctx, k.key); err != nil {
		k.logger.Warn("failed to release lock", "error", err)
	}
}

// run extends the lease on a ticker until stopped or the lease is lost.
func (k *LockKeeper) run(ctx context.Context) {
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
			ok, err := k.store.ExtendLock(ctx, k.key, k.ttl)
			if err != nil {
				k.logger.Warn("failed to extend lock", "error", err)
				continue
			}
			if !ok {
				k.logger.Warn("lock lease lost")
				k.mu.Lock()
				k.held = false
				k.mu.Unlock()
				return
			}
		}
	}
}
