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
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/store/memory"
)

func TestRunnerLockKey(t *testing.T) {
	if got := RunnerLockKey("abc"); got != "runner:abc" {
		t.Errorf("RunnerLockKey() = %q, want %q", got, "runner:abc")
	}
}

func TestLockKeeperExclusiveAcquire(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	first := NewLockKeeper(st, "runner:excl", time.Minute, testLogger())
	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v, want true, nil", ok, err)
	}
	if !first.Held() {
		t.Error("first keeper does not report the lease held")
	}

	second := NewLockKeeper(st, "runner:excl", time.Minute, testLogger())
	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if ok {
		t.Error("second Acquire() = true, want false while held")
	}
	if second.Held() {
		t.Error("second keeper reports the lease held")
	}
}

func TestLockKeeperStopReleases(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	keeper := NewLockKeeper(st, "runner:release", time.Minute, testLogger())
	if ok, err := keeper.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v, want true, nil", ok, err)
	}
	keeper.Start(ctx)
	keeper.Stop(ctx)

	if keeper.Held() {
		t.Error("keeper reports the lease held after Stop")
	}

	next := NewLockKeeper(st, "runner:release", time.Minute, testLogger())
	ok, err := next.Acquire(ctx)
	if err != nil || !ok {
		t.Errorf("Acquire() after Stop = %v, %v, want true, nil", ok, err)
	}
}

func TestLockKeeperExtendsLease(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	keeper := NewLockKeeper(st, "runner:extend", 300*time.Millisecond, testLogger())
	if ok, err := keeper.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v, want true, nil", ok, err)
	}
	keeper.Start(ctx)
	defer keeper.Stop(ctx)

	// Outlive the initial TTL; the keeper's extensions keep the lease
	// alive.
	time.Sleep(500 * time.Millisecond)

	lock, err := st.CheckLock(ctx, "runner:extend")
	if err != nil {
		t.Fatalf("CheckLock() error = %v", err)
	}
	if lock == nil {
		t.Fatal("lease lapsed despite the extension loop")
	}
	if !keeper.Held() {
		t.Error("keeper does not report the lease held")
	}
}
