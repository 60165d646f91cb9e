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

package heartbeat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterPersistsServer(t *testing.T) {
	st := memory.New()
	k := New(st, "afl-agent").
		WithServerGroup("workers").
		WithTopics("demo.*").
		WithHandlers("demo.AddOne", "demo.Double").
		WithLogger(testLogger())

	if err := k.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	server, err := st.GetServer(context.Background(), k.ID())
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if server.ServiceName != "afl-agent" {
		t.Errorf("ServiceName = %q, want %q", server.ServiceName, "afl-agent")
	}
	if server.ServerGroup != "workers" {
		t.Errorf("ServerGroup = %q, want %q", server.ServerGroup, "workers")
	}
	if server.State != store.ServerRunning {
		t.Errorf("State = %q, want %q", server.State, store.ServerRunning)
	}
	if len(server.Handlers) != 2 {
		t.Errorf("Handlers = %v, want 2 entries", server.Handlers)
	}
	if server.PingTime.IsZero() {
		t.Error("PingTime is zero, want stamped")
	}
	if server.StartTime.IsZero() {
		t.Error("StartTime is zero, want stamped")
	}
}

func TestPingAdvancesPingTime(t *testing.T) {
	st := memory.New()
	k := New(st, "afl-runner").WithInterval(20 * time.Millisecond).WithLogger(testLogger())

	if err := k.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	before, err := st.GetServer(context.Background(), k.ID())
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}

	k.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	k.Stop(context.Background())

	after, err := st.GetServer(context.Background(), k.ID())
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if !after.PingTime.After(before.PingTime) {
		t.Errorf("PingTime = %v, want after %v", after.PingTime, before.PingTime)
	}
	if after.State != store.ServerShutdown {
		t.Errorf("State after Stop = %q, want %q", after.State, store.ServerShutdown)
	}
}

func TestRecordHandledFlushesOnPing(t *testing.T) {
	st := memory.New()
	k := New(st, "afl-agent").WithInterval(20 * time.Millisecond).WithLogger(testLogger())

	if err := k.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	k.RecordHandled("demo.AddOne")
	k.RecordHandled("demo.AddOne")
	k.RecordHandled("demo.Double")

	k.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	k.Stop(context.Background())

	server, err := st.GetServer(context.Background(), k.ID())
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if server.Handled["demo.AddOne"] != 2 {
		t.Errorf("Handled[demo.AddOne] = %d, want 2", server.Handled["demo.AddOne"])
	}
	if server.Handled["demo.Double"] != 1 {
		t.Errorf("Handled[demo.Double] = %d, want 1", server.Handled["demo.Double"])
	}
}

func TestStopFlushesPendingCounts(t *testing.T) {
	st := memory.New()
	k := New(st, "afl-agent").WithInterval(time.Hour).WithLogger(testLogger())

	if err := k.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	k.Start(context.Background())
	k.RecordHandled("demo.AddOne")
	k.Stop(context.Background())

	server, err := st.GetServer(context.Background(), k.ID())
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if server.Handled["demo.AddOne"] != 1 {
		t.Errorf("Handled[demo.AddOne] = %d, want 1", server.Handled["demo.AddOne"])
	}
}
