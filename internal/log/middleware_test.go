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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLogTaskClaimed(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	LogTaskClaimed(logger, &TaskRequest{
		TaskID:   "task-1",
		Facet:    "com.example.AddOne",
		TaskList: "workflow_tasks",
		ServerID: "host-123-abcd",
	})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry[EventKey] != "task_claimed" {
		t.Errorf("expected event 'task_claimed', got: %v", entry[EventKey])
	}
	if entry[TaskIDKey] != "task-1" {
		t.Errorf("expected task_id 'task-1', got: %v", entry[TaskIDKey])
	}
	if entry[FacetKey] != "com.example.AddOne" {
		t.Errorf("expected facet 'com.example.AddOne', got: %v", entry[FacetKey])
	}
	if entry[TaskListKey] != "workflow_tasks" {
		t.Errorf("expected task_list 'workflow_tasks', got: %v", entry[TaskListKey])
	}
	if entry[ServerIDKey] != "host-123-abcd" {
		t.Errorf("expected server_id 'host-123-abcd', got: %v", entry[ServerIDKey])
	}
}

func TestDispatchMiddleware_Success(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewDispatchMiddleware(logger)

	called := false
	err := mw.Handler(&TaskRequest{TaskID: "task-1", Facet: "com.example.AddOne"}, func() error {
		called = true
		return nil
	})

	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if !called {
		t.Fatal("handler function was not called")
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries (claim + outcome), got %d", len(entries))
	}

	outcome := entries[1]
	if outcome["msg"] != "task completed" {
		t.Errorf("expected msg 'task completed', got: %v", outcome["msg"])
	}
	if outcome["success"] != true {
		t.Errorf("expected success=true, got: %v", outcome["success"])
	}
	if _, ok := outcome[DurationKey]; !ok {
		t.Error("expected duration_ms field in outcome entry")
	}
}

func TestDispatchMiddleware_Failure(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewDispatchMiddleware(logger)

	handlerErr := errors.New("division by zero")
	err := mw.Handler(&TaskRequest{TaskID: "task-2", Facet: "com.example.Div"}, func() error {
		return handlerErr
	})

	if !errors.Is(err, handlerErr) {
		t.Fatalf("Handler should return the handler error, got: %v", err)
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}

	outcome := entries[1]
	if outcome["msg"] != "task failed" {
		t.Errorf("expected msg 'task failed', got: %v", outcome["msg"])
	}
	if outcome["level"] != "ERROR" {
		t.Errorf("expected ERROR level for failed task, got: %v", outcome["level"])
	}
	if outcome["error"] != "division by zero" {
		t.Errorf("expected error field 'division by zero', got: %v", outcome["error"])
	}
}

func TestDispatchMiddleware_HandlerWithReturns(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewDispatchMiddleware(logger)

	returns, err := mw.HandlerWithReturns(&TaskRequest{TaskID: "task-3", Facet: "com.example.AddOne"}, func() (map[string]interface{}, error) {
		return map[string]interface{}{"output": int64(42)}, nil
	})

	if err != nil {
		t.Fatalf("HandlerWithReturns returned error: %v", err)
	}
	if returns["output"] != int64(42) {
		t.Errorf("expected returns to pass through, got: %v", returns)
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}

	outcome := entries[1]
	if outcome["returns"] != float64(1) {
		t.Errorf("expected returns count 1 in outcome metadata, got: %v", outcome["returns"])
	}
}
