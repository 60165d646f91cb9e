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
	"log/slog"
	"time"
)

// TaskRequest represents a claimed task for logging purposes.
type TaskRequest struct {
	// TaskID is the identifier of the claimed task.
	TaskID string

	// Facet is the facet name the task carries.
	Facet string

	// TaskList is the queue the task was claimed from.
	TaskList string

	// ServerID identifies the claiming process.
	ServerID string

	// Metadata contains additional request metadata.
	Metadata map[string]interface{}
}

// TaskOutcome represents the result of dispatching a task for logging
// purposes.
type TaskOutcome struct {
	// Success indicates whether the handler completed without error.
	Success bool

	// Error is the error message if the handler failed.
	Error string

	// DurationMs is the handler execution time in milliseconds.
	DurationMs int64

	// Metadata contains additional outcome metadata.
	Metadata map[string]interface{}
}

// LogTaskClaimed logs a task claim.
func LogTaskClaimed(logger *slog.Logger, req *TaskRequest) {
	attrs := []any{
		EventKey, "task_claimed",
		TaskIDKey, req.TaskID,
		FacetKey, req.Facet,
	}

	if req.TaskList != "" {
		attrs = append(attrs, TaskListKey, req.TaskList)
	}

	if req.ServerID != "" {
		attrs = append(attrs, ServerIDKey, req.ServerID)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("task claimed", attrs...)
}

// LogTaskOutcome logs the completion or failure of a dispatched task.
func LogTaskOutcome(logger *slog.Logger, req *TaskRequest, out *TaskOutcome) {
	attrs := []any{
		EventKey, "task_finished",
		TaskIDKey, req.TaskID,
		FacetKey, req.Facet,
		"success", out.Success,
		DurationKey, out.DurationMs,
	}

	if req.ServerID != "" {
		attrs = append(attrs, ServerIDKey, req.ServerID)
	}

	if out.Error != "" {
		attrs = append(attrs, "error", out.Error)
	}

	for k, v := range out.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "task completed"

	if !out.Success {
		level = slog.LevelError
		message = "task failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// DispatchMiddleware wraps task handler execution with logging.
// It logs the claim when dispatch begins and the outcome when it completes.
type DispatchMiddleware struct {
	logger *slog.Logger
}

// NewDispatchMiddleware creates a new task dispatch logging middleware.
func NewDispatchMiddleware(logger *slog.Logger) *DispatchMiddleware {
	return &DispatchMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that executes a claimed task.
// It logs the claim and the outcome automatically.
func (m *DispatchMiddleware) Handler(req *TaskRequest, handler func() error) error {
	start := time.Now()

	// Log claim
	LogTaskClaimed(m.logger, req)

	// Execute handler
	err := handler()

	// Calculate duration
	duration := time.Since(start).Milliseconds()

	// Log outcome
	out := &TaskOutcome{
		Success:    err == nil,
		DurationMs: duration,
	}

	if err != nil {
		out.Error = err.Error()
	}

	LogTaskOutcome(m.logger, req, out)

	return err
}

// HandlerWithReturns wraps a function that executes a claimed task and
// produces return attributes. It logs the claim and the outcome with the
// number of returned attributes.
func (m *DispatchMiddleware) HandlerWithReturns(req *TaskRequest, handler func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	// Log claim
	LogTaskClaimed(m.logger, req)

	// Execute handler
	returns, err := handler()

	// Calculate duration
	duration := time.Since(start).Milliseconds()

	// Log outcome
	out := &TaskOutcome{
		Success:    err == nil,
		DurationMs: duration,
	}

	if len(returns) > 0 {
		out.Metadata = map[string]interface{}{"returns": len(returns)}
	}

	if err != nil {
		out.Error = err.Error()
	}

	LogTaskOutcome(m.logger, req, out)

	return returns, err
}
