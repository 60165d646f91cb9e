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

// Package engine implements the workflow evaluator: the iteration loop
// that advances a runner's step tree until the run completes, pauses on
// external dispatch, or fails.
//
// Each iteration loads the runner's steps, drives every non-terminal
// step through its state handlers, accumulates all writes in a change
// set, and commits the set atomically. Steps request their own
// advancement (request_state_change) and same-iteration re-entry
// (push_me); containers are re-entered when a child reaches a terminal
// state. A step whose facet requires external dispatch persists an event
// and a claimable task and blocks until continue_step supplies its
// returns, which ends the iteration with a paused runner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
	"github.com/agentflow/agentflow/pkg/flow"
)

// Status is the outcome of one evaluator invocation.
type Status string

const (
	// StatusCompleted means the root step completed and the runner is
	// terminal successful.
	StatusCompleted Status = "Completed"

	// StatusPaused means at least one step is awaiting external dispatch
	// and no step can progress until continue_step is called.
	StatusPaused Status = "Paused"

	// StatusFailed means the root step errored or the evaluator could
	// not make progress; the runner is terminal failed.
	StatusFailed Status = "Failed"

	// StatusCancelled means the runner was cancelled before or during
	// evaluation; no further steps were processed.
	StatusCancelled Status = "Cancelled"
)

// ErrRunnerBusy is returned when another process holds the runner's
// evaluation lock. The caller should requeue and retry later.
var ErrRunnerBusy = errors.New("engine: runner is held by another evaluator")

// Dispatcher executes event facets in-process. When the evaluator
// reaches an event facet whose name the dispatcher handles, the step is
// dispatched synchronously instead of being queued for an agent.
type Dispatcher interface {
	// Handles reports whether a handler is registered for the facet.
	Handles(facetName string) bool

	// Dispatch runs the facet's handler with the step's parameter
	// payload and returns the step's return attributes.
	Dispatch(ctx context.Context, facetName string, payload map[string]any) (map[string]any, error)
}

const (
	// defaultPushCap bounds handler re-entry passes within one
	// iteration, guarding against handler-level livelock.
	defaultPushCap = 1000

	// defaultLockTTL is the runner lock lease; it is extended while the
	// evaluation runs.
	defaultLockTTL = 30 * time.Second
)

// defaultCommitBackoff is slept between commit retries.
var defaultCommitBackoff = []time.Duration{
	100 * time.Millisecond,
	400 * time.Millisecond,
	time.Second,
}

// Evaluator drives runners to completion. It is safe for concurrent use;
// per-runner exclusion is enforced with a key lock, so two evaluators
// never interleave iterations of the same runner.
type Evaluator struct {
	store      store.Store
	expr       *Expr
	dispatcher Dispatcher
	logger     *slog.Logger
	taskList   string
	pushCap    int
	lockTTL    time.Duration
	backoff    []time.Duration
}

// New creates an evaluator backed by the given store.
func New(st store.Store) *Evaluator {
	return &Evaluator{
		store:    st,
		expr:     NewExpr(),
		logger:   slog.Default().With("component", "evaluator"),
		taskList: store.DefaultTaskList,
		pushCap:  defaultPushCap,
		lockTTL:  defaultLockTTL,
		backoff:  defaultCommitBackoff,
	}
}

// WithDispatcher sets the in-process facet dispatcher.
func (e *Evaluator) WithDispatcher(d Dispatcher) *Evaluator {
	e.dispatcher = d
	return e
}

// WithLogger sets the logger.
func (e *Evaluator) WithLogger(logger *slog.Logger) *Evaluator {
	if logger != nil {
		e.logger = logger.With("component", "evaluator")
	}
	return e
}

// WithTaskList sets the task list new dispatch tasks are queued on.
func (e *Evaluator) WithTaskList(name string) *Evaluator {
	if name != "" {
		e.taskList = name
	}
	return e
}

// WithLockLease sets the runner lock lease duration. The lease must
// outlive one iteration; the keeper extends it while evaluation runs.
func (e *Evaluator) WithLockLease(d time.Duration) *Evaluator {
	if d > 0 {
		e.lockTTL = d
	}
	return e
}

// Run evaluates a runner until it completes, pauses, or fails. The
// runner's workflow is resolved from the program by the name recorded at
// creation. Run is re-entrant: position is recovered from persisted
// steps, so calling it on a paused or interrupted runner resumes it.
func (e *Evaluator) Run(ctx context.Context, runnerID string, program *flow.Program) (Status, error) {
	tracer := otel.Tracer("agentflow/engine")
	ctx, span := tracer.Start(ctx, "evaluator.run",
		trace.WithAttributes(attribute.String("runner.id", runnerID)))
	defer span.End()

	runner, err := e.store.GetRunner(ctx, runnerID)
	if err != nil {
		return "", fmt.Errorf("failed to load runner %s: %w", runnerID, err)
	}

	switch runner.State {
	case store.RunnerCancelled:
		e.logger.Info("runner cancelled, skipping evaluation", "runner_id", runnerID)
		metrics.RecordEvaluation(string(StatusCancelled))
		return StatusCancelled, nil
	case store.RunnerCompleted:
		return StatusCompleted, nil
	case store.RunnerFailed:
		return StatusFailed, nil
	}

	table := program.Facets()
	workflow, ok := table.Workflow(runner.WorkflowName)
	if !ok {
		ferr := &aflerrors.ValidationError{
			Field:   "workflow",
			Message: fmt.Sprintf("workflow %q not found in program", runner.WorkflowName),
		}
		e.finishRunner(ctx, runner, StatusFailed, ferr)
		metrics.RecordEvaluation(string(StatusFailed))
		return StatusFailed, ferr
	}

	lock := NewLockKeeper(e.store, RunnerLockKey(runnerID), e.lockTTL, e.logger)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire runner lock: %w", err)
	}
	if !acquired {
		return "", ErrRunnerBusy
	}
	lock.Start(ctx)
	defer lock.Stop(context.WithoutCancel(ctx))

	if runner.State == store.RunnerCreated || runner.State == store.RunnerPaused {
		now := time.Now()
		runner.State = store.RunnerRunning
		if runner.StartTime == nil {
			runner.StartTime = &now
		}
		runner.UpdatedAt = now
		if err := e.store.SaveRunner(ctx, runner); err != nil {
			return "", fmt.Errorf("failed to mark runner running: %w", err)
		}
	}

	ev := &evaluation{
		Evaluator: e,
		runner:    runner,
		program:   program,
		table:     table,
		workflow:  workflow,
		nodes:     indexNodes(program),
	}

	status, err := ev.loop(ctx)
	if status != "" {
		metrics.RecordEvaluation(string(status))
	}
	return status, err
}

// Resume re-enters evaluation of a paused or interrupted runner. It is
// Run under the name the resume path reads naturally.
func (e *Evaluator) Resume(ctx context.Context, runnerID string, program *flow.Program) (Status, error) {
	return e.Run(ctx, runnerID, program)
}

// loop is the durable iteration cycle: load working set, process, commit,
// check termination, repeat.
func (ev *evaluation) loop(ctx context.Context) (Status, error) {
	for {
		if err := ctx.Err(); err != nil {
			// Interrupted mid-run: leave the runner as-is so a later
			// resume picks it back up.
			return "", err
		}

		// Cancellation halts at the iteration boundary.
		runner, err := ev.store.GetRunner(ctx, ev.runner.ID)
		if err != nil {
			return "", fmt.Errorf("failed to reload runner: %w", err)
		}
		ev.runner = runner
		if runner.State == store.RunnerCancelled {
			ev.logger.Info("runner cancelled, halting evaluation", "runner_id", runner.ID)
			return StatusCancelled, nil
		}

		if err := ev.beginIteration(ctx); err != nil {
			ev.finishRunner(ctx, ev.runner, StatusFailed, err)
			return StatusFailed, err
		}

		ev.processIteration(ctx)

		if err := ev.commitIteration(ctx); err != nil {
			if errors.Is(err, store.ErrStaleVersion) {
				// A continue_step landed between snapshot and commit.
				// The change set is built on stale state; reload and
				// re-evaluate instead of overwriting the newer write.
				ev.logger.Info("iteration raced a concurrent continue, reloading",
					"runner_id", ev.runner.ID)
				continue
			}
			ev.finishRunner(ctx, ev.runner, StatusFailed, err)
			return StatusFailed, err
		}
		metrics.RecordIteration()

		status, done, terr := ev.checkTermination()
		if !done {
			continue
		}
		if status == StatusFailed && terr == nil {
			terr = ev.rootFailure()
		}
		ev.finishRunner(ctx, ev.runner, status, terr)
		return status, nil
	}
}

// commitIteration applies the accumulated change set, retrying transient
// persistence failures with backoff. Constraint violations are not
// retried: they signal a correctness bug, not a flaky backend. A stale
// step version is surfaced as-is: the change set must be rebuilt from a
// fresh snapshot, not re-committed.
func (ev *evaluation) commitIteration(ctx context.Context) error {
	if ev.changes.Empty() {
		return nil
	}

	err := ev.store.Commit(ctx, ev.changes)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrStaleVersion) {
		return err
	}
	if errors.Is(err, store.ErrConstraintViolation) {
		return &aflerrors.PersistenceError{Op: "commit", Attempts: 1, Cause: err}
	}

	attempts := 1
	for _, delay := range ev.backoff {
		metrics.RecordCommitRetry()
		ev.logger.Warn("iteration commit failed, retrying",
			"runner_id", ev.runner.ID,
			"attempt", attempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		attempts++
		err = ev.store.Commit(ctx, ev.changes)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrStaleVersion) {
			return err
		}
		if errors.Is(err, store.ErrConstraintViolation) {
			break
		}
	}
	return &aflerrors.PersistenceError{Op: "commit", Attempts: attempts, Cause: err}
}

// checkTermination decides whether the loop is done after a committed
// iteration. The run completes or fails with the root step; it pauses
// when nothing can advance but a step is awaiting dispatch. A tree where
// nothing can advance and nothing is awaiting dispatch is wedged, which
// only a handler bug can produce.
func (ev *evaluation) checkTermination() (Status, bool, error) {
	switch ev.root.State {
	case store.StateStatementComplete:
		return StatusCompleted, true, nil
	case store.StateStatementError:
		return StatusFailed, true, nil
	}

	var advancing, blocked bool
	for _, s := range ev.order {
		if s.Terminal() {
			continue
		}
		switch {
		case s.RequestStateChange || s.PushMe || s.State == store.StateCreated:
			advancing = true
		case s.State == store.StateEventTransmit:
			blocked = true
		}
	}
	if advancing {
		return "", false, nil
	}
	if blocked {
		return StatusPaused, true, nil
	}
	return StatusFailed, true, fmt.Errorf("no step can progress and none is awaiting dispatch")
}

// finishRunner records the invocation outcome on the runner.
func (e *Evaluator) finishRunner(ctx context.Context, runner *store.Runner, status Status, cause error) {
	now := time.Now()
	runner.UpdatedAt = now

	switch status {
	case StatusCompleted:
		runner.State = store.RunnerCompleted
		runner.EndTime = &now
	case StatusPaused:
		runner.State = store.RunnerPaused
	case StatusFailed:
		runner.State = store.RunnerFailed
		runner.EndTime = &now
		if cause != nil {
			runner.Error = cause.Error()
			runner.ErrorKind = aflerrors.Kind(cause)
		}
	default:
		return
	}

	if runner.EndTime != nil && runner.StartTime != nil {
		runner.DurationMS = runner.EndTime.Sub(*runner.StartTime).Milliseconds()
	}

	if err := e.store.SaveRunner(ctx, runner); err != nil {
		e.logger.Error("failed to persist runner outcome",
			"runner_id", runner.ID,
			"state", runner.State,
			"error", err)
		return
	}

	e.logger.Info("runner finished",
		"runner_id", runner.ID,
		"workflow", runner.WorkflowName,
		"state", runner.State,
		"duration_ms", runner.DurationMS)
}

// finishRunner on an evaluation also appends a runner-level log record.
func (ev *evaluation) finishRunner(ctx context.Context, runner *store.Runner, status Status, cause error) {
	ev.Evaluator.finishRunner(ctx, runner, status, cause)
	msg := fmt.Sprintf("runner %s", runner.State)
	if cause != nil {
		msg = fmt.Sprintf("runner %s: %v", runner.State, cause)
	}
	level := "info"
	if status == StatusFailed {
		level = "error"
	}
	ev.appendLog(ctx, "", level, msg)
}
