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

// Package runnersvc implements the runner service daemon. It claims
// afl:execute and afl:resume tasks from the queue, materializes runners
// from published flows, and drives the evaluator. Several instances may
// poll the same store; the evaluator's per-runner lock keeps two of
// them from iterating the same runner.
package runnersvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentflow/agentflow/internal/engine"
	"github.com/agentflow/agentflow/internal/heartbeat"
	"github.com/agentflow/agentflow/internal/log"
	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
	"github.com/agentflow/agentflow/pkg/flow"
)

// ServiceName is recorded as service_name on the server row.
const ServiceName = "afl-runner"

const (
	defaultPollInterval = time.Second
	defaultConcurrency  = 4
)

// controlTaskNames is the claim filter: the runner service handles only
// runtime control tasks, never facet tasks.
var controlTaskNames = []string{store.TaskNameExecute, store.TaskNameResume}

// Service polls for control tasks and drives the evaluator.
type Service struct {
	store   store.Store
	eval    *engine.Evaluator
	keeper  *heartbeat.Keeper
	janitor *Janitor
	logger  *slog.Logger

	taskList     string
	pollInterval time.Duration
	concurrency  int
}

// New creates a runner service backed by the given store.
func New(st store.Store) *Service {
	return &Service{
		store:        st,
		eval:         engine.New(st),
		keeper:       heartbeat.New(st, ServiceName),
		janitor:      NewJanitor(st),
		logger:       log.WithComponent(slog.Default(), "runner-service"),
		taskList:     store.DefaultTaskList,
		pollInterval: defaultPollInterval,
		concurrency:  defaultConcurrency,
	}
}

// WithTaskList sets the task list polled for control tasks. Tasks the
// evaluator enqueues go to the same list.
func (s *Service) WithTaskList(name string) *Service {
	if name != "" {
		s.taskList = name
		s.eval.WithTaskList(name)
	}
	return s
}

// WithPollInterval sets the idle poll interval.
func (s *Service) WithPollInterval(d time.Duration) *Service {
	if d > 0 {
		s.pollInterval = d
	}
	return s
}

// WithConcurrency sets the number of concurrent claim workers.
func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// WithHeartbeatInterval sets the server heartbeat interval.
func (s *Service) WithHeartbeatInterval(d time.Duration) *Service {
	s.keeper.WithInterval(d)
	return s
}

// WithJanitorInterval sets the stale-task sweep interval.
func (s *Service) WithJanitorInterval(d time.Duration) *Service {
	s.janitor.WithInterval(d)
	return s
}

// WithLockLease sets the evaluator's runner lock lease.
func (s *Service) WithLockLease(d time.Duration) *Service {
	s.eval.WithLockLease(d)
	return s
}

// WithStaleAfter sets how old a server's heartbeat may be before its
// running tasks are requeued.
func (s *Service) WithStaleAfter(d time.Duration) *Service {
	s.janitor.WithStaleAfter(d)
	return s
}

// WithDispatcher sets an in-process dispatcher on the evaluator, so
// facets it handles run inline instead of being queued for an agent.
func (s *Service) WithDispatcher(d engine.Dispatcher) *Service {
	s.eval.WithDispatcher(d)
	return s
}

// WithLogger sets the logger on the service and its components.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = log.WithComponent(logger, "runner-service")
		s.eval.WithLogger(logger)
		s.keeper.WithLogger(logger)
		s.janitor.WithLogger(logger)
	}
	return s
}

// ServerID returns the identity tasks are claimed under.
func (s *Service) ServerID() string {
	return s.keeper.ID()
}

// Run registers the server, then polls for control tasks until ctx is
// cancelled. It returns nil on clean shutdown; in-flight evaluations
// finish before it returns.
func (s *Service) Run(ctx context.Context) error {
	if err := s.keeper.Register(ctx); err != nil {
		return fmt.Errorf("starting runner service: %w", err)
	}
	s.keeper.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.keeper.Stop(stopCtx)
	}()

	s.logger.Info("runner service started",
		slog.String(log.ServerIDKey, s.keeper.ID()),
		slog.String(log.TaskListKey, s.taskList),
		slog.Int("concurrency", s.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		g.Go(func() error {
			s.claimLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		s.janitor.Run(ctx)
		return nil
	})
	err := g.Wait()

	s.logger.Info("runner service stopped")
	return err
}

// claimLoop drains available control tasks, then sleeps one poll
// interval. Claim errors are logged and retried on the next tick; they
// never terminate the loop.
func (s *Service) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			claimed, err := s.claimOne(ctx)
			if err != nil {
				metrics.RecordTaskClaim(metrics.ClaimOutcomeError)
				s.logger.Error("claiming control task failed", log.Error(err))
				break
			}
			if !claimed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimOne claims and handles a single control task. It reports whether
// a task was claimed so the caller knows to keep draining.
func (s *Service) claimOne(ctx context.Context) (bool, error) {
	task, err := s.store.ClaimTask(ctx, controlTaskNames, s.taskList, s.keeper.ID())
	if err != nil {
		return false, err
	}
	if task == nil {
		metrics.RecordTaskClaim(metrics.ClaimOutcomeEmpty)
		return false, nil
	}
	metrics.RecordTaskClaim(metrics.ClaimOutcomeClaimed)
	s.keeper.RecordHandled(task.Name)
	s.handleTask(ctx, task)
	return true, nil
}

func (s *Service) handleTask(ctx context.Context, task *store.Task) {
	logger := log.WithTaskContext(s.logger, task.ID, task.Name)
	logger.Debug("control task claimed")

	switch task.Name {
	case store.TaskNameExecute:
		s.executeTask(ctx, logger, task)
	case store.TaskNameResume:
		s.resumeTask(ctx, logger, task)
	default:
		s.failTask(ctx, logger, task,
			&aflerrors.ValidationError{Message: fmt.Sprintf("unexpected control task name %q", task.Name)})
	}
}

// executeTask materializes a runner from a published flow and drives
// it. A failure before the runner row exists fails the task only; no
// runner is created.
func (s *Service) executeTask(ctx context.Context, logger *slog.Logger, task *store.Task) {
	flowID := stringValue(task.Data, store.DataKeyFlowID)
	if flowID == "" {
		flowID = task.FlowID
	}
	workflowName := stringValue(task.Data, store.DataKeyWorkflowName)
	if flowID == "" || workflowName == "" {
		s.failTask(ctx, logger, task,
			&aflerrors.ValidationError{Message: "execute task requires flow_id and workflow_name"})
		return
	}

	fl, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		s.failTask(ctx, logger, task, err)
		return
	}
	program, err := flow.Decode(fl.Compiled)
	if err != nil {
		s.failTask(ctx, logger, task, err)
		return
	}
	if _, ok := program.Workflow(workflowName); !ok {
		s.failTask(ctx, logger, task,
			&aflerrors.ValidationError{Message: fmt.Sprintf("workflow %q not found in flow %q", workflowName, fl.Name)})
		return
	}

	workflowID := stringValue(task.Data, store.DataKeyWorkflowID)
	if workflowID == "" {
		workflowID = task.WorkflowID
	}
	runner := &store.Runner{
		ID:           uuid.NewString(),
		FlowID:       fl.ID,
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		Snapshot:     fl.Compiled,
		Params:       store.AttributesOf(mapValue(task.Data, store.DataKeyInputs)),
		State:        store.RunnerCreated,
	}
	if err := s.store.SaveRunner(ctx, runner); err != nil {
		s.failTask(ctx, logger, task, err)
		return
	}

	// Link the task to its runner so waiters polling the task can
	// follow it to the runner row.
	task.RunnerID = runner.ID
	if err := s.store.SaveTask(ctx, task); err != nil {
		logger.Warn("linking task to runner failed", log.Error(err))
	}

	logger.Info("runner created",
		slog.String(log.RunnerIDKey, runner.ID),
		slog.String(log.WorkflowKey, workflowName))
	s.drive(ctx, logger, task, runner.ID, program)
}

// resumeTask re-enters a paused runner. The program is recovered from
// the runner's snapshot, falling back to the flow record for runners
// persisted before the snapshot was captured.
func (s *Service) resumeTask(ctx context.Context, logger *slog.Logger, task *store.Task) {
	runnerID := task.RunnerID
	if runnerID == "" {
		runnerID = stringValue(task.Data, store.DataKeyWorkflowID)
	}
	if runnerID == "" {
		s.failTask(ctx, logger, task,
			&aflerrors.ValidationError{Message: "resume task carries no runner id"})
		return
	}

	runner, err := s.store.GetRunner(ctx, runnerID)
	if err != nil {
		s.failTask(ctx, logger, task, err)
		return
	}

	compiled := runner.Snapshot
	if len(compiled) == 0 {
		fl, err := s.store.GetFlow(ctx, runner.FlowID)
		if err != nil {
			s.failTask(ctx, logger, task, err)
			return
		}
		compiled = fl.Compiled
	}
	program, err := flow.Decode(compiled)
	if err != nil {
		s.failTask(ctx, logger, task, err)
		return
	}

	s.drive(ctx, logger, task, runner.ID, program)
}

// drive invokes the evaluator and finalizes the claimed task from the
// outcome.
func (s *Service) drive(ctx context.Context, logger *slog.Logger, task *store.Task, runnerID string, program *flow.Program) {
	start := time.Now()
	status, err := s.eval.Run(ctx, runnerID, program)
	switch {
	case errors.Is(err, engine.ErrRunnerBusy):
		// Another service holds the runner; put the task back for a
		// later claim.
		logger.Debug("runner busy, task requeued", slog.String(log.RunnerIDKey, runnerID))
		s.rependTask(ctx, logger, task)
	case err != nil:
		s.failTask(ctx, logger, task, err)
	case status == engine.StatusCancelled:
		// A claimed task for a cancelled runner is ignored, not failed.
		logger.Info("runner cancelled, task ignored", slog.String(log.RunnerIDKey, runnerID))
		if uerr := s.store.UpdateTaskState(ctx, task.ID, store.TaskIgnored, ""); uerr != nil {
			logger.Error("ignoring task failed", log.Error(uerr))
		}
	default:
		s.completeTask(ctx, logger, task, status)
		logger.Info("control task finished",
			slog.String(log.RunnerIDKey, runnerID),
			slog.String("status", string(status)),
			log.Duration(log.DurationKey, time.Since(start).Milliseconds()))
	}
}

// completeTask marks the task completed, recording the execution status
// in its payload.
func (s *Service) completeTask(ctx context.Context, logger *slog.Logger, task *store.Task, status engine.Status) {
	if task.Data == nil {
		task.Data = map[string]any{}
	}
	task.Data[store.DataKeyStatus] = string(status)
	task.State = store.TaskCompleted
	task.Error = ""
	task.ErrorKind = ""
	if err := s.store.SaveTask(ctx, task); err != nil {
		logger.Error("completing task failed", log.Error(err))
	}
}

// failTask marks the task failed with the cause's message and kind.
func (s *Service) failTask(ctx context.Context, logger *slog.Logger, task *store.Task, cause error) {
	task.State = store.TaskFailed
	task.Error = cause.Error()
	task.ErrorKind = aflerrors.Kind(cause)
	if err := s.store.SaveTask(ctx, task); err != nil {
		logger.Error("failing task failed", log.Error(err))
		return
	}
	logger.Warn("control task failed",
		slog.String("error_kind", task.ErrorKind),
		log.Error(cause))
}

// rependTask returns a claimed task to pending so another poll can pick
// it up.
func (s *Service) rependTask(ctx context.Context, logger *slog.Logger, task *store.Task) {
	task.State = store.TaskPending
	task.ServerID = ""
	if err := s.store.SaveTask(ctx, task); err != nil {
		logger.Error("requeueing task failed", log.Error(err))
	}
}

func stringValue(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	v, _ := data[key].(string)
	return v
}

func mapValue(data map[string]any, key string) map[string]any {
	if data == nil {
		return nil
	}
	v, _ := data[key].(map[string]any)
	return v
}
