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

// Package agent implements the agent poller daemon. It claims domain
// facet tasks on behalf of its handlers, runs each one in-process or
// as an artifact-backed subprocess, and feeds results back through
// continue_step so the runner service can resume the workflow.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentflow/agentflow/internal/dispatch"
	"github.com/agentflow/agentflow/internal/engine"
	"github.com/agentflow/agentflow/internal/heartbeat"
	"github.com/agentflow/agentflow/internal/log"
	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// ServiceName is recorded as service_name on the server row.
const ServiceName = "afl-agent"

const (
	defaultPollInterval    = time.Second
	defaultMaxConcurrent   = 8
	defaultRegistryRefresh = 30 * time.Second
	defaultHandlerTimeout  = time.Minute
	defaultClaimRate       = 10
)

// Agent polls for facet tasks and dispatches them to handlers.
type Agent struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	registry   *dispatch.Registry
	keeper     *heartbeat.Keeper
	resolver   *Resolver
	launcher   *Launcher
	logger     *slog.Logger

	taskList        string
	pollInterval    time.Duration
	registryRefresh time.Duration
	handlerTimeout  time.Duration
	maxConcurrent   int
	limiter         *rate.Limiter
	announce        []*store.HandlerRegistration
	facets          []string

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates an agent backed by the given store.
func New(st store.Store) *Agent {
	return &Agent{
		store:           st,
		dispatcher:      &dispatch.Dispatcher{},
		registry:        dispatch.NewRegistry(st),
		keeper:          heartbeat.New(st, ServiceName),
		resolver:        NewResolver(filepath.Join(os.TempDir(), "agentflow", "handlers")),
		launcher:        NewLauncher(),
		logger:          log.WithComponent(slog.Default(), "agent"),
		taskList:        store.DefaultTaskList,
		pollInterval:    defaultPollInterval,
		registryRefresh: defaultRegistryRefresh,
		handlerTimeout:  defaultHandlerTimeout,
		maxConcurrent:   defaultMaxConcurrent,
		limiter:         rate.NewLimiter(rate.Limit(defaultClaimRate), 1),
	}
}

// WithDispatcher sets the in-process handler table.
func (a *Agent) WithDispatcher(d *dispatch.Dispatcher) *Agent {
	if d != nil {
		a.dispatcher = d
	}
	return a
}

// WithTopics restricts the registry view (and the advertised topics) to
// facets matching the glob patterns.
func (a *Agent) WithTopics(patterns ...string) *Agent {
	a.registry.WithTopics(patterns...)
	a.keeper.WithTopics(patterns...)
	return a
}

// WithTaskList sets the task list polled for facet tasks.
func (a *Agent) WithTaskList(name string) *Agent {
	if name != "" {
		a.taskList = name
	}
	return a
}

// WithPollInterval sets the idle poll interval.
func (a *Agent) WithPollInterval(d time.Duration) *Agent {
	if d > 0 {
		a.pollInterval = d
	}
	return a
}

// WithMaxConcurrent caps the number of tasks executing at once.
func (a *Agent) WithMaxConcurrent(n int) *Agent {
	if n > 0 {
		a.maxConcurrent = n
	}
	return a
}

// WithRegistryRefresh sets the registry refresh interval.
func (a *Agent) WithRegistryRefresh(d time.Duration) *Agent {
	if d > 0 {
		a.registryRefresh = d
	}
	return a
}

// WithHandlerTimeout sets the execution budget applied when a
// registration carries no timeout of its own.
func (a *Agent) WithHandlerTimeout(d time.Duration) *Agent {
	if d > 0 {
		a.handlerTimeout = d
	}
	return a
}

// WithClaimRate caps claim attempts per second across all workers.
func (a *Agent) WithClaimRate(perSecond float64) *Agent {
	if perSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return a
}

// WithHeartbeatInterval sets the server heartbeat interval.
func (a *Agent) WithHeartbeatInterval(d time.Duration) *Agent {
	a.keeper.WithInterval(d)
	return a
}

// WithAnnouncements registers handler registrations to persist at
// startup, advertising this agent's artifact-backed handlers.
func (a *Agent) WithAnnouncements(regs ...*store.HandlerRegistration) *Agent {
	a.announce = append(a.announce, regs...)
	return a
}

// WithFacets adds facet names to claim even without a handler or
// registration, so misrouted tasks fail visibly instead of going
// unclaimed.
func (a *Agent) WithFacets(names ...string) *Agent {
	a.facets = append(a.facets, names...)
	return a
}

// WithResolver replaces the artifact resolver.
func (a *Agent) WithResolver(r *Resolver) *Agent {
	if r != nil {
		a.resolver = r
	}
	return a
}

// WithLauncher replaces the subprocess launcher.
func (a *Agent) WithLauncher(l *Launcher) *Agent {
	if l != nil {
		a.launcher = l
	}
	return a
}

// WithLogger sets the logger on the agent and its components.
func (a *Agent) WithLogger(logger *slog.Logger) *Agent {
	if logger != nil {
		a.logger = log.WithComponent(logger, "agent")
		a.registry.WithLogger(logger)
		a.keeper.WithLogger(logger)
		a.resolver.WithLogger(logger)
		a.launcher.WithLogger(logger)
	}
	return a
}

// ServerID returns the identity tasks are claimed under.
func (a *Agent) ServerID() string {
	return a.keeper.ID()
}

// claimNames is the claim filter: every facet this agent can serve,
// sorted and deduplicated.
func (a *Agent) claimNames() []string {
	seen := map[string]struct{}{}
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, name := range a.dispatcher.Facets() {
		add(name)
	}
	for _, name := range a.registry.Facets() {
		add(name)
	}
	for _, name := range a.facets {
		add(name)
	}
	sort.Strings(names)
	return names
}

// Run announces handlers, registers the server, and polls for facet
// tasks until ctx is cancelled. In-flight handlers finish before it
// returns; their execution budgets bound the wait.
func (a *Agent) Run(ctx context.Context) error {
	if len(a.announce) > 0 {
		if err := a.registry.Announce(ctx, a.announce...); err != nil {
			return fmt.Errorf("starting agent: %w", err)
		}
	}
	if err := a.registry.Refresh(ctx); err != nil {
		// Claimable facets appear once a refresh succeeds.
		a.logger.Warn("initial registry refresh failed", log.Error(err))
	}

	a.keeper.WithHandlers(a.claimNames()...)
	if err := a.keeper.Register(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	a.keeper.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.keeper.Stop(stopCtx)
	}()

	a.sem = make(chan struct{}, a.maxConcurrent)

	a.logger.Info("agent started",
		slog.String(log.ServerIDKey, a.keeper.ID()),
		slog.String(log.TaskListKey, a.taskList),
		slog.Int("max_concurrent", a.maxConcurrent),
		slog.Any("facets", a.claimNames()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.refreshLoop(ctx)
		return nil
	})
	g.Go(func() error {
		a.claimLoop(ctx)
		return nil
	})
	err := g.Wait()

	a.wg.Wait()
	a.logger.Info("agent stopped")
	return err
}

// refreshLoop re-reads the handler registry on a ticker. Refresh
// failures keep the previous view and are retried next tick.
func (a *Agent) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.registryRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.Refresh(ctx); err != nil {
				a.logger.Warn("registry refresh failed", log.Error(err))
			}
		}
	}
}

// claimLoop claims tasks while worker capacity is available, then
// sleeps one poll interval. Claim errors are logged and retried; they
// never terminate the loop.
func (a *Agent) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		a.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainOnce claims until the queue is empty, capacity is exhausted, or
// a claim fails.
func (a *Agent) drainOnce(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case a.sem <- struct{}{}:
		default:
			return
		}

		release := func() { <-a.sem }

		if err := a.limiter.Wait(ctx); err != nil {
			release()
			return
		}
		names := a.claimNames()
		if len(names) == 0 {
			release()
			return
		}

		task, err := a.store.ClaimTask(ctx, names, a.taskList, a.keeper.ID())
		if err != nil {
			release()
			metrics.RecordTaskClaim(metrics.ClaimOutcomeError)
			a.logger.Error("claiming facet task failed", log.Error(err))
			return
		}
		if task == nil {
			release()
			metrics.RecordTaskClaim(metrics.ClaimOutcomeEmpty)
			return
		}
		metrics.RecordTaskClaim(metrics.ClaimOutcomeClaimed)

		a.wg.Add(1)
		// Workers keep the run context's values but not its
		// cancellation: a shutting-down agent lets claimed work finish
		// instead of failing it.
		workerCtx := context.WithoutCancel(ctx)
		go func() {
			defer a.wg.Done()
			defer release()
			a.process(workerCtx, task)
		}()
	}
}

// process executes one claimed task and finalizes it.
func (a *Agent) process(ctx context.Context, task *store.Task) {
	facet := facetNameOf(task)
	logger := log.WithTaskContext(a.logger, task.ID, facet)
	req := &log.TaskRequest{
		TaskID:   task.ID,
		Facet:    facet,
		TaskList: task.TaskList,
		ServerID: a.keeper.ID(),
	}
	log.LogTaskClaimed(logger, req)

	tracer := otel.Tracer("agentflow/agent")
	ctx, span := tracer.Start(ctx, "agent.execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("facet.name", facet),
			attribute.String("runner.id", task.RunnerID)))
	defer span.End()

	a.markEvent(ctx, task, store.EventDispatched)

	start := time.Now()
	returns, err := a.execute(ctx, facet, task)
	elapsed := time.Since(start)

	out := &log.TaskOutcome{Success: err == nil, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		out.Error = err.Error()
		metrics.RecordHandlerExecution(facet, "failed", elapsed.Seconds())
		a.failTask(ctx, logger, task, err)
	} else {
		metrics.RecordHandlerExecution(facet, "completed", elapsed.Seconds())
		a.completeTask(ctx, logger, task, returns)
	}
	log.LogTaskOutcome(logger, req, out)
	a.keeper.RecordHandled(facet)
}

// execute resolves the handler for a facet and runs it: the in-process
// table wins; otherwise the registration's module is launched as a
// subprocess. A facet with neither is a HandlerNotFound failure.
func (a *Agent) execute(ctx context.Context, facet string, task *store.Task) (map[string]any, error) {
	if a.dispatcher.Handles(facet) {
		a.markEvent(ctx, task, store.EventProcessing)
		return a.dispatchInProcess(ctx, facet, task.Data)
	}

	reg, ok := a.registry.Get(facet)
	if !ok {
		return nil, &aflerrors.HandlerNotFoundError{Facet: facet}
	}
	if !moduleExecutable(reg.ModuleURI) {
		// A logical module name runs in-process somewhere, but not in
		// this agent.
		return nil, &aflerrors.HandlerNotFoundError{Facet: facet}
	}

	timeout := a.handlerTimeout
	if reg.TimeoutMS > 0 {
		timeout = time.Duration(reg.TimeoutMS) * time.Millisecond
	}
	path, err := a.resolver.Resolve(ctx, reg.ModuleURI)
	if err != nil {
		return nil, err
	}
	a.markEvent(ctx, task, store.EventProcessing)
	return a.launcher.Launch(ctx, path, reg.Entrypoint, task, timeout)
}

func (a *Agent) dispatchInProcess(ctx context.Context, facet string, payload map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.handlerTimeout)
	defer cancel()

	returns, err := a.dispatcher.Dispatch(ctx, facet, payload)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &aflerrors.TimeoutError{
				Operation: "handler " + facet,
				Duration:  a.handlerTimeout,
				Cause:     err,
			}
		}
		return nil, err
	}
	return returns, nil
}

// markEvent advances the step's live dispatch event, recording the
// claim (Dispatched) and handler start (Processing). Best-effort: a
// failed write never blocks the task.
func (a *Agent) markEvent(ctx context.Context, task *store.Task, state store.EventState) {
	if task.StepID == "" || task.RunnerID == "" {
		return
	}
	events, err := a.store.ListEvents(ctx, task.RunnerID)
	if err != nil {
		a.logger.Warn("listing events for task failed",
			slog.String(log.TaskIDKey, task.ID), log.Error(err))
		return
	}
	for _, e := range events {
		if e.StepID != task.StepID || e.State.Terminal() {
			continue
		}
		e.State = state
		e.UpdatedAt = time.Now()
		if err := a.store.SaveEvent(ctx, e); err != nil {
			a.logger.Warn("advancing event failed",
				slog.String(log.TaskIDKey, task.ID), log.Error(err))
		}
		return
	}
}

// completeTask writes the handler's returns into the step, which queues
// the resume, then marks the task done. A step that was already
// continued elsewhere is left alone; the task still completes.
func (a *Agent) completeTask(ctx context.Context, logger *slog.Logger, task *store.Task, returns map[string]any) {
	if task.StepID != "" {
		err := engine.ContinueStep(ctx, a.store, task.StepID, returns)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrConflict):
			logger.Info("step already continued, completing task",
				slog.String(log.StepIDKey, task.StepID))
		default:
			a.failTask(ctx, logger, task, err)
			return
		}
	}
	if err := a.store.UpdateTaskState(ctx, task.ID, store.TaskCompleted, ""); err != nil {
		logger.Error("completing task failed", log.Error(err))
	}
}

// failTask errors the originating step, which queues the resume that
// propagates the failure, then marks the task failed.
func (a *Agent) failTask(ctx context.Context, logger *slog.Logger, task *store.Task, cause error) {
	if task.StepID != "" {
		if err := engine.FailStep(ctx, a.store, task.StepID, cause); err != nil {
			logger.Error("failing step failed",
				slog.String(log.StepIDKey, task.StepID), log.Error(err))
		}
	}
	task.State = store.TaskFailed
	task.Error = cause.Error()
	task.ErrorKind = aflerrors.Kind(cause)
	if err := a.store.SaveTask(ctx, task); err != nil {
		logger.Error("failing task failed", log.Error(err))
	}
}

// moduleExecutable reports whether a module URI names something this
// agent can materialize and launch.
func moduleExecutable(uri string) bool {
	return strings.HasPrefix(uri, "file://") ||
		strings.HasPrefix(uri, "mvn:") ||
		strings.HasPrefix(uri, "http://") ||
		strings.HasPrefix(uri, "https://")
}
