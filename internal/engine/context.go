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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/step"
	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
	"github.com/agentflow/agentflow/pkg/flow"
)

// evaluation is the per-invocation state of one evaluator run: the
// runner, its program, and the step tree as loaded for the current
// iteration.
type evaluation struct {
	*Evaluator

	runner   *store.Runner
	program  *flow.Program
	table    *flow.FacetTable
	workflow *flow.Workflow
	nodes    map[string]nodeRef

	// Per-iteration state, rebuilt by beginIteration.
	changes *store.Changes
	steps   map[string]*store.Step
	order   []*store.Step
	events  map[string]*store.Event
	root    *store.Step
}

// nodeRef points into the program tree for one assigned node ID.
type nodeRef struct {
	block *flow.Block
	stmt  *flow.Statement
}

// indexNodes builds the node-ID index over every block and statement in
// the program, including facet mixin blocks.
func indexNodes(p *flow.Program) map[string]nodeRef {
	idx := make(map[string]nodeRef)
	var walkBlock func(b *flow.Block)
	walkBlock = func(b *flow.Block) {
		if b == nil {
			return
		}
		idx[b.ID] = nodeRef{block: b}
		for _, st := range b.Statements {
			idx[st.ID] = nodeRef{stmt: st}
			for _, sb := range st.Blocks {
				walkBlock(sb)
			}
		}
		for _, cb := range b.Blocks {
			walkBlock(cb)
		}
	}
	for _, ns := range p.Namespaces {
		for _, f := range ns.Facets {
			for _, b := range f.Blocks {
				walkBlock(b)
			}
		}
		for _, w := range ns.Workflows {
			walkBlock(w.Body)
		}
	}
	return idx
}

// beginIteration loads the runner's step tree and live events, creating
// the workflow root step on first entry. Terminal steps are loaded for
// scope and capture visibility but are never re-processed.
func (ev *evaluation) beginIteration(ctx context.Context) error {
	ev.changes = store.NewChanges()
	ev.steps = make(map[string]*store.Step)
	ev.order = ev.order[:0]

	steps, err := ev.store.ListSteps(ctx, store.StepFilter{RunnerID: ev.runner.ID})
	if err != nil {
		return fmt.Errorf("failed to list steps: %w", err)
	}
	for _, s := range steps {
		ev.steps[s.ID] = s
		ev.order = append(ev.order, s)
	}

	root, err := ev.store.GetRootStep(ctx, ev.runner.ID)
	switch {
	case err == nil:
		if loaded, ok := ev.steps[root.ID]; ok {
			ev.root = loaded
		} else {
			ev.root = root
		}
	case aflerrors.IsNotFound(err):
		ev.root = ev.createRootStep()
	default:
		return fmt.Errorf("failed to load root step: %w", err)
	}

	events, err := ev.store.ListEvents(ctx, ev.runner.ID)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	ev.events = make(map[string]*store.Event)
	for _, e := range events {
		if !e.State.Terminal() {
			ev.events[e.StepID] = e
		}
	}
	return nil
}

// createRootStep materializes the workflow root for a fresh runner.
func (ev *evaluation) createRootStep() *store.Step {
	now := time.Now()
	s := &store.Step{
		ID:         uuid.NewString(),
		RunnerID:   ev.runner.ID,
		ObjectType: store.ObjectWorkflow,
		State:      store.StateCreated,
		FacetName:  ev.runner.WorkflowName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.RootID = s.ID
	ev.steps[s.ID] = s
	ev.order = append(ev.order, s)
	ev.changes.AddCreatedStep(s)
	ev.logger.Debug("created workflow root step",
		"runner_id", ev.runner.ID,
		"step_id", s.ID,
		"workflow", ev.runner.WorkflowName)
	return s
}

// processIteration drives the working set through handler passes. The
// first pass visits every non-terminal step; subsequent passes visit
// only steps flagged push_me, bounded by the re-entry cap.
func (ev *evaluation) processIteration(ctx context.Context) {
	current := make([]*store.Step, 0, len(ev.order))
	for _, s := range ev.order {
		if s.Terminal() {
			continue
		}
		s.PushMe = false
		current = append(current, s)
	}
	ev.runPass(ctx, current)

	for pass := 1; ; pass++ {
		var pushed []*store.Step
		for _, s := range ev.order {
			if !s.Terminal() && s.PushMe {
				pushed = append(pushed, s)
			}
		}
		if len(pushed) == 0 {
			return
		}
		if pass > ev.pushCap {
			ev.logger.Warn("push re-entry cap reached, deferring to next iteration",
				"runner_id", ev.runner.ID,
				"pending", len(pushed))
			return
		}
		for _, s := range pushed {
			s.PushMe = false
		}
		ev.runPass(ctx, pushed)
	}
}

// runPass advances and handles each step once. A step that requested a
// state change is advanced first; its handler then runs in the new
// state. Handler errors fail the step, never the pass.
func (ev *evaluation) runPass(ctx context.Context, steps []*store.Step) {
	for _, s := range steps {
		if s.Terminal() {
			continue
		}
		if s.RequestStateChange {
			if err := step.Advance(s); err != nil {
				ev.failStep(ctx, s, err)
				continue
			}
			s.UpdatedAt = time.Now()
			metrics.RecordStepTransition(s.State)
			if s.Terminal() {
				ev.track(s)
				ev.nudgeContainer(s)
				continue
			}
		}
		if h := ev.handlerFor(s); h != nil {
			if err := h(ctx, s); err != nil {
				ev.failStep(ctx, s, err)
				continue
			}
		}
		ev.track(s)
	}
}

// stepHandler processes one step in its current state.
type stepHandler func(context.Context, *store.Step) error

// handlerFor selects the handler for the step's current state. State
// names are disjoint across the transition tables, so one mapping covers
// every object type.
func (ev *evaluation) handlerFor(s *store.Step) stepHandler {
	switch s.State {
	case store.StateCreated:
		return ev.handleCreated
	case store.StateFacetInitBegin:
		return ev.handleFacetInitBegin
	case store.StateFacetScriptsBegin:
		return ev.handleFacetScriptsBegin
	case store.StateMixinBlocksBegin:
		return ev.handleMixinBlocksBegin
	case store.StateMixinBlocksContinue:
		return ev.handleMixinBlocksContinue
	case store.StateMixinCaptureBegin:
		return ev.handleMixinCaptureBegin
	case store.StateEventTransmit:
		return ev.handleEventTransmit
	case store.StateStatementBlocksBegin:
		return ev.handleStatementBlocksBegin
	case store.StateStatementBlocksContinue:
		return ev.handleStatementBlocksContinue
	case store.StateStatementCaptureBegin:
		return ev.handleStatementCaptureBegin
	case store.StateStatementEnd:
		return ev.handleStatementEnd
	case store.StateBlockExecutionBegin:
		return ev.handleBlockBegin
	case store.StateBlockExecutionContinue:
		return ev.handleBlockContinue
	case store.StateBlockExecutionEnd:
		return ev.handleBlockEnd
	case store.StateFacetInitEnd,
		store.StateFacetScriptsEnd,
		store.StateMixinBlocksEnd,
		store.StateMixinCaptureEnd,
		store.StateStatementBlocksEnd,
		store.StateStatementCaptureEnd:
		return ev.passThrough
	}
	return nil
}

// passThrough advances straight through a state with no work of its own.
func (ev *evaluation) passThrough(_ context.Context, s *store.Step) error {
	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// handleCreated is the entry handler for every machine.
func (ev *evaluation) handleCreated(_ context.Context, s *store.Step) error {
	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// track records a processed step in the change set. Steps created this
// iteration are already tracked; AddUpdatedStep is a no-op for them.
func (ev *evaluation) track(s *store.Step) {
	ev.changes.AddUpdatedStep(s)
}

// failStep moves a step to its error state, completes any live event as
// errored, and nudges the container so failure propagates within the
// iteration.
func (ev *evaluation) failStep(ctx context.Context, s *store.Step, cause error) {
	step.Fail(s, cause)
	s.UpdatedAt = time.Now()
	metrics.RecordStepTransition(store.StateStatementError)
	ev.track(s)

	if e := ev.events[s.ID]; e != nil {
		e.State = store.EventError
		e.UpdatedAt = time.Now()
		ev.changes.AddUpdatedEvent(e)
		delete(ev.events, s.ID)
	}

	ev.logger.Error("step failed",
		"runner_id", s.RunnerID,
		"step_id", s.ID,
		"statement_id", s.StatementID,
		"error_kind", s.ErrorKind,
		"error", cause)
	ev.appendLog(ctx, s.ID, "error", cause.Error())
	ev.nudgeContainer(s)
}

// nudgeContainer re-enters a step's container in the current iteration
// so it observes the child's terminal state.
func (ev *evaluation) nudgeContainer(s *store.Step) {
	if s.ContainerID == "" {
		return
	}
	if c := ev.steps[s.ContainerID]; c != nil && !c.Terminal() {
		c.PushMe = true
	}
}

// rootFailure derives the runner's failure from the errored root step.
func (ev *evaluation) rootFailure() error {
	if ev.root == nil || ev.root.Error == "" {
		return fmt.Errorf("workflow root step failed")
	}
	kind := ev.root.ErrorKind
	if kind == "" {
		kind = aflerrors.KindHandlerError
	}
	return &childError{kind: kind, msg: ev.root.Error}
}

// childError carries a child step's failure up the container chain,
// preserving the original error kind across propagation.
type childError struct {
	kind string
	msg  string
}

func (e *childError) Error() string { return e.msg }

// ErrorKind implements the errors package Classifier.
func (e *childError) ErrorKind() string { return e.kind }

// propagate wraps a terminal child's recorded failure for its container.
func propagate(child *store.Step) error {
	kind := child.ErrorKind
	if kind == "" {
		kind = aflerrors.KindHandlerError
	}
	return &childError{
		kind: kind,
		msg:  fmt.Sprintf("child step %s failed: %s", child.ID, child.Error),
	}
}

// newChildStep allocates a runtime step under the given container. The
// child's block scope is the container itself; the caller fills the
// statement identity fields.
func (ev *evaluation) newChildStep(container *store.Step, objectType store.ObjectType) *store.Step {
	now := time.Now()
	s := &store.Step{
		ID:          uuid.NewString(),
		RunnerID:    ev.runner.ID,
		ObjectType:  objectType,
		State:       store.StateCreated,
		ContainerID: container.ID,
		BlockID:     container.ID,
		RootID:      ev.root.ID,
		PushMe:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ev.steps[s.ID] = s
	ev.order = append(ev.order, s)
	ev.changes.AddCreatedStep(s)
	return s
}

// createStatementStep materializes one statement as a child step.
func (ev *evaluation) createStatementStep(container *store.Step, stmt *flow.Statement) *store.Step {
	var objectType store.ObjectType
	switch stmt.Kind {
	case flow.StatementYield:
		objectType = store.ObjectYieldAssignment
	case flow.StatementSchema:
		objectType = store.ObjectSchemaInstantiation
	default:
		objectType = store.ObjectVariableAssignment
	}
	s := ev.newChildStep(container, objectType)
	s.StatementID = stmt.ID
	s.StatementName = stmt.Name
	s.FacetName = stmt.Facet
	return s
}

// createBlockStep materializes one block node as a child step.
func (ev *evaluation) createBlockStep(container *store.Step, b *flow.Block) *store.Step {
	var objectType store.ObjectType
	switch b.Kind {
	case flow.BlockAndMap:
		objectType = store.ObjectAndMap
	case flow.BlockAndMatch:
		objectType = store.ObjectAndMatch
	case flow.BlockPlain:
		objectType = store.ObjectBlock
	default:
		objectType = store.ObjectAndThen
	}
	s := ev.newChildStep(container, objectType)
	s.StatementID = b.ID
	return s
}

// childrenOf returns the steps contained by the given step, in creation
// order.
func (ev *evaluation) childrenOf(containerID string) []*store.Step {
	var children []*store.Step
	for _, s := range ev.order {
		if s.ContainerID == containerID {
			children = append(children, s)
		}
	}
	return children
}

// statementNode resolves the program statement a step materializes, or
// nil for steps without a statement node (the root, block steps).
func (ev *evaluation) statementNode(s *store.Step) *flow.Statement {
	return ev.nodes[s.StatementID].stmt
}

// blockNode resolves the program block a step materializes. Mapping
// element steps suffix their node ID with the element index; the suffix
// is stripped for resolution.
func (ev *evaluation) blockNode(s *store.Step) (*flow.Block, error) {
	id := s.StatementID
	if i := strings.IndexByte(id, '['); i >= 0 {
		id = id[:i]
	}
	ref, ok := ev.nodes[id]
	if !ok || ref.block == nil {
		return nil, fmt.Errorf("no block node %q for step %s", s.StatementID, s.ID)
	}
	return ref.block, nil
}

// isElement reports whether a step is one expanded element of a mapping
// block.
func isElement(s *store.Step) bool {
	return strings.IndexByte(s.StatementID, '[') >= 0
}

// scopeFor builds the expression environment for a step: the workflow's
// parameters under "params", enclosing foreach bindings under their
// variable names, and each completed named sibling's returns under the
// sibling's name.
func (ev *evaluation) scopeFor(s *store.Step) map[string]any {
	env := make(map[string]any)

	params := ev.root.Attributes.Params.Values()
	if params == nil {
		params = map[string]any{}
	}
	env["params"] = params

	for c := s; c != nil; c = ev.steps[c.ContainerID] {
		if c.Foreach != nil {
			if _, ok := env[c.Foreach.Var]; !ok {
				env[c.Foreach.Var] = c.Foreach.Value
			}
		}
		if c.ContainerID == "" {
			break
		}
	}

	for _, sib := range ev.order {
		if sib.ID == s.ID || sib.BlockID != s.BlockID || sib.BlockID == "" {
			continue
		}
		if sib.StatementName == "" || sib.State != store.StateStatementComplete {
			continue
		}
		env[sib.StatementName] = sib.Attributes.Returns.Values()
	}
	return env
}

// appendLog best-effort appends a runner log record outside the commit.
func (ev *evaluation) appendLog(ctx context.Context, stepID, level, message string) {
	rec := &store.LogRecord{
		RunnerID: ev.runner.ID,
		StepID:   stepID,
		Level:    level,
		Message:  message,
		Time:     time.Now(),
	}
	if err := ev.store.AppendLog(ctx, rec); err != nil {
		ev.logger.Warn("failed to append runner log", "runner_id", ev.runner.ID, "error", err)
	}
}
