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
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
	"github.com/agentflow/agentflow/pkg/flow"
)

// handleFacetInitBegin evaluates the step's invocation arguments against
// the ambient scope and records them as typed parameters. What the
// arguments are checked against depends on the step:
//
//   - workflow roots take the runner's inputs against the workflow's
//     parameter declarations, applying defaults
//   - yields take their arguments against the workflow's return
//     declarations
//   - schema statements take theirs against the schema's fields
//   - assignments take theirs against the facet's parameters
func (ev *evaluation) handleFacetInitBegin(_ context.Context, s *store.Step) error {
	switch s.ObjectType {
	case store.ObjectWorkflow:
		if err := ev.initWorkflowParams(s); err != nil {
			return err
		}
	case store.ObjectYieldAssignment:
		workflow, ok := ev.table.Workflow(s.FacetName)
		if !ok {
			return &aflerrors.UnresolvedReferenceError{Name: s.FacetName, Statement: s.StatementName}
		}
		if err := ev.initStatementParams(s, workflow.Returns); err != nil {
			return err
		}
	case store.ObjectSchemaInstantiation:
		schema, ok := ev.table.Schema(s.FacetName)
		if !ok {
			return &aflerrors.UnresolvedReferenceError{Name: s.FacetName, Statement: s.StatementName}
		}
		if err := ev.initStatementParams(s, schema.Fields); err != nil {
			return err
		}
	default:
		facet, ok := ev.table.Facet(s.FacetName)
		if !ok {
			return &aflerrors.UnresolvedReferenceError{Name: s.FacetName, Statement: s.StatementName}
		}
		if err := ev.initStatementParams(s, facet.Params); err != nil {
			return err
		}
	}

	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// initWorkflowParams applies the runner's inputs and parameter defaults
// to the root step.
func (ev *evaluation) initWorkflowParams(s *store.Step) error {
	given := ev.runner.Params
	for _, p := range ev.workflow.Params {
		if attr, ok := given[p.Name]; ok {
			if !flow.TypeMatches(p.Type, attr.Value) {
				return &aflerrors.TypeMismatchError{Attribute: p.Name, Declared: p.Type, Value: attr.Value}
			}
			s.SetParam(p.Name, attr.Value, p.Type)
			continue
		}
		if p.Default != "" {
			env := map[string]any{"params": s.Attributes.Params.Values()}
			if env["params"] == nil {
				env["params"] = map[string]any{}
			}
			v, err := ev.expr.Evaluate(p.Default, env)
			if err != nil {
				return err
			}
			if !flow.TypeMatches(p.Type, v) {
				return &aflerrors.TypeMismatchError{Attribute: p.Name, Declared: p.Type, Value: v}
			}
			s.SetParam(p.Name, v, p.Type)
			continue
		}
		s.SetParam(p.Name, nil, p.Type)
	}

	// Undeclared inputs pass through untyped.
	for name, attr := range given {
		if _, ok := s.Param(name); !ok {
			s.SetParam(name, attr.Value, attr.Type)
		}
	}
	return nil
}

// initStatementParams evaluates the statement's arguments in scope and
// type-checks each against its declaration when one exists.
func (ev *evaluation) initStatementParams(s *store.Step, decls []flow.Attribute) error {
	stmt := ev.statementNode(s)
	if stmt == nil {
		return nil
	}

	declared := make(map[string]flow.Attribute, len(decls))
	for _, d := range decls {
		declared[d.Name] = d
	}

	env := ev.scopeFor(s)
	for _, arg := range stmt.Args {
		v, err := ev.expr.Evaluate(arg.Expression, env)
		if err != nil {
			return err
		}
		decl, ok := declared[arg.Name]
		if ok && !flow.TypeMatches(decl.Type, v) {
			return &aflerrors.TypeMismatchError{Attribute: arg.Name, Declared: decl.Type, Value: v}
		}
		s.SetParam(arg.Name, v, decl.Type)
	}
	return nil
}

// handleFacetScriptsBegin evaluates the facet's scripts, in order, into
// the step's parameters. Scripts see the ambient scope plus the step's
// own parameters, including the results of earlier scripts.
func (ev *evaluation) handleFacetScriptsBegin(_ context.Context, s *store.Step) error {
	facet, ok := ev.table.Facet(s.FacetName)
	if ok && len(facet.Scripts) > 0 {
		env := ev.scopeFor(s)
		for name, value := range s.Attributes.Params.Values() {
			env[name] = value
		}
		for _, script := range facet.Scripts {
			v, err := ev.expr.Evaluate(script.Expression, env)
			if err != nil {
				return err
			}
			s.SetParam(script.Name, v, "")
			env[script.Name] = v
		}
	}

	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// handleMixinBlocksBegin materializes the facet's mixin blocks as
// children, all at once.
func (ev *evaluation) handleMixinBlocksBegin(_ context.Context, s *store.Step) error {
	if facet, ok := ev.table.Facet(s.FacetName); ok {
		for _, b := range facet.Blocks {
			ev.createBlockStep(s, b)
		}
	}
	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// handleMixinBlocksContinue waits for the mixin children.
func (ev *evaluation) handleMixinBlocksContinue(_ context.Context, s *store.Step) error {
	return ev.watchChildren(s, ev.mixinBlockIDs(s))
}

// handleMixinCaptureBegin merges the mixin children's returns into the
// step's returns.
func (ev *evaluation) handleMixinCaptureBegin(_ context.Context, s *store.Step) error {
	ev.captureChildren(s, ev.mixinBlockIDs(s))
	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// handleEventTransmit dispatches an event facet. With an in-process
// handler the dispatch is synchronous and the step advances immediately.
// Otherwise the step persists a durable event and a claimable task, and
// stays here until continue_step supplies its returns; re-entry while
// the event is live is a no-op.
func (ev *evaluation) handleEventTransmit(ctx context.Context, s *store.Step) error {
	if s.ObjectType == store.ObjectWorkflow {
		s.RequestStateChange = true
		s.PushMe = true
		return nil
	}

	facet, ok := ev.table.Facet(s.FacetName)
	if !ok || !facet.Event {
		s.RequestStateChange = true
		s.PushMe = true
		return nil
	}

	if ev.dispatcher != nil && ev.dispatcher.Handles(s.FacetName) {
		return ev.dispatchInline(ctx, s, facet)
	}

	if ev.events[s.ID] != nil {
		// Already awaiting a handler.
		return nil
	}
	ev.createEventAndTask(s)
	return nil
}

// dispatchInline runs the registered handler synchronously and writes
// its returns onto the step.
func (ev *evaluation) dispatchInline(ctx context.Context, s *store.Step, facet *flow.Facet) error {
	payload := ev.taskPayload(s)
	start := time.Now()
	returns, err := ev.dispatcher.Dispatch(ctx, s.FacetName, payload)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordHandlerExecution(s.FacetName, "failed", elapsed)
		return &aflerrors.HandlerError{Facet: s.FacetName, Message: err.Error(), Cause: err}
	}
	metrics.RecordHandlerExecution(s.FacetName, "completed", elapsed)

	hints := make(map[string]string, len(facet.Returns))
	for _, r := range facet.Returns {
		hints[r.Name] = r.Type
	}
	for name, v := range returns {
		s.SetReturn(name, v, hints[name])
	}

	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// createEventAndTask persists the dispatch event and its queue task in
// the current change set. They commit atomically with the step.
func (ev *evaluation) createEventAndTask(s *store.Step) {
	now := time.Now()
	payload := ev.taskPayload(s)

	event := &store.Event{
		ID:        uuid.NewString(),
		StepID:    s.ID,
		RunnerID:  s.RunnerID,
		State:     store.EventCreated,
		EventType: s.FacetName,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	task := &store.Task{
		ID:        uuid.NewString(),
		Name:      s.FacetName,
		RunnerID:  s.RunnerID,
		StepID:    s.ID,
		TaskList:  ev.taskList,
		State:     store.TaskPending,
		Data:      payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ev.changes.AddCreatedEvent(event)
	ev.changes.AddCreatedTask(task)
	ev.events[s.ID] = event

	ev.logger.Info("step awaiting external handler",
		"runner_id", s.RunnerID,
		"step_id", s.ID,
		"facet", s.FacetName,
		"task_list", ev.taskList)
}

// taskPayload builds the dispatch payload: the step's parameter values
// plus the facet name.
func (ev *evaluation) taskPayload(s *store.Step) map[string]any {
	payload := make(map[string]any)
	for name, value := range s.Attributes.Params.Values() {
		payload[name] = value
	}
	payload[store.DataKeyFacetName] = s.FacetName
	return payload
}

// handleStatementBlocksBegin materializes the statement's body blocks as
// children: the workflow body for roots, the statement's blocks for
// assignments.
func (ev *evaluation) handleStatementBlocksBegin(_ context.Context, s *store.Step) error {
	for _, b := range ev.bodyBlocks(s) {
		ev.createBlockStep(s, b)
	}
	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// handleStatementBlocksContinue waits for the body children.
func (ev *evaluation) handleStatementBlocksContinue(_ context.Context, s *store.Step) error {
	return ev.watchChildren(s, ev.bodyBlockIDs(s))
}

// handleStatementCaptureBegin merges the body children's returns into
// the step. Workflow roots keep only their declared return attributes;
// everything else merges unfiltered.
func (ev *evaluation) handleStatementCaptureBegin(_ context.Context, s *store.Step) error {
	if s.ObjectType == store.ObjectWorkflow {
		ev.captureWorkflowReturns(s)
	} else {
		ev.captureChildren(s, ev.bodyBlockIDs(s))
	}
	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// handleStatementEnd closes out the step's attribute bookkeeping before
// the terminal transition. Yields and schema instantiations publish
// their parameters as returns; assignments backfill declared returns
// their scripts computed into parameters.
func (ev *evaluation) handleStatementEnd(_ context.Context, s *store.Step) error {
	switch s.ObjectType {
	case store.ObjectYieldAssignment, store.ObjectSchemaInstantiation:
		for name, attr := range s.Attributes.Params {
			s.SetReturn(name, attr.Value, attr.Type)
		}
	case store.ObjectVariableAssignment:
		if facet, ok := ev.table.Facet(s.FacetName); ok {
			for _, r := range facet.Returns {
				if _, set := s.Return(r.Name); set {
					continue
				}
				if v, ok := s.Param(r.Name); ok {
					s.SetReturn(r.Name, v, r.Type)
				}
			}
		}
	}

	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// watchChildren observes the container's children among the given node
// IDs: an errored child fails the container, a running child keeps it
// waiting, and full completion advances it.
func (ev *evaluation) watchChildren(s *store.Step, nodeIDs map[string]bool) error {
	for _, c := range ev.childrenOf(s.ID) {
		if !nodeIDs[c.StatementID] {
			continue
		}
		if c.State == store.StateStatementError {
			return propagate(c)
		}
		if !c.Terminal() {
			return nil
		}
	}
	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// captureChildren merges completed children's returns into the step, in
// creation order; later children override on key collision.
func (ev *evaluation) captureChildren(s *store.Step, nodeIDs map[string]bool) {
	for _, c := range ev.childrenOf(s.ID) {
		if !nodeIDs[c.StatementID] || c.State != store.StateStatementComplete {
			continue
		}
		for name, attr := range c.Attributes.Returns {
			s.SetReturn(name, attr.Value, attr.Type)
		}
	}
}

// captureWorkflowReturns fills the root step's returns from its body,
// restricted to the workflow's declared return attributes.
func (ev *evaluation) captureWorkflowReturns(s *store.Step) {
	merged := make(store.Attributes)
	for _, c := range ev.childrenOf(s.ID) {
		if c.State != store.StateStatementComplete {
			continue
		}
		for name, attr := range c.Attributes.Returns {
			merged[name] = attr
		}
	}
	for _, decl := range ev.workflow.Returns {
		if attr, ok := merged[decl.Name]; ok {
			s.SetReturn(decl.Name, attr.Value, decl.Type)
		}
	}
}

// mixinBlockIDs returns the node IDs of the step's facet mixin blocks.
func (ev *evaluation) mixinBlockIDs(s *store.Step) map[string]bool {
	ids := make(map[string]bool)
	if facet, ok := ev.table.Facet(s.FacetName); ok {
		for _, b := range facet.Blocks {
			ids[b.ID] = true
		}
	}
	return ids
}

// bodyBlocks returns the statement's body block nodes.
func (ev *evaluation) bodyBlocks(s *store.Step) []*flow.Block {
	if s.ObjectType == store.ObjectWorkflow {
		if ev.workflow.Body == nil {
			return nil
		}
		return []*flow.Block{ev.workflow.Body}
	}
	if stmt := ev.statementNode(s); stmt != nil {
		return stmt.Blocks
	}
	return nil
}

// bodyBlockIDs returns the node IDs of the statement's body blocks.
func (ev *evaluation) bodyBlockIDs(s *store.Step) map[string]bool {
	ids := make(map[string]bool)
	for _, b := range ev.bodyBlocks(s) {
		ids[b.ID] = true
	}
	return ids
}
