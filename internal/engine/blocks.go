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
	"reflect"
	"sort"

	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
	"github.com/agentflow/agentflow/pkg/flow"
)

// handleBlockBegin starts a block's execution protocol. Sequencing
// blocks (andThen, plain blocks, mapping elements, selected cases)
// materialize their first statement; mapping blocks expand one element
// child per list element; matching blocks select and materialize at most
// one case.
func (ev *evaluation) handleBlockBegin(_ context.Context, s *store.Step) error {
	node, err := ev.blockNode(s)
	if err != nil {
		return err
	}

	switch {
	case !isElement(s) && node.Kind == flow.BlockAndMap:
		if err := ev.beginMapping(s, node); err != nil {
			return err
		}
	case !isElement(s) && node.Kind == flow.BlockAndMatch:
		if err := ev.beginMatching(s, node); err != nil {
			return err
		}
	default:
		if len(node.Statements) > 0 {
			ev.createStatementStep(s, node.Statements[0])
		}
	}

	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// handleBlockContinue drives the block until its children finish. An
// errored child fails the block; sequencing blocks materialize the next
// statement as each one completes.
func (ev *evaluation) handleBlockContinue(_ context.Context, s *store.Step) error {
	node, err := ev.blockNode(s)
	if err != nil {
		return err
	}

	if !isElement(s) && (node.Kind == flow.BlockAndMap || node.Kind == flow.BlockAndMatch) {
		for _, c := range ev.childrenOf(s.ID) {
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

	byStatement := make(map[string]*store.Step)
	for _, c := range ev.childrenOf(s.ID) {
		byStatement[c.StatementID] = c
	}
	for _, stmt := range node.Statements {
		c, ok := byStatement[stmt.ID]
		if !ok {
			// Prior statements completed; materialize the next one.
			ev.createStatementStep(s, stmt)
			return nil
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

// handleBlockEnd captures the block's result from its children. Mapping
// blocks collect each element's returns into a "results" list in element
// order; every other block merges its children's returns, later children
// overriding on key collision.
func (ev *evaluation) handleBlockEnd(_ context.Context, s *store.Step) error {
	node, err := ev.blockNode(s)
	if err != nil {
		return err
	}

	if !isElement(s) && node.Kind == flow.BlockAndMap {
		elements := ev.childrenOf(s.ID)
		sort.Slice(elements, func(i, j int) bool {
			return foreachIndex(elements[i]) < foreachIndex(elements[j])
		})
		results := make([]any, 0, len(elements))
		for _, c := range elements {
			if c.State != store.StateStatementComplete {
				continue
			}
			values := c.Attributes.Returns.Values()
			if values == nil {
				values = map[string]any{}
			}
			results = append(results, values)
		}
		s.SetReturn("results", results, flow.TypeList)
	} else {
		for _, c := range ev.childrenOf(s.ID) {
			if c.State != store.StateStatementComplete {
				continue
			}
			for name, attr := range c.Attributes.Returns {
				s.SetReturn(name, attr.Value, attr.Type)
			}
		}
	}

	s.RequestStateChange = true
	s.PushMe = true
	return nil
}

// beginMapping evaluates the foreach range and expands one element child
// per entry. Elements carry their binding durably so resumes re-enter
// with the same loop variable.
func (ev *evaluation) beginMapping(s *store.Step, node *flow.Block) error {
	env := ev.scopeFor(s)
	v, err := ev.expr.Evaluate(node.ForEach.In, env)
	if err != nil {
		return err
	}
	list, err := toList(v)
	if err != nil {
		return err
	}

	for i, element := range list {
		child := ev.newChildStep(s, store.ObjectBlock)
		child.StatementID = fmt.Sprintf("%s[%d]", node.ID, i)
		child.Foreach = &store.ForeachBinding{
			Var:   node.ForEach.Var,
			Index: i,
			Value: element,
		}
	}

	ev.logger.Debug("mapping block expanded",
		"runner_id", s.RunnerID,
		"step_id", s.ID,
		"elements", len(list))
	return nil
}

// beginMatching evaluates the selector and guards in declaration order
// and materializes the first matching case, falling back to the default
// case (empty guard) when no guard matches. With neither, the block
// completes without children.
func (ev *evaluation) beginMatching(s *store.Step, node *flow.Block) error {
	env := ev.scopeFor(s)
	on, err := ev.expr.Evaluate(node.Match.On, env)
	if err != nil {
		return err
	}

	var selected, fallback *flow.Block
	for _, caseBlock := range node.Blocks {
		if caseBlock.Guard == "" {
			if fallback == nil {
				fallback = caseBlock
			}
			continue
		}
		guard, err := ev.expr.Evaluate(caseBlock.Guard, env)
		if err != nil {
			return err
		}
		if guardMatches(guard, on) {
			selected = caseBlock
			break
		}
	}
	if selected == nil {
		selected = fallback
	}
	if selected != nil {
		child := ev.newChildStep(s, store.ObjectBlock)
		child.StatementID = selected.ID
	}
	return nil
}

// guardMatches reports whether a case guard selects the matched value: a
// boolean guard selects by its own truth, anything else by equality with
// the selector value.
func guardMatches(guard, on any) bool {
	if b, ok := guard.(bool); ok {
		return b
	}
	if gf, ok := asFloat(guard); ok {
		if of, ok := asFloat(on); ok {
			return gf == of
		}
		return false
	}
	return reflect.DeepEqual(guard, on)
}

// toList coerces a foreach range value into a slice.
func toList(v any) ([]any, error) {
	if v == nil {
		return nil, &aflerrors.TypeMismatchError{Attribute: "foreach", Declared: flow.TypeList, Value: v}
	}
	if list, ok := v.([]any); ok {
		return list, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, &aflerrors.TypeMismatchError{Attribute: "foreach", Declared: flow.TypeList, Value: v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// asFloat widens any numeric value for comparison.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// foreachIndex returns the element index of a mapping child.
func foreachIndex(s *store.Step) int {
	if s.Foreach == nil {
		return 0
	}
	return s.Foreach.Index
}
