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

// Package step defines the transition tables that drive step execution.
//
// Four tables exist, selected by the step's object type. Each is a plain
// ordered state list; a step advances one entry per evaluator pass unless
// a handler requests otherwise. StatementError is reachable from every
// state and, like StatementComplete, is absorbing.
package step

import (
	"fmt"

	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// statementSequence drives VariableAssignment and Workflow steps, the
// full pipeline: facet resolution, scripts, mixin blocks, external
// dispatch, statement blocks, capture.
var statementSequence = []string{
	store.StateCreated,
	store.StateFacetInitBegin,
	store.StateFacetInitEnd,
	store.StateFacetScriptsBegin,
	store.StateFacetScriptsEnd,
	store.StateMixinBlocksBegin,
	store.StateMixinBlocksContinue,
	store.StateMixinBlocksEnd,
	store.StateMixinCaptureBegin,
	store.StateMixinCaptureEnd,
	store.StateEventTransmit,
	store.StateStatementBlocksBegin,
	store.StateStatementBlocksContinue,
	store.StateStatementBlocksEnd,
	store.StateStatementCaptureBegin,
	store.StateStatementCaptureEnd,
	store.StateStatementEnd,
	store.StateStatementComplete,
}

// blockSequence drives AndThen, AndMap, AndMatch, and Block steps.
var blockSequence = []string{
	store.StateCreated,
	store.StateBlockExecutionBegin,
	store.StateBlockExecutionContinue,
	store.StateBlockExecutionEnd,
	store.StateStatementEnd,
	store.StateStatementComplete,
}

// yieldSequence drives YieldAssignment steps; yields have no blocks and
// no external dispatch.
var yieldSequence = []string{
	store.StateCreated,
	store.StateFacetInitBegin,
	store.StateFacetInitEnd,
	store.StateFacetScriptsBegin,
	store.StateFacetScriptsEnd,
	store.StateStatementEnd,
	store.StateStatementComplete,
}

// schemaSequence drives SchemaInstantiation steps.
var schemaSequence = []string{
	store.StateCreated,
	store.StateFacetInitBegin,
	store.StateFacetInitEnd,
	store.StateStatementEnd,
	store.StateStatementComplete,
}

// sequences maps each object type to its table.
var sequences = map[store.ObjectType][]string{
	store.ObjectVariableAssignment:  statementSequence,
	store.ObjectWorkflow:            statementSequence,
	store.ObjectYieldAssignment:     yieldSequence,
	store.ObjectSchemaInstantiation: schemaSequence,
	store.ObjectAndThen:             blockSequence,
	store.ObjectAndMap:              blockSequence,
	store.ObjectAndMatch:            blockSequence,
	store.ObjectBlock:               blockSequence,
}

// Sequence returns the ordered state list for an object type, or nil for
// an unknown type. The returned slice must not be mutated.
func Sequence(objectType store.ObjectType) []string {
	return sequences[objectType]
}

// Next returns the state following current in the object type's table.
// Terminal states and states outside the table are errors.
func Next(objectType store.ObjectType, current string) (string, error) {
	if current == store.StateStatementError {
		return "", fmt.Errorf("state %s is terminal", current)
	}

	seq, ok := sequences[objectType]
	if !ok {
		return "", fmt.Errorf("unknown object type %q", objectType)
	}

	for i, state := range seq {
		if state != current {
			continue
		}
		if i == len(seq)-1 {
			return "", fmt.Errorf("state %s is terminal", current)
		}
		return seq[i+1], nil
	}

	return "", fmt.Errorf("state %q is not in the %s table", current, objectType)
}

// Valid reports whether state appears in the object type's table.
// StatementError is valid for every type.
func Valid(objectType store.ObjectType, state string) bool {
	if state == store.StateStatementError {
		return true
	}
	for _, s := range sequences[objectType] {
		if s == state {
			return true
		}
	}
	return false
}

// Advance moves the step to its next state and clears the advancement
// request flags. Advancing a terminal step is an error.
func Advance(s *store.Step) error {
	next, err := Next(s.ObjectType, s.State)
	if err != nil {
		return fmt.Errorf("failed to advance step %s: %w", s.ID, err)
	}
	s.State = next
	s.RequestStateChange = false
	s.PushMe = false
	return nil
}

// Fail moves the step to StatementError, recording the error message and
// kind. Failing an already-terminal step leaves it unchanged: terminal
// states are absorbing.
func Fail(s *store.Step, err error) {
	if s.Terminal() {
		return
	}
	s.State = store.StateStatementError
	s.Error = err.Error()
	s.ErrorKind = aflerrors.Kind(err)
	s.RequestStateChange = false
	s.PushMe = false
}
