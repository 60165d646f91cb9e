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
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// Expr compiles and evaluates flow expressions against a step's ambient
// scope. Compiled programs are cached by source text; the cache is safe
// for concurrent use.
//
// Flow expressions use `$.name` to reference the containing workflow's
// parameters. The form is rewritten to `params.name` before compilation;
// every evaluation environment carries the workflow parameters under the
// "params" key.
type Expr struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExpr creates an expression evaluator with an empty cache.
func NewExpr() *Expr {
	return &Expr{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates an expression against the given environment and
// returns its value. A reference to a name the environment does not
// carry fails with an UnresolvedReferenceError; any other compile or
// runtime failure surfaces as a ValidationError.
func (e *Expr) Evaluate(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, &aflerrors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("%s: %v", expression, err),
		}
	}

	if env == nil {
		env = map[string]any{}
	}
	if name := rootIdentifier(canonicalize(expression)); name != "" {
		if _, ok := env[name]; !ok {
			return nil, &aflerrors.UnresolvedReferenceError{Name: expression}
		}
	}

	out, err := expr.Run(program, env)
	if err != nil {
		// Fetch failures mean a name or attribute path did not resolve
		// in the scope; everything else is a malformed expression.
		if strings.Contains(err.Error(), "cannot fetch") {
			return nil, &aflerrors.UnresolvedReferenceError{Name: expression}
		}
		return nil, &aflerrors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("%s: %v", expression, err),
		}
	}
	return out, nil
}

// EvaluateBool evaluates an expression expected to produce a boolean.
func (e *Expr) EvaluateBool(expression string, env map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, &aflerrors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("%s: expected boolean result, got %T", expression, out),
		}
	}
	return b, nil
}

// compile returns the cached program for an expression, compiling and
// caching it on first use.
func (e *Expr) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(canonicalize(expression), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// ClearCache removes all cached programs.
func (e *Expr) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*vm.Program)
}

// CacheSize returns the number of cached programs.
func (e *Expr) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// canonicalize rewrites `$.` workflow-parameter references to the
// `params.` form. Occurrences inside string literals are left alone.
func canonicalize(expression string) string {
	if !strings.Contains(expression, "$.") {
		return expression
	}

	var b strings.Builder
	b.Grow(len(expression) + 16)
	var quote byte
	for i := 0; i < len(expression); i++ {
		c := expression[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(expression) {
				i++
				b.WriteByte(expression[i])
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
			b.WriteByte(c)
		case c == '$' && i+1 < len(expression) && expression[i+1] == '.':
			b.WriteString("params.")
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// exprKeywords are names that look like identifiers but never resolve
// through the environment.
var exprKeywords = map[string]bool{
	"true":  true,
	"false": true,
	"nil":   true,
	"not":   true,
	"and":   true,
	"or":    true,
	"in":    true,
	"let":   true,
	"if":    true,
	"else":  true,
}

// rootIdentifier returns the leading identifier of an expression when it
// is an environment reference, or "" when the expression starts with a
// literal, an operator, a keyword, or a function call.
func rootIdentifier(expression string) string {
	s := strings.TrimLeft(expression, " \t")
	end := 0
	for end < len(s) {
		c := s[end]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (end > 0 && c >= '0' && c <= '9') {
			end++
			continue
		}
		break
	}
	if end == 0 {
		return ""
	}
	name := s[:end]
	if exprKeywords[name] {
		return ""
	}
	rest := strings.TrimLeft(s[end:], " \t")
	if strings.HasPrefix(rest, "(") {
		// function call, resolved by the expression runtime
		return ""
	}
	return name
}
