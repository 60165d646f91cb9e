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
	"reflect"
	"testing"

	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		want       string
	}{
		{
			name:       "workflow param reference",
			expression: "$.input",
			want:       "params.input",
		},
		{
			name:       "reference inside arithmetic",
			expression: "$.count + 1",
			want:       "params.count + 1",
		},
		{
			name:       "multiple references",
			expression: "$.a + $.b",
			want:       "params.a + params.b",
		},
		{
			name:       "dollar inside string literal untouched",
			expression: `"$.literal" + $.x`,
			want:       `"$.literal" + params.x`,
		},
		{
			name:       "single quoted literal untouched",
			expression: "'$.literal'",
			want:       "'$.literal'",
		},
		{
			name:       "no references",
			expression: "added.result",
			want:       "added.result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canonicalize(tt.expression); got != tt.want {
				t.Errorf("canonicalize(%q) = %q, want %q", tt.expression, got, tt.want)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	env := map[string]any{
		"params": map[string]any{"input": 41, "items": []any{1, 2, 3}},
		"added":  map[string]any{"result": 42},
		"item":   7,
	}

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{
			name:       "workflow param",
			expression: "$.input",
			want:       41,
		},
		{
			name:       "sibling return attribute",
			expression: "added.result",
			want:       42,
		},
		{
			name:       "foreach binding",
			expression: "item * 2",
			want:       14,
		},
		{
			name:       "string literal",
			expression: `"hello"`,
			want:       "hello",
		},
		{
			name:       "builtin function",
			expression: "len($.items)",
			want:       3,
		},
	}

	e := NewExpr()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expression, env)
			if err != nil {
				t.Fatalf("Evaluate(%q) error = %v", tt.expression, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Evaluate(%q) = %v (%T), want %v (%T)", tt.expression, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestEvaluateUnresolvedReference(t *testing.T) {
	e := NewExpr()
	env := map[string]any{
		"params": map[string]any{},
		"added":  map[string]any{"result": 42},
	}

	tests := []struct {
		name       string
		expression string
	}{
		{
			name:       "missing sibling",
			expression: "missing.result",
		},
		{
			name:       "attribute access on scalar",
			expression: "added.result.deeper",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Evaluate(tt.expression, env)
			if err == nil {
				t.Fatalf("Evaluate(%q) expected error", tt.expression)
			}
			var unresolved *aflerrors.UnresolvedReferenceError
			if !aflerrors.As(err, &unresolved) {
				t.Errorf("Evaluate(%q) error = %v, want UnresolvedReferenceError", tt.expression, err)
			}
		})
	}
}

func TestEvaluateMalformedExpression(t *testing.T) {
	e := NewExpr()
	_, err := e.Evaluate("1 +", map[string]any{})
	if err == nil {
		t.Fatal("expected error for malformed expression")
	}
	var validation *aflerrors.ValidationError
	if !aflerrors.As(err, &validation) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestEvaluateBool(t *testing.T) {
	e := NewExpr()
	env := map[string]any{"params": map[string]any{"kind": "a"}}

	got, err := e.EvaluateBool(`$.kind == "a"`, env)
	if err != nil {
		t.Fatalf("EvaluateBool() error = %v", err)
	}
	if !got {
		t.Error("EvaluateBool() = false, want true")
	}

	if _, err := e.EvaluateBool(`$.kind`, env); err == nil {
		t.Error("expected error for non-boolean result")
	}
}

func TestCompileCaching(t *testing.T) {
	e := NewExpr()
	env := map[string]any{"params": map[string]any{"x": 1}}

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate("$.x + 1", env); err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
	}
	if got := e.CacheSize(); got != 1 {
		t.Errorf("CacheSize() = %d, want 1", got)
	}

	e.ClearCache()
	if got := e.CacheSize(); got != 0 {
		t.Errorf("CacheSize() after clear = %d, want 0", got)
	}
}

func TestRootIdentifier(t *testing.T) {
	tests := []struct {
		expression string
		want       string
	}{
		{expression: "added.result", want: "added"},
		{expression: "params.input", want: "params"},
		{expression: "item * 2", want: "item"},
		{expression: `"literal"`, want: ""},
		{expression: "42", want: ""},
		{expression: "len(items)", want: ""},
		{expression: "true", want: ""},
		{expression: "not ready", want: ""},
	}

	for _, tt := range tests {
		if got := rootIdentifier(tt.expression); got != tt.want {
			t.Errorf("rootIdentifier(%q) = %q, want %q", tt.expression, got, tt.want)
		}
	}
}
