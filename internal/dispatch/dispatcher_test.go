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

package dispatch

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

func echoHandler(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{"echo": payload["value"]}, nil
}

func TestBuilderBuild(t *testing.T) {
	d, err := NewBuilder().
		Register("demo.AddOne", echoHandler).
		Register("demo.Double", echoHandler).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !d.Handles("demo.AddOne") {
		t.Errorf("Handles(demo.AddOne) = false, want true")
	}
	if d.Handles("demo.Missing") {
		t.Errorf("Handles(demo.Missing) = true, want false")
	}
	if got, want := d.Facets(), []string{"demo.AddOne", "demo.Double"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Facets() = %v, want %v", got, want)
	}
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
}

func TestBuilderRejectsInvalidRegistrations(t *testing.T) {
	tests := []struct {
		name    string
		build   func() (*Dispatcher, error)
		wantMsg string
	}{
		{
			name: "duplicate facet",
			build: func() (*Dispatcher, error) {
				return NewBuilder().
					Register("demo.AddOne", echoHandler).
					Register("demo.AddOne", echoHandler).
					Build()
			},
			wantMsg: "already registered",
		},
		{
			name: "empty facet name",
			build: func() (*Dispatcher, error) {
				return NewBuilder().Register("", echoHandler).Build()
			},
			wantMsg: "facet name is required",
		},
		{
			name: "nil handler",
			build: func() (*Dispatcher, error) {
				return NewBuilder().Register("demo.AddOne", nil).Build()
			},
			wantMsg: "is nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.build()
			if err == nil {
				t.Fatalf("Build() error = nil, want error containing %q", tt.wantMsg)
			}
			if d != nil {
				t.Errorf("Build() dispatcher = %v, want nil", d)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Build() error = %q, want containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestBuilderCollectsAllErrors(t *testing.T) {
	_, err := NewBuilder().
		Register("", echoHandler).
		Register("demo.AddOne", nil).
		Build()
	if err == nil {
		t.Fatal("Build() error = nil, want joined errors")
	}
	for _, want := range []string{"facet name is required", "is nil"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Build() error = %q, want containing %q", err, want)
		}
	}
}

func TestRegisterAll(t *testing.T) {
	d, err := NewBuilder().RegisterAll(map[string]Handler{
		"demo.AddOne": echoHandler,
		"demo.Double": echoHandler,
	}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
}

func TestDispatchRunsHandler(t *testing.T) {
	d, err := NewBuilder().Register("demo.AddOne", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"result": payload["value"].(int) + 1}, nil
	}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	returns, err := d.Dispatch(context.Background(), "demo.AddOne", map[string]any{"value": 41})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if returns["result"] != 42 {
		t.Errorf("Dispatch() result = %v, want 42", returns["result"])
	}
}

func TestDispatchUnknownFacet(t *testing.T) {
	d, err := NewBuilder().Register("demo.AddOne", echoHandler).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	_, err = d.Dispatch(context.Background(), "demo.Missing", nil)
	if err == nil {
		t.Fatal("Dispatch() error = nil, want HandlerNotFoundError")
	}
	if kind := aflerrors.Kind(err); kind != aflerrors.KindHandlerNotFound {
		t.Errorf("Kind() = %q, want %q", kind, aflerrors.KindHandlerNotFound)
	}
	var nf *aflerrors.HandlerNotFoundError
	if !aflerrors.As(err, &nf) {
		t.Fatalf("Dispatch() error = %T, want *HandlerNotFoundError", err)
	}
	if nf.Facet != "demo.Missing" {
		t.Errorf("Facet = %q, want %q", nf.Facet, "demo.Missing")
	}
}

func TestDispatchNilDispatcher(t *testing.T) {
	var d *Dispatcher
	if d.Handles("demo.AddOne") {
		t.Error("Handles() on nil dispatcher = true, want false")
	}
	if d.Len() != 0 {
		t.Errorf("Len() on nil dispatcher = %d, want 0", d.Len())
	}
	_, err := d.Dispatch(context.Background(), "demo.AddOne", nil)
	if kind := aflerrors.Kind(err); kind != aflerrors.KindHandlerNotFound {
		t.Errorf("Kind() = %q, want %q", kind, aflerrors.KindHandlerNotFound)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d, err := NewBuilder().Register("demo.Panics", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		panic("boom")
	}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	returns, err := d.Dispatch(context.Background(), "demo.Panics", nil)
	if err == nil {
		t.Fatal("Dispatch() error = nil, want HandlerError")
	}
	if returns != nil {
		t.Errorf("Dispatch() returns = %v, want nil", returns)
	}
	if kind := aflerrors.Kind(err); kind != aflerrors.KindHandlerError {
		t.Errorf("Kind() = %q, want %q", kind, aflerrors.KindHandlerError)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Dispatch() error = %q, want containing %q", err, "boom")
	}
}

func TestDispatchPreservesHandlerErrorKind(t *testing.T) {
	d, err := NewBuilder().Register("demo.Slow", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return nil, &aflerrors.TimeoutError{Operation: "demo.Slow", Duration: 500 * time.Millisecond}
	}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	_, err = d.Dispatch(context.Background(), "demo.Slow", nil)
	if kind := aflerrors.Kind(err); kind != aflerrors.KindTimeout {
		t.Errorf("Kind() = %q, want %q", kind, aflerrors.KindTimeout)
	}
}
