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

package errors_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("original error")
		wrapped := aflerrors.Wrap(original, "additional context")

		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "additional context") {
			t.Errorf("wrapped error should contain context, got: %s", msg)
		}
		if !strings.Contains(msg, "original error") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := aflerrors.Wrap(nil, "context")
		if wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := aflerrors.Wrap(original, "context")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}

		unwrapped := errors.Unwrap(wrapped)
		if unwrapped != original {
			t.Errorf("Unwrap should return original error, got: %v", unwrapped)
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("wraps error with formatted context", func(t *testing.T) {
		original := errors.New("row not found")
		wrapped := aflerrors.Wrapf(original, "loading step %s", "a1b2c3")

		if wrapped == nil {
			t.Fatal("Wrapf should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "loading step a1b2c3") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
		if !strings.Contains(msg, "row not found") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := aflerrors.Wrapf(nil, "context %d", 42)
		if wrapped != nil {
			t.Errorf("Wrapf(nil, ...) should return nil, got: %v", wrapped)
		}
	})
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "direct not found",
			err:  &aflerrors.NotFoundError{Entity: "step", ID: "x"},
			want: true,
		},
		{
			name: "wrapped not found",
			err:  aflerrors.Wrap(&aflerrors.NotFoundError{Entity: "task", ID: "y"}, "loading"),
			want: true,
		},
		{
			name: "other error",
			err:  errors.New("boom"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aflerrors.IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "timeout error",
			err:  &aflerrors.TimeoutError{Operation: "handler", Duration: time.Second},
			want: true,
		},
		{
			name: "context deadline",
			err:  context.DeadlineExceeded,
			want: true,
		},
		{
			name: "wrapped context deadline",
			err:  aflerrors.Wrap(context.DeadlineExceeded, "dispatching"),
			want: true,
		},
		{
			name: "unrelated error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aflerrors.IsTimeout(tt.err); got != tt.want {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

type classifiedError struct {
	kind string
}

func (e *classifiedError) Error() string     { return "classified" }
func (e *classifiedError) ErrorKind() string { return e.kind }

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
			err:  nil,
			want: "",
		},
		{
			name: "parse error",
			err:  &aflerrors.ParseError{Message: "bad token"},
			want: aflerrors.KindParse,
		},
		{
			name: "unresolved reference",
			err:  &aflerrors.UnresolvedReferenceError{Name: "x"},
			want: aflerrors.KindUnresolvedReference,
		},
		{
			name: "type mismatch",
			err:  &aflerrors.TypeMismatchError{Attribute: "input", Declared: "Long", Value: "forty"},
			want: aflerrors.KindTypeMismatch,
		},
		{
			name: "handler not found",
			err:  &aflerrors.HandlerNotFoundError{Facet: "com.example.Missing"},
			want: aflerrors.KindHandlerNotFound,
		},
		{
			name: "handler error",
			err:  &aflerrors.HandlerError{Facet: "f", Message: "boom"},
			want: aflerrors.KindHandlerError,
		},
		{
			name: "timeout",
			err:  &aflerrors.TimeoutError{Operation: "handler", Duration: time.Second},
			want: aflerrors.KindTimeout,
		},
		{
			name: "download failure",
			err:  &aflerrors.DownloadError{URI: "mvn:com.example:lib:1.0", Reason: "404"},
			want: aflerrors.KindDownloadFailure,
		},
		{
			name: "persistence",
			err:  &aflerrors.PersistenceError{Op: "commit", Attempts: 3, Cause: errors.New("locked")},
			want: aflerrors.KindPersistence,
		},
		{
			name: "wrapped persistence",
			err:  aflerrors.Wrap(&aflerrors.PersistenceError{Op: "save_step", Attempts: 1, Cause: errors.New("x")}, "iteration"),
			want: aflerrors.KindPersistence,
		},
		{
			name: "bare context deadline",
			err:  context.DeadlineExceeded,
			want: aflerrors.KindTimeout,
		},
		{
			name: "self-classifying error",
			err:  &classifiedError{kind: aflerrors.KindDownloadFailure},
			want: aflerrors.KindDownloadFailure,
		},
		{
			name: "unknown error defaults to handler error",
			err:  errors.New("something unexpected"),
			want: aflerrors.KindHandlerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aflerrors.Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}
