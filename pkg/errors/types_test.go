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
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

func TestParseError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *aflerrors.ParseError
		wantMsg string
	}{
		{
			name: "with source",
			err: &aflerrors.ParseError{
				Source:  "add_one.flow",
				Message: "unexpected token at line 3",
			},
			wantMsg: "parse error in add_one.flow: unexpected token at line 3",
		},
		{
			name: "without source",
			err: &aflerrors.ParseError{
				Message: "empty document",
			},
			wantMsg: "parse error: empty document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ParseError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestUnresolvedReferenceError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *aflerrors.UnresolvedReferenceError
		wantMsg string
	}{
		{
			name: "with statement",
			err: &aflerrors.UnresolvedReferenceError{
				Name:      "missing_facet",
				Statement: "result",
			},
			wantMsg: `unresolved reference "missing_facet" in statement "result"`,
		},
		{
			name: "without statement",
			err: &aflerrors.UnresolvedReferenceError{
				Name: "sibling.count",
			},
			wantMsg: `unresolved reference "sibling.count"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("UnresolvedReferenceError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestHandlerNotFoundError_Error(t *testing.T) {
	err := &aflerrors.HandlerNotFoundError{Facet: "com.example.AddOne"}
	want := `no handler registered for facet "com.example.AddOne"`
	if got := err.Error(); got != want {
		t.Errorf("HandlerNotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestHandlerError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *aflerrors.HandlerError
		want []string
	}{
		{
			name: "with cause",
			err: &aflerrors.HandlerError{
				Facet:   "com.example.AddOne",
				Message: "division by zero",
				Cause:   errors.New("division by zero"),
			},
			want: []string{"com.example.AddOne", "division by zero"},
		},
		{
			name: "panic recovery",
			err: &aflerrors.HandlerError{
				Facet:   "com.example.Flaky",
				Message: "panic: index out of range",
			},
			want: []string{"com.example.Flaky", "panic: index out of range"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("HandlerError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *aflerrors.TimeoutError
		want []string
	}{
		{
			name: "handler timeout",
			err: &aflerrors.TimeoutError{
				Operation: "handler com.example.Sleep",
				Duration:  500 * time.Millisecond,
			},
			want: []string{"handler com.example.Sleep", "500ms"},
		},
		{
			name: "commit timeout",
			err: &aflerrors.TimeoutError{
				Operation: "commit",
				Duration:  2 * time.Minute,
			},
			want: []string{"commit", "2m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestPersistenceError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *aflerrors.PersistenceError
		wantMsg string
	}{
		{
			name: "after retries",
			err: &aflerrors.PersistenceError{
				Op:       "commit",
				Attempts: 3,
				Cause:    errors.New("database is locked"),
			},
			wantMsg: "persistence commit failed after 3 attempts: database is locked",
		},
		{
			name: "single attempt",
			err: &aflerrors.PersistenceError{
				Op:       "save_step",
				Attempts: 1,
				Cause:    errors.New("connection refused"),
			},
			wantMsg: "persistence save_step failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("PersistenceError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *aflerrors.NotFoundError
		wantMsg string
	}{
		{
			name:    "step not found",
			err:     &aflerrors.NotFoundError{Entity: "step", ID: "a1b2c3"},
			wantMsg: "step not found: a1b2c3",
		},
		{
			name:    "flow not found",
			err:     &aflerrors.NotFoundError{Entity: "flow", ID: "add_one"},
			wantMsg: "flow not found: add_one",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *aflerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &aflerrors.ValidationError{
				Field:   "store_url",
				Message: "unsupported scheme",
			},
			wantMsg: "validation failed on store_url: unsupported scheme",
		},
		{
			name: "without field",
			err: &aflerrors.ValidationError{
				Message: "invalid format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("ParseError can be wrapped", func(t *testing.T) {
		original := &aflerrors.ParseError{
			Source:  "bad.flow",
			Message: "unexpected end of input",
		}
		wrapped := fmt.Errorf("publishing flow: %w", original)

		var target *aflerrors.ParseError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ParseError in wrapped error")
		}
		if target.Source != "bad.flow" {
			t.Errorf("unwrapped error Source = %q, want %q", target.Source, "bad.flow")
		}
	})

	t.Run("HandlerError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("connection reset")
		handlerErr := &aflerrors.HandlerError{
			Facet:   "com.example.Fetch",
			Message: "request failed",
			Cause:   rootCause,
		}
		wrapped := fmt.Errorf("executing task: %w", handlerErr)

		var target *aflerrors.HandlerError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find HandlerError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("HandlerError.Unwrap() should return root cause")
		}
	})

	t.Run("PersistenceError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("database is locked")
		persistErr := &aflerrors.PersistenceError{
			Op:       "commit",
			Attempts: 3,
			Cause:    rootCause,
		}
		wrapped := fmt.Errorf("ending iteration: %w", persistErr)

		var target *aflerrors.PersistenceError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find PersistenceError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("PersistenceError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("signal: killed")
		timeoutErr := &aflerrors.TimeoutError{
			Operation: "handler com.example.Sleep",
			Duration:  500 * time.Millisecond,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("dispatching: %w", timeoutErr)

		var target *aflerrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

// Test errors.Is behavior
func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &aflerrors.NotFoundError{Entity: "task", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped HandlerNotFoundError", func(t *testing.T) {
		original := &aflerrors.HandlerNotFoundError{Facet: "com.example.Missing"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
