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

// Package errors defines the observable error kinds of the AgentFlow
// runtime. Each kind corresponds to a distinct failure mode a step, task,
// or runner can surface; Kind recovers the kind tag so it can be persisted
// alongside the flattened message.
package errors

import (
	"fmt"
	"time"
)

// Kind tags persisted into task and step error fields. These strings are
// stable: operators filter on them.
const (
	KindParse               = "ParseError"
	KindUnresolvedReference = "UnresolvedReference"
	KindTypeMismatch        = "TypeMismatch"
	KindHandlerNotFound     = "HandlerNotFound"
	KindHandlerError        = "HandlerError"
	KindTimeout             = "Timeout"
	KindDownloadFailure     = "DownloadFailure"
	KindPersistence         = "PersistenceError"
	KindValidation          = "ValidationError"
	KindNotFound            = "NotFound"
)

// ParseError represents a flow source that failed to compile into a
// program tree. Surfaced to the submitting client; no runner is created.
type ParseError struct {
	// Source identifies the flow or file that failed to parse
	Source string

	// Message is the parser diagnostic
	Message string

	// Cause is the underlying decode error, if any
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("parse error in %s: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// UnresolvedReferenceError represents a facet or sibling attribute that
// did not resolve during step initialization.
type UnresolvedReferenceError struct {
	// Name is the reference that failed to resolve, either a facet name
	// or a "sibling.attr" path
	Name string

	// Statement names the statement whose initialization failed
	Statement string
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	if e.Statement != "" {
		return fmt.Sprintf("unresolved reference %q in statement %q", e.Name, e.Statement)
	}
	return fmt.Sprintf("unresolved reference %q", e.Name)
}

// TypeMismatchError represents a parameter expression whose value is
// incompatible with the declared attribute type.
type TypeMismatchError struct {
	// Attribute is the parameter or return attribute name
	Attribute string

	// Declared is the declared type name (Long, String, ...)
	Declared string

	// Value is the offending value
	Value any
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("attribute %q declared %s, got %T (%v)", e.Attribute, e.Declared, e.Value, e.Value)
}

// HandlerNotFoundError represents a claimed task whose facet has no
// registered handler on this agent.
type HandlerNotFoundError struct {
	// Facet is the facet name the task carried
	Facet string
}

// Error implements the error interface.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for facet %q", e.Facet)
}

// HandlerError represents a handler that returned an error or panicked.
type HandlerError struct {
	// Facet is the facet the handler was executing
	Facet string

	// Message is the captured handler failure
	Message string

	// Cause is the underlying error when available
	Cause error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed: %s", e.Facet, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents an operation that exceeded its configured
// budget.
type TimeoutError struct {
	// Operation describes what timed out (handler name, "commit", ...)
	Operation string

	// Duration is the budget that was exceeded
	Duration time.Duration

	// Cause is the underlying error (context.DeadlineExceeded, process
	// kill) when available
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// DownloadError represents an artifact-backed handler whose artifact
// could not be resolved or fetched.
type DownloadError struct {
	// URI is the artifact coordinate (file://, mvn:, https://)
	URI string

	// Reason explains the failure
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	return fmt.Sprintf("artifact %s: %s", e.URI, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DownloadError) Unwrap() error {
	return e.Cause
}

// PersistenceError represents a store operation that failed after
// exhausting retries. The evaluator ends the current iteration with a
// Failed status when it sees one.
type PersistenceError struct {
	// Op is the store operation (commit, save_step, claim_task, ...)
	Op string

	// Attempts is how many times the operation was tried
	Attempts int

	// Cause is the last underlying error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("persistence %s failed after %d attempts: %v", e.Op, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a requested entity that does not exist.
type NotFoundError struct {
	// Entity is the entity type (e.g. "step", "task", "runner", "flow")
	Entity string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ValidationError represents invalid input: malformed config values,
// malformed expressions, or constraint violations.
type ValidationError struct {
	// Field identifies which input failed validation
	Field string

	// Message is the human-readable description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}
