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

// Package dispatch maps facet names to handler functions.
//
// A Dispatcher is the in-process lookup table agents and the evaluator
// consult when a step reaches external dispatch: one entry per facet
// name, installed through a Builder at startup and immutable afterwards.
// The Registry mirrors the persisted handler_registrations collection so
// agents can also claim tasks for facets served by artifact-backed
// handlers they did not link in.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// Handler executes one facet invocation. The payload is the step's
// parameter attributes as a flat map, including the reserved
// "_facet_name" key; the returned map becomes the step's return
// attributes. Handlers must be safe for concurrent calls.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Dispatcher is an immutable facet-name -> Handler table. The zero value
// handles nothing; use a Builder to construct a populated one.
type Dispatcher struct {
	handlers map[string]Handler
}

// Handles reports whether a handler is installed for the facet.
func (d *Dispatcher) Handles(facetName string) bool {
	if d == nil {
		return false
	}
	_, ok := d.handlers[facetName]
	return ok
}

// Facets returns the installed facet names, sorted. Agents pass these to
// claim_task as the set of task names they serve.
func (d *Dispatcher) Facets() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of installed handlers.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.handlers)
}

// Dispatch invokes the handler registered for facetName. An unknown
// facet returns a HandlerNotFoundError so callers can fail the task with
// a distinguishable kind. A handler panic is recovered and reported as a
// HandlerError; other handler errors are returned unwrapped so specific
// kinds (Timeout, DownloadFailure) survive classification.
func (d *Dispatcher) Dispatch(ctx context.Context, facetName string, payload map[string]any) (returns map[string]any, err error) {
	if !d.Handles(facetName) {
		return nil, &aflerrors.HandlerNotFoundError{Facet: facetName}
	}
	defer func() {
		if r := recover(); r != nil {
			returns = nil
			err = &aflerrors.HandlerError{Facet: facetName, Message: fmt.Sprintf("handler panicked: %v", r)}
		}
	}()
	return d.handlers[facetName](ctx, payload)
}

// Builder accumulates handler registrations and validates them at Build
// time. Register calls chain; registration faults are collected rather
// than returned per call so wiring code reads as a single expression.
type Builder struct {
	mu       sync.Mutex
	handlers map[string]Handler
	errs     []error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[string]Handler)}
}

// Register installs a handler for a facet name. An empty name, nil
// handler, or duplicate name is recorded as an error and surfaced by
// Build.
func (b *Builder) Register(facetName string, h Handler) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if facetName == "" {
		b.errs = append(b.errs, errors.New("facet name is required"))
		return b
	}
	if h == nil {
		b.errs = append(b.errs, fmt.Errorf("handler for %q is nil", facetName))
		return b
	}
	if _, dup := b.handlers[facetName]; dup {
		b.errs = append(b.errs, fmt.Errorf("facet %q already registered", facetName))
		return b
	}
	b.handlers[facetName] = h
	return b
}

// RegisterAll installs every entry of a handler map.
func (b *Builder) RegisterAll(handlers map[string]Handler) *Builder {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.Register(name, handlers[name])
	}
	return b
}

// Build returns the finished Dispatcher, or the joined registration
// errors if any Register call was invalid.
func (b *Builder) Build() (*Dispatcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	handlers := make(map[string]Handler, len(b.handlers))
	for name, h := range b.handlers {
		handlers[name] = h
	}
	return &Dispatcher{handlers: handlers}, nil
}
