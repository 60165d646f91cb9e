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
	"log/slog"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// Registry is an agent-local view of the persisted handler registry,
// filtered to the topics the agent serves. Refresh replaces the cached
// view wholesale; reads between refreshes see the last snapshot.
type Registry struct {
	store  store.RegistrationStore
	logger *slog.Logger
	topics []string

	mu   sync.RWMutex
	regs map[string]*store.HandlerRegistration
}

// NewRegistry creates a registry view backed by the given store. With no
// topic patterns it mirrors every registration.
func NewRegistry(st store.RegistrationStore) *Registry {
	return &Registry{
		store:  st,
		logger: slog.Default().With("component", "registry"),
		regs:   make(map[string]*store.HandlerRegistration),
	}
}

// WithTopics restricts the view to facet names matching at least one
// glob pattern.
func (r *Registry) WithTopics(patterns ...string) *Registry {
	r.topics = patterns
	return r
}

// WithLogger sets the logger.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = logger.With("component", "registry")
	}
	return r
}

// Refresh reloads the registration list from the store and swaps the
// cached view. On error the previous view is kept so a transient store
// failure does not blind the agent.
func (r *Registry) Refresh(ctx context.Context) error {
	regs, err := r.store.ListRegistrations(ctx)
	if err != nil {
		return aflerrors.Wrap(err, "refreshing handler registry")
	}

	next := make(map[string]*store.HandlerRegistration, len(regs))
	for _, reg := range regs {
		if !MatchesTopic(r.topics, reg.FacetName) {
			continue
		}
		next[reg.FacetName] = reg
	}

	r.mu.Lock()
	r.regs = next
	r.mu.Unlock()

	r.logger.Debug("handler registry refreshed", "registrations", len(next), "topics", len(r.topics))
	return nil
}

// Get returns the cached registration for a facet name.
func (r *Registry) Get(facetName string) (*store.HandlerRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[facetName]
	return reg, ok
}

// Facets returns the cached facet names, sorted.
func (r *Registry) Facets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.regs))
	for name := range r.regs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of cached registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Announce upserts registrations into the persisted registry and folds
// them into the cached view. Agents call it at startup for the artifact
// handlers they are configured to serve.
func (r *Registry) Announce(ctx context.Context, regs ...*store.HandlerRegistration) error {
	for _, reg := range regs {
		if reg.FacetName == "" {
			return &aflerrors.ValidationError{Field: "facet_name", Message: "registration requires a facet name"}
		}
		if reg.ModuleURI == "" {
			return &aflerrors.ValidationError{Field: "module_uri", Message: "registration requires a module URI"}
		}
		if err := r.store.SaveRegistration(ctx, reg); err != nil {
			return aflerrors.Wrapf(err, "announcing handler for %q", reg.FacetName)
		}
		if MatchesTopic(r.topics, reg.FacetName) {
			r.mu.Lock()
			r.regs[reg.FacetName] = reg
			r.mu.Unlock()
		}
		r.logger.Info("handler announced", "facet", reg.FacetName, "module", reg.ModuleURI)
	}
	return nil
}

// Withdraw deletes a registration and drops it from the cached view.
func (r *Registry) Withdraw(ctx context.Context, facetName string) error {
	if err := r.store.DeleteRegistration(ctx, facetName); err != nil {
		return aflerrors.Wrapf(err, "withdrawing handler for %q", facetName)
	}
	r.mu.Lock()
	delete(r.regs, facetName)
	r.mu.Unlock()
	return nil
}

// MatchesTopic reports whether a facet name matches at least one glob
// pattern. An empty pattern set matches everything. Patterns support
// extended glob syntax ("demo.*", "orders/**"); an invalid pattern is
// treated as an exact name.
func MatchesTopic(patterns []string, facetName string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if pattern == facetName {
			return true
		}
		matched, err := doublestar.Match(pattern, facetName)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
