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
	"errors"
	"reflect"
	"testing"

	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/memory"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

func seedRegistration(t *testing.T, st store.RegistrationStore, facet, uri string) {
	t.Helper()
	err := st.SaveRegistration(context.Background(), &store.HandlerRegistration{
		FacetName: facet,
		ModuleURI: uri,
		TimeoutMS: 5000,
	})
	if err != nil {
		t.Fatalf("SaveRegistration(%s) error = %v", facet, err)
	}
}

func TestRegistryRefresh(t *testing.T) {
	st := memory.New()
	seedRegistration(t, st, "demo.AddOne", "mvn:demo/handlers/1.0")
	seedRegistration(t, st, "demo.Double", "mvn:demo/handlers/1.0")
	seedRegistration(t, st, "orders.Ship", "mvn:orders/handlers/2.1")

	reg := NewRegistry(st).WithTopics("demo.*")
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if got, want := reg.Facets(), []string{"demo.AddOne", "demo.Double"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Facets() = %v, want %v", got, want)
	}
	r, ok := reg.Get("demo.AddOne")
	if !ok {
		t.Fatal("Get(demo.AddOne) = false, want true")
	}
	if r.ModuleURI != "mvn:demo/handlers/1.0" {
		t.Errorf("ModuleURI = %q, want %q", r.ModuleURI, "mvn:demo/handlers/1.0")
	}
	if r.TimeoutMS != 5000 {
		t.Errorf("TimeoutMS = %d, want 5000", r.TimeoutMS)
	}
	if _, ok := reg.Get("orders.Ship"); ok {
		t.Error("Get(orders.Ship) = true, want filtered out by topics")
	}
}

func TestRegistryRefreshWithoutTopicsMirrorsAll(t *testing.T) {
	st := memory.New()
	seedRegistration(t, st, "demo.AddOne", "mvn:demo/handlers/1.0")
	seedRegistration(t, st, "orders.Ship", "mvn:orders/handlers/2.1")

	reg := NewRegistry(st)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}
}

// failingRegStore fails ListRegistrations on demand to exercise the
// keep-previous-view behavior.
type failingRegStore struct {
	store.RegistrationStore
	fail bool
}

func (f *failingRegStore) ListRegistrations(ctx context.Context) ([]*store.HandlerRegistration, error) {
	if f.fail {
		return nil, errors.New("connection reset")
	}
	return f.RegistrationStore.ListRegistrations(ctx)
}

func TestRegistryRefreshKeepsViewOnError(t *testing.T) {
	st := memory.New()
	seedRegistration(t, st, "demo.AddOne", "mvn:demo/handlers/1.0")

	flaky := &failingRegStore{RegistrationStore: st}
	reg := NewRegistry(flaky)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}

	flaky.fail = true
	if err := reg.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() error = nil, want error")
	}
	if reg.Len() != 1 {
		t.Errorf("Len() after failed refresh = %d, want 1", reg.Len())
	}
	if _, ok := reg.Get("demo.AddOne"); !ok {
		t.Error("Get(demo.AddOne) after failed refresh = false, want true")
	}
}

func TestRegistryAnnounce(t *testing.T) {
	st := memory.New()
	reg := NewRegistry(st)

	err := reg.Announce(context.Background(),
		&store.HandlerRegistration{FacetName: "demo.AddOne", ModuleURI: "mvn:demo/handlers/1.0", TimeoutMS: 2000},
		&store.HandlerRegistration{FacetName: "demo.Double", ModuleURI: "file:///opt/handlers/double.jar"},
	)
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	persisted, err := st.GetRegistration(context.Background(), "demo.AddOne")
	if err != nil {
		t.Fatalf("GetRegistration() error = %v", err)
	}
	if persisted.TimeoutMS != 2000 {
		t.Errorf("persisted TimeoutMS = %d, want 2000", persisted.TimeoutMS)
	}
	if _, ok := reg.Get("demo.Double"); !ok {
		t.Error("Get(demo.Double) = false, want cached after announce")
	}
}

func TestRegistryAnnounceValidates(t *testing.T) {
	tests := []struct {
		name string
		reg  *store.HandlerRegistration
	}{
		{"missing facet name", &store.HandlerRegistration{ModuleURI: "mvn:demo/handlers/1.0"}},
		{"missing module uri", &store.HandlerRegistration{FacetName: "demo.AddOne"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(memory.New())
			err := reg.Announce(context.Background(), tt.reg)
			if err == nil {
				t.Fatal("Announce() error = nil, want ValidationError")
			}
			if kind := aflerrors.Kind(err); kind != aflerrors.KindValidation {
				t.Errorf("Kind() = %q, want %q", kind, aflerrors.KindValidation)
			}
		})
	}
}

func TestRegistryAnnounceRespectsTopics(t *testing.T) {
	st := memory.New()
	reg := NewRegistry(st).WithTopics("orders.*")

	err := reg.Announce(context.Background(), &store.HandlerRegistration{
		FacetName: "demo.AddOne",
		ModuleURI: "mvn:demo/handlers/1.0",
	})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	if _, err := st.GetRegistration(context.Background(), "demo.AddOne"); err != nil {
		t.Errorf("GetRegistration() error = %v, want persisted despite topic filter", err)
	}
	if _, ok := reg.Get("demo.AddOne"); ok {
		t.Error("Get(demo.AddOne) = true, want excluded from cached view")
	}
}

func TestRegistryWithdraw(t *testing.T) {
	st := memory.New()
	reg := NewRegistry(st)
	err := reg.Announce(context.Background(), &store.HandlerRegistration{
		FacetName: "demo.AddOne",
		ModuleURI: "mvn:demo/handlers/1.0",
	})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	if err := reg.Withdraw(context.Background(), "demo.AddOne"); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if _, ok := reg.Get("demo.AddOne"); ok {
		t.Error("Get(demo.AddOne) = true, want dropped")
	}
	if _, err := st.GetRegistration(context.Background(), "demo.AddOne"); !aflerrors.IsNotFound(err) {
		t.Errorf("GetRegistration() error = %v, want NotFoundError", err)
	}
}

func TestMatchesTopic(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		facet    string
		want     bool
	}{
		{"no patterns match everything", nil, "demo.AddOne", true},
		{"exact match", []string{"demo.AddOne"}, "demo.AddOne", true},
		{"exact mismatch", []string{"demo.AddOne"}, "demo.Double", false},
		{"glob prefix", []string{"demo.*"}, "demo.AddOne", true},
		{"glob prefix mismatch", []string{"demo.*"}, "orders.Ship", false},
		{"star matches any name", []string{"*"}, "demo.AddOne", true},
		{"second pattern wins", []string{"orders.*", "demo.*"}, "demo.AddOne", true},
		{"invalid pattern falls back to exact", []string{"["}, "[", true},
		{"invalid pattern never globs", []string{"["}, "demo.AddOne", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesTopic(tt.patterns, tt.facet); got != tt.want {
				t.Errorf("MatchesTopic(%v, %q) = %v, want %v", tt.patterns, tt.facet, got, tt.want)
			}
		})
	}
}
