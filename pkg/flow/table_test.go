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

package flow

import "testing"

func TestFacetTableResolution(t *testing.T) {
	p := &Program{
		Namespaces: []*Namespace{
			{
				Name:   "a",
				Facets: []*Facet{{Name: "Shared"}, {Name: "OnlyA"}},
			},
			{
				Name:      "b",
				Facets:    []*Facet{{Name: "Shared"}},
				Workflows: []*Workflow{{Name: "W", Body: &Block{Kind: BlockAndThen}}},
			},
		},
	}
	table := p.Facets()

	if _, ok := table.Facet("a.Shared"); !ok {
		t.Error("qualified a.Shared did not resolve")
	}
	if _, ok := table.Facet("b.Shared"); !ok {
		t.Error("qualified b.Shared did not resolve")
	}
	if _, ok := table.Facet("Shared"); ok {
		t.Error("ambiguous bare Shared resolved; it should require qualification")
	}
	if f, ok := table.Facet("OnlyA"); !ok || f.Name != "OnlyA" {
		t.Error("unambiguous bare OnlyA did not resolve")
	}
	if _, ok := table.Workflow("W"); !ok {
		t.Error("bare workflow W did not resolve")
	}
	if _, ok := table.Workflow("b.W"); !ok {
		t.Error("qualified workflow b.W did not resolve")
	}
	if _, ok := table.Facet("Missing"); ok {
		t.Error("unknown facet resolved")
	}
}

func TestFacetTableRootNamespaceOwnsBareNames(t *testing.T) {
	root := &Facet{Name: "X"}
	other := &Facet{Name: "X"}
	p := &Program{
		Namespaces: []*Namespace{
			{Name: "", Facets: []*Facet{root}},
			{Name: "ns", Facets: []*Facet{other}},
		},
	}
	table := p.Facets()

	if f, ok := table.Facet("X"); !ok || f != root {
		t.Error("bare X should resolve to the root namespace declaration")
	}
	if f, ok := table.Facet("ns.X"); !ok || f != other {
		t.Error("qualified ns.X should resolve to the named declaration")
	}
}

func TestWorkflowNames(t *testing.T) {
	p := &Program{
		Namespaces: []*Namespace{
			{Name: "a", Workflows: []*Workflow{{Name: "First"}, {Name: "Second"}}},
			{Name: "", Workflows: []*Workflow{{Name: "Bare"}}},
		},
	}

	got := p.WorkflowNames()
	want := []string{"a.First", "a.Second", "Bare"}
	if len(got) != len(want) {
		t.Fatalf("WorkflowNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("WorkflowNames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQualify(t *testing.T) {
	if got := Qualify("", "Name"); got != "Name" {
		t.Errorf("Qualify empty namespace = %q, want %q", got, "Name")
	}
	if got := Qualify("ns", "Name"); got != "ns.Name" {
		t.Errorf("Qualify = %q, want %q", got, "ns.Name")
	}
}
