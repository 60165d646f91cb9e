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

// FacetTable resolves declaration names to their definitions. Every
// declaration is reachable under its qualified "namespace.name" form;
// bare names resolve only when exactly one namespace declares them.
type FacetTable struct {
	facets    map[string]*Facet
	schemas   map[string]*Schema
	workflows map[string]*Workflow
}

// Facets builds the resolution table for the program. Callers cache the
// result; the tree is read-only after Decode.
func (p *Program) Facets() *FacetTable {
	t := &FacetTable{
		facets:    make(map[string]*Facet),
		schemas:   make(map[string]*Schema),
		workflows: make(map[string]*Workflow),
	}

	// Count bare names first: a named namespace's declaration gets a
	// bare alias only when no other declaration shares the name. Root
	// namespace declarations always own their bare name.
	facetBare := make(map[string]int)
	schemaBare := make(map[string]int)
	workflowBare := make(map[string]int)
	for _, ns := range p.Namespaces {
		for _, f := range ns.Facets {
			facetBare[f.Name]++
		}
		for _, s := range ns.Schemas {
			schemaBare[s.Name]++
		}
		for _, w := range ns.Workflows {
			workflowBare[w.Name]++
		}
	}

	for _, ns := range p.Namespaces {
		for _, f := range ns.Facets {
			if ns.Name == "" || facetBare[f.Name] == 1 {
				t.facets[f.Name] = f
			}
			t.facets[Qualify(ns.Name, f.Name)] = f
		}
		for _, s := range ns.Schemas {
			if ns.Name == "" || schemaBare[s.Name] == 1 {
				t.schemas[s.Name] = s
			}
			t.schemas[Qualify(ns.Name, s.Name)] = s
		}
		for _, w := range ns.Workflows {
			if ns.Name == "" || workflowBare[w.Name] == 1 {
				t.workflows[w.Name] = w
			}
			t.workflows[Qualify(ns.Name, w.Name)] = w
		}
	}

	return t
}

// Facet resolves a facet name, qualified or bare.
func (t *FacetTable) Facet(name string) (*Facet, bool) {
	f, ok := t.facets[name]
	return f, ok
}

// Schema resolves a schema name, qualified or bare.
func (t *FacetTable) Schema(name string) (*Schema, bool) {
	s, ok := t.schemas[name]
	return s, ok
}

// Workflow resolves a workflow name, qualified or bare.
func (t *FacetTable) Workflow(name string) (*Workflow, bool) {
	w, ok := t.workflows[name]
	return w, ok
}

// Workflow resolves a top-level workflow by qualified or bare name.
func (p *Program) Workflow(name string) (*Workflow, bool) {
	return p.Facets().Workflow(name)
}

// WorkflowNames lists every workflow's qualified name in declaration
// order. Flow publication indexes these.
func (p *Program) WorkflowNames() []string {
	var names []string
	for _, ns := range p.Namespaces {
		for _, w := range ns.Workflows {
			names = append(names, Qualify(ns.Name, w.Name))
		}
	}
	return names
}

// Qualify joins a namespace and a declaration name into the qualified
// form. An empty namespace leaves the name bare.
func Qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}
