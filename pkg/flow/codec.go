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

import (
	"fmt"

	"gopkg.in/yaml.v3"

	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// DefaultVersion is applied to compiled documents that omit the version
// field.
const DefaultVersion = "1"

// Decode parses a compiled flow document from YAML bytes. Missing block
// and statement IDs are assigned deterministically, so decoding the same
// document always yields the same tree; resumed runners rely on that to
// re-locate their steps.
func Decode(data []byte) (*Program, error) {
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &aflerrors.ParseError{Message: "malformed flow document", Cause: err}
	}

	p.applyDefaults()
	p.assignIDs()

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow: %w", err)
	}

	return &p, nil
}

// Encode serializes a program back to its YAML compiled form.
func Encode(p *Program) ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow: %w", err)
	}
	return data, nil
}

// applyDefaults fills the optional fields the compiler may omit.
func (p *Program) applyDefaults() {
	if p.Version == "" {
		p.Version = DefaultVersion
	}
	for _, ns := range p.Namespaces {
		for _, f := range ns.Facets {
			for _, b := range f.Blocks {
				applyBlockDefaults(b)
			}
		}
		for _, w := range ns.Workflows {
			if w.Body != nil {
				applyBlockDefaults(w.Body)
			}
		}
	}
}

func applyBlockDefaults(b *Block) {
	if b.Kind == "" {
		b.Kind = BlockAndThen
	}
	for _, s := range b.Statements {
		if s.Kind == "" {
			s.Kind = StatementAssignment
		}
		for _, child := range s.Blocks {
			applyBlockDefaults(child)
		}
	}
	for _, child := range b.Blocks {
		applyBlockDefaults(child)
	}
}

// assignIDs generates IDs for blocks and statements that carry none.
// Two passes: collect explicit IDs first, then walk the tree in
// declaration order assigning {base}_{N} IDs that skip collisions.
func (p *Program) assignIDs() {
	explicit := make(map[string]bool)
	p.walkNodes(func(b *Block, s *Statement) {
		switch {
		case b != nil && b.ID != "":
			explicit[b.ID] = true
		case s != nil && s.ID != "":
			explicit[s.ID] = true
		}
	})

	counters := make(map[string]int)
	next := func(base string) string {
		n := counters[base] + 1
		candidate := fmt.Sprintf("%s_%d", base, n)
		for explicit[candidate] {
			n++
			candidate = fmt.Sprintf("%s_%d", base, n)
		}
		counters[base] = n
		explicit[candidate] = true
		return candidate
	}

	p.walkNodes(func(b *Block, s *Statement) {
		switch {
		case b != nil && b.ID == "":
			b.ID = next(string(b.Kind))
		case s != nil && s.ID == "":
			s.ID = next(s.idBase())
		}
	})
}

func (s *Statement) idBase() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind {
	case StatementYield:
		return "yield"
	default:
		if s.Facet != "" {
			return s.Facet
		}
		return "statement"
	}
}

// walkNodes visits every block and statement in declaration order. The
// visitor receives exactly one non-nil argument per call.
func (p *Program) walkNodes(visit func(*Block, *Statement)) {
	for _, ns := range p.Namespaces {
		for _, f := range ns.Facets {
			for _, b := range f.Blocks {
				walkBlock(b, visit)
			}
		}
		for _, w := range ns.Workflows {
			if w.Body != nil {
				walkBlock(w.Body, visit)
			}
		}
	}
}

func walkBlock(b *Block, visit func(*Block, *Statement)) {
	visit(b, nil)
	for _, s := range b.Statements {
		visit(nil, s)
		for _, child := range s.Blocks {
			walkBlock(child, visit)
		}
	}
	for _, child := range b.Blocks {
		walkBlock(child, visit)
	}
}
