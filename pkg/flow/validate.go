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

	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

var validBlockKinds = map[BlockKind]bool{
	BlockAndThen:  true,
	BlockAndMap:   true,
	BlockAndMatch: true,
	BlockPlain:    true,
}

var validStatementKinds = map[StatementKind]bool{
	StatementAssignment: true,
	StatementYield:      true,
	StatementSchema:     true,
}

// Validate checks the program tree for structural errors: duplicate
// names and IDs, malformed blocks, and statement references that no
// declaration satisfies. Decode calls it after defaults and ID
// assignment; callers constructing trees by hand call it directly.
func (p *Program) Validate() error {
	if len(p.Namespaces) == 0 {
		return &aflerrors.ValidationError{
			Field:   "namespaces",
			Message: "program declares no namespaces",
		}
	}

	nsNames := make(map[string]bool)
	for _, ns := range p.Namespaces {
		if nsNames[ns.Name] {
			return &aflerrors.ValidationError{
				Field:   "namespaces",
				Message: fmt.Sprintf("duplicate namespace %q", ns.Name),
			}
		}
		nsNames[ns.Name] = true

		if err := ns.validateNames(); err != nil {
			return err
		}
	}

	if err := p.validateNodeIDs(); err != nil {
		return err
	}

	table := p.Facets()
	for _, ns := range p.Namespaces {
		for _, f := range ns.Facets {
			if err := f.validate(table); err != nil {
				return fmt.Errorf("invalid facet %s: %w", Qualify(ns.Name, f.Name), err)
			}
		}
		for _, s := range ns.Schemas {
			if err := validateAttributes("field", s.Fields); err != nil {
				return fmt.Errorf("invalid schema %s: %w", Qualify(ns.Name, s.Name), err)
			}
		}
		for _, w := range ns.Workflows {
			if err := w.validate(table, ns.Name); err != nil {
				return fmt.Errorf("invalid workflow %s: %w", Qualify(ns.Name, w.Name), err)
			}
		}
	}

	return nil
}

// validateNames checks declaration name uniqueness within the namespace.
func (ns *Namespace) validateNames() error {
	seen := make(map[string]bool)
	check := func(kind, name string) error {
		if name == "" {
			return &aflerrors.ValidationError{
				Field:   kind,
				Message: fmt.Sprintf("%s in namespace %q has no name", kind, ns.Name),
			}
		}
		key := kind + ":" + name
		if seen[key] {
			return &aflerrors.ValidationError{
				Field:   kind,
				Message: fmt.Sprintf("duplicate %s %q in namespace %q", kind, name, ns.Name),
			}
		}
		seen[key] = true
		return nil
	}

	for _, f := range ns.Facets {
		if err := check("facet", f.Name); err != nil {
			return err
		}
	}
	for _, s := range ns.Schemas {
		if err := check("schema", s.Name); err != nil {
			return err
		}
	}
	for _, w := range ns.Workflows {
		if err := check("workflow", w.Name); err != nil {
			return err
		}
	}
	return nil
}

// validateNodeIDs checks block and statement ID uniqueness across the
// whole program. IDs key step idempotency, so a collision would fold
// two distinct nodes into one runtime step.
func (p *Program) validateNodeIDs() error {
	seen := make(map[string]bool)
	var dup string
	p.walkNodes(func(b *Block, s *Statement) {
		id := ""
		if b != nil {
			id = b.ID
		} else if s != nil {
			id = s.ID
		}
		if id != "" && seen[id] && dup == "" {
			dup = id
		}
		seen[id] = true
	})
	if dup != "" {
		return &aflerrors.ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("duplicate node id %q", dup),
		}
	}
	return nil
}

func (f *Facet) validate(table *FacetTable) error {
	if err := validateAttributes("param", f.Params); err != nil {
		return err
	}
	if err := validateAttributes("return", f.Returns); err != nil {
		return err
	}
	for _, sc := range f.Scripts {
		if sc.Name == "" || sc.Expression == "" {
			return fmt.Errorf("script requires both name and expression")
		}
	}
	for _, b := range f.Blocks {
		if err := validateBlock(b, table, "", false); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) validate(table *FacetTable, namespace string) error {
	if w.Body == nil {
		return fmt.Errorf("workflow requires a body block")
	}
	if err := validateAttributes("param", w.Params); err != nil {
		return err
	}
	if err := validateAttributes("return", w.Returns); err != nil {
		return err
	}
	// Both spellings of the workflow's own name satisfy a yield.
	yieldTarget := w.Name
	if namespace != "" {
		yieldTarget = Qualify(namespace, w.Name)
	}
	return validateBlock(w.Body, table, yieldTarget, false)
}

func validateAttributes(kind string, attrs []Attribute) error {
	seen := make(map[string]bool)
	for _, a := range attrs {
		if a.Name == "" {
			return fmt.Errorf("%s requires a name", kind)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate %s %q", kind, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// validateBlock checks one block and recurses. yieldTarget carries the
// containing workflow's qualified name, empty inside facet mixin blocks
// where yields are not allowed. isCase permits a Guard.
func validateBlock(b *Block, table *FacetTable, yieldTarget string, isCase bool) error {
	if !validBlockKinds[b.Kind] {
		return fmt.Errorf("block %s: invalid kind %q", b.ID, b.Kind)
	}
	if b.Guard != "" && !isCase {
		return fmt.Errorf("block %s: guard is only valid on a case block", b.ID)
	}

	switch b.Kind {
	case BlockAndMap:
		if b.ForEach == nil || b.ForEach.Var == "" || b.ForEach.In == "" {
			return fmt.Errorf("block %s: andMap requires foreach with var and in", b.ID)
		}
		if len(b.Blocks) > 0 {
			return fmt.Errorf("block %s: andMap carries statements, not nested blocks", b.ID)
		}
	case BlockAndMatch:
		if b.Match == nil || b.Match.On == "" {
			return fmt.Errorf("block %s: andMatch requires a match expression", b.ID)
		}
		if len(b.Statements) > 0 {
			return fmt.Errorf("block %s: andMatch carries case blocks, not statements", b.ID)
		}
		defaults := 0
		for _, c := range b.Blocks {
			if c.Guard == "" {
				defaults++
			}
			if err := validateBlock(c, table, yieldTarget, true); err != nil {
				return err
			}
		}
		if defaults > 1 {
			return fmt.Errorf("block %s: andMatch has more than one default case", b.ID)
		}
		return nil
	default:
		if b.ForEach != nil {
			return fmt.Errorf("block %s: foreach is only valid on andMap", b.ID)
		}
		if b.Match != nil {
			return fmt.Errorf("block %s: match is only valid on andMatch", b.ID)
		}
		if len(b.Blocks) > 0 {
			return fmt.Errorf("block %s: nested blocks are only valid on andMatch", b.ID)
		}
	}

	names := make(map[string]bool)
	for _, s := range b.Statements {
		if err := s.validate(table, yieldTarget); err != nil {
			return fmt.Errorf("block %s: %w", b.ID, err)
		}
		if s.Name != "" {
			if names[s.Name] {
				return fmt.Errorf("block %s: duplicate statement name %q", b.ID, s.Name)
			}
			names[s.Name] = true
		}
		for _, child := range s.Blocks {
			if err := validateBlock(child, table, yieldTarget, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Statement) validate(table *FacetTable, yieldTarget string) error {
	if !validStatementKinds[s.Kind] {
		return fmt.Errorf("statement %s: invalid kind %q", s.ID, s.Kind)
	}
	if s.Facet == "" {
		return fmt.Errorf("statement %s: facet is required", s.ID)
	}
	for _, a := range s.Args {
		if a.Name == "" || a.Expression == "" {
			return fmt.Errorf("statement %s: argument requires both name and expression", s.ID)
		}
	}

	switch s.Kind {
	case StatementAssignment:
		if s.Name == "" {
			return fmt.Errorf("statement %s: assignment requires a name", s.ID)
		}
		if _, ok := table.Facet(s.Facet); !ok {
			return fmt.Errorf("statement %s: unknown facet %q", s.ID, s.Facet)
		}
	case StatementYield:
		if s.Name != "" {
			return fmt.Errorf("statement %s: yield cannot bind a name", s.ID)
		}
		if len(s.Blocks) > 0 {
			return fmt.Errorf("statement %s: yield cannot carry a body", s.ID)
		}
		if yieldTarget == "" {
			return fmt.Errorf("statement %s: yield outside a workflow body", s.ID)
		}
		if s.Facet != yieldTarget && !matchesBareName(s.Facet, yieldTarget) {
			return fmt.Errorf("statement %s: yield names %q, expected the containing workflow %q", s.ID, s.Facet, yieldTarget)
		}
	case StatementSchema:
		if len(s.Blocks) > 0 {
			return fmt.Errorf("statement %s: schema instantiation cannot carry a body", s.ID)
		}
		if _, ok := table.Schema(s.Facet); !ok {
			return fmt.Errorf("statement %s: unknown schema %q", s.ID, s.Facet)
		}
	}
	return nil
}

// matchesBareName reports whether name equals the last segment of the
// qualified target.
func matchesBareName(name, qualified string) bool {
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == '.' {
			return name == qualified[i+1:]
		}
	}
	return name == qualified
}
