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

// Package flow defines the compiled program tree executed by the AgentFlow
// runtime.
//
// A Program is the output of the surface-language compiler: a tree of
// namespaces containing facet, schema, and workflow declarations. Workflow
// bodies are blocks of statements; statements invoke facets, yield workflow
// returns, or instantiate schemas. The compiled form serializes to YAML via
// Decode and Encode, and that document is what flow publication persists.
//
// The runtime never sees surface syntax. Expressions inside the tree are
// opaque strings evaluated by the engine; `$.name` refers to the containing
// workflow's parameters, `sibling.attr` to a prior statement's returns, and
// a foreach variable to the current element binding.
package flow

// Program is a compiled flow document: the unit of publication and the
// root of the declaration tree.
type Program struct {
	// Version tracks the compiled document schema version (optional,
	// defaults to "1")
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Namespaces are the declaration scopes of the program. A namespace
	// with an empty name holds unqualified declarations.
	Namespaces []*Namespace `yaml:"namespaces" json:"namespaces"`
}

// Namespace groups facet, schema, and workflow declarations under a
// qualifying prefix.
type Namespace struct {
	// Name is the qualification prefix; empty for the root namespace
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Facets declared in this namespace
	Facets []*Facet `yaml:"facets,omitempty" json:"facets,omitempty"`

	// Schemas declared in this namespace
	Schemas []*Schema `yaml:"schemas,omitempty" json:"schemas,omitempty"`

	// Workflows declared in this namespace
	Workflows []*Workflow `yaml:"workflows,omitempty" json:"workflows,omitempty"`
}

// Facet is a named, typed signature for a unit of work.
//
// An event facet is dispatched externally: reaching it creates a durable
// event and a claimable task, and execution blocks until a handler supplies
// the returns. A non-event facet passes through dispatch and is realized by
// its scripts and mixin blocks alone.
type Facet struct {
	// Name is the facet identifier, unique within its namespace
	Name string `yaml:"name" json:"name"`

	// Event marks the facet for external dispatch
	Event bool `yaml:"event,omitempty" json:"event,omitempty"`

	// Params declare the facet's input attributes
	Params []Attribute `yaml:"params,omitempty" json:"params,omitempty"`

	// Returns declare the facet's output attributes
	Returns []Attribute `yaml:"returns,omitempty" json:"returns,omitempty"`

	// Scripts are ordered name/expression pairs evaluated into the
	// step's params after parameter initialization, before mixin blocks
	Scripts []Script `yaml:"scripts,omitempty" json:"scripts,omitempty"`

	// Blocks are mixin blocks carried by the facet definition itself,
	// materialized as children of every step that invokes the facet
	Blocks []*Block `yaml:"blocks,omitempty" json:"blocks,omitempty"`
}

// Schema is a named record type instantiable by a schema statement.
type Schema struct {
	// Name is the schema identifier, unique within its namespace
	Name string `yaml:"name" json:"name"`

	// Fields declare the record's attributes
	Fields []Attribute `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Workflow is a named composition of facet invocations: a parameter list,
// a return declaration, and a body block ending in a yield.
type Workflow struct {
	// Name is the workflow identifier, unique within its namespace
	Name string `yaml:"name" json:"name"`

	// Params declare the workflow's inputs. A parameter's Default
	// expression is evaluated when the caller supplies no value.
	Params []Attribute `yaml:"params,omitempty" json:"params,omitempty"`

	// Returns declare the workflow's outputs, filled by the yield
	Returns []Attribute `yaml:"returns,omitempty" json:"returns,omitempty"`

	// Body is the root block of the workflow
	Body *Block `yaml:"body" json:"body"`
}

// Attribute declares a named, typed slot on a facet, schema, or workflow.
type Attribute struct {
	// Name is the attribute identifier
	Name string `yaml:"name" json:"name"`

	// Type is the declared type hint (Long, String, Boolean, Double,
	// List, Map, a schema name, or empty for untyped)
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Default is an expression supplying the value when none is given;
	// only meaningful on workflow params
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Script is one ordered name/expression pair of a facet's script list.
type Script struct {
	// Name is the param the result is written to
	Name string `yaml:"name" json:"name"`

	// Expression computes the value in the step's param scope
	Expression string `yaml:"expression" json:"expression"`
}

// BlockKind selects the execution protocol of a block.
type BlockKind string

const (
	// BlockAndThen runs its statements sequentially
	BlockAndThen BlockKind = "andThen"

	// BlockAndMap expands one child per element of its foreach range,
	// running children concurrently
	BlockAndMap BlockKind = "andMap"

	// BlockAndMatch selects at most one of its case blocks by guard
	BlockAndMatch BlockKind = "andMatch"

	// BlockPlain is a bare statement grouping with andThen semantics
	BlockPlain BlockKind = "block"
)

// Block is a grouping of statements or, for andMatch, of case blocks.
type Block struct {
	// ID uniquely identifies the block within the program. Assigned by
	// Decode when the compiler leaves it empty.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Kind selects the execution protocol (defaults to andThen)
	Kind BlockKind `yaml:"kind,omitempty" json:"kind,omitempty"`

	// ForEach carries the iteration binding; required for andMap
	ForEach *ForEach `yaml:"foreach,omitempty" json:"foreach,omitempty"`

	// Match carries the selector expression; required for andMatch
	Match *Match `yaml:"match,omitempty" json:"match,omitempty"`

	// Guard is the case expression on an andMatch case block; empty
	// marks the default case
	Guard string `yaml:"guard,omitempty" json:"guard,omitempty"`

	// Statements are the block's body, in execution order
	Statements []*Statement `yaml:"statements,omitempty" json:"statements,omitempty"`

	// Blocks are the case blocks of an andMatch
	Blocks []*Block `yaml:"blocks,omitempty" json:"blocks,omitempty"`
}

// ForEach is the iteration binding of an andMap block.
type ForEach struct {
	// Var is the name the current element is bound to in child scopes
	Var string `yaml:"var" json:"var"`

	// In is the expression producing the list to iterate
	In string `yaml:"in" json:"in"`
}

// Match is the selector of an andMatch block.
type Match struct {
	// On is the expression whose value selects a case
	On string `yaml:"on" json:"on"`
}

// StatementKind selects the statement's state machine and semantics.
type StatementKind string

const (
	// StatementAssignment invokes a facet and binds its returns to a
	// sibling-visible name
	StatementAssignment StatementKind = "assignment"

	// StatementYield fills the containing workflow's returns and ends
	// the body
	StatementYield StatementKind = "yield"

	// StatementSchema instantiates a schema record
	StatementSchema StatementKind = "schema"
)

// Statement is a single line of a block.
type Statement struct {
	// ID uniquely identifies the statement within the program. Assigned
	// by Decode when the compiler leaves it empty. Together with the
	// containing block step's id it forms the step idempotency key.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Kind selects the statement semantics (defaults to assignment)
	Kind StatementKind `yaml:"kind,omitempty" json:"kind,omitempty"`

	// Name is the binding the statement's returns are visible under to
	// later siblings. Required for assignments, empty for yields.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Facet names the invoked declaration: a facet for assignments, the
	// containing workflow for yields, a schema for schema statements
	Facet string `yaml:"facet" json:"facet"`

	// Args are the invocation arguments, in declaration order
	Args []Argument `yaml:"args,omitempty" json:"args,omitempty"`

	// Blocks are the statement's andThen body blocks, materialized as
	// children after event dispatch
	Blocks []*Block `yaml:"blocks,omitempty" json:"blocks,omitempty"`
}

// Argument is one named argument of a statement.
type Argument struct {
	// Name is the target param (or return attribute, for yields)
	Name string `yaml:"name" json:"name"`

	// Expression computes the value in the ambient scope
	Expression string `yaml:"expression" json:"expression"`
}
