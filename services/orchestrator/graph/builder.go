// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"sort"
	"time"
)

// DefaultMaxSteps bounds a run when the builder is not told otherwise.
const DefaultMaxSteps = 50

// Condition decides whether an edge is taken.
type Condition struct {
	// Label is empty for an unconditional edge.
	Label string
}

// Always is the unconditional edge condition.
func Always() Condition { return Condition{} }

// OnLabel matches a Branch outcome carrying label.
func OnLabel(label string) Condition { return Condition{Label: label} }

// IsAlways reports whether the condition is unconditional.
func (c Condition) IsAlways() bool { return c.Label == "" }

// Edge connects two nodes.
type Edge struct {
	From      string
	To        string
	Condition Condition
}

// outgoing holds the edges leaving one node.
type outgoing struct {
	always  string
	labeled map[string]string
}

// Builder constructs a Graph.
//
// Description:
//
//	Builder provides a fluent API for constructing graphs. Structural
//	problems (duplicate ids, edges to unknown nodes, two edges claiming the
//	same label) are recorded and the first one is returned by Build.
//	Cycles are permitted.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the graph in a single goroutine.
//
// Example:
//
//	g, err := graph.NewBuilder("agent").
//	    AddNode(router).
//	    AddNode(chat).
//	    AddConditionalEdge("router", "chat", "chat").
//	    SetEntry("router").
//	    Build()
type Builder struct {
	name     string
	nodes    map[string]Node
	order    []string
	edges    []Edge
	entry    string
	maxSteps int
	timeout  time.Duration
	errors   []error
}

// NewBuilder creates a new graph builder.
//
// Inputs:
//
//	name - The name for the graph (used in logging/metrics).
//
// Outputs:
//
//	*Builder - The builder instance.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		nodes:    make(map[string]Node),
		maxSteps: DefaultMaxSteps,
	}
}

// AddNode registers a node.
//
// Inputs:
//
//	node - The node to add. Must not be nil and its id must be unique.
//
// Outputs:
//
//	*Builder - The builder for chaining.
func (b *Builder) AddNode(node Node) *Builder {
	if node == nil {
		b.errors = append(b.errors, ErrNilNode)
		return b
	}
	id := node.ID()
	if id == "" {
		b.errors = append(b.errors, &BuildError{NodeID: node.Name(), Err: ErrEmptyNodeID})
		return b
	}
	if _, exists := b.nodes[id]; exists {
		b.errors = append(b.errors, &BuildError{NodeID: id, Err: ErrDuplicateNode})
		return b
	}
	b.nodes[id] = node
	b.order = append(b.order, id)
	return b
}

// AddEdge adds an unconditional edge. A node has at most one.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Condition: Always()})
	return b
}

// AddConditionalEdge adds an edge taken when from branches with label.
// The label must not be empty.
func (b *Builder) AddConditionalEdge(from, to, label string) *Builder {
	if label == "" {
		b.errors = append(b.errors, &BuildError{NodeID: from, Err: ErrEmptyLabel})
		return b
	}
	b.edges = append(b.edges, Edge{From: from, To: to, Condition: OnLabel(label)})
	return b
}

// SetEntry sets the node every run starts at.
func (b *Builder) SetEntry(id string) *Builder {
	b.entry = id
	return b
}

// WithMaxSteps sets the step budget of each run.
func (b *Builder) WithMaxSteps(n int) *Builder {
	if n <= 0 {
		b.errors = append(b.errors, ErrInvalidStepLimit)
		return b
	}
	b.maxSteps = n
	return b
}

// WithTimeout bounds the wall-clock time of each run. Zero disables it.
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// Build validates and constructs the graph.
//
// Outputs:
//
//	*Graph - The constructed graph.
//	error - The first structural error recorded, if any.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if b.entry == "" {
		return nil, ErrEntryNotSet
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, &BuildError{NodeID: b.entry, Err: ErrNodeNotFound}
	}

	out := make(map[string]*outgoing, len(b.nodes))
	for _, e := range b.edges {
		if _, ok := b.nodes[e.From]; !ok {
			return nil, &BuildError{NodeID: e.From, Err: ErrNodeNotFound}
		}
		if _, ok := b.nodes[e.To]; !ok {
			return nil, &BuildError{NodeID: e.To, Err: ErrNodeNotFound}
		}
		o := out[e.From]
		if o == nil {
			o = &outgoing{labeled: make(map[string]string)}
			out[e.From] = o
		}
		if e.Condition.IsAlways() {
			if o.always != "" {
				return nil, &BuildError{NodeID: e.From, Err: ErrDuplicateAlways}
			}
			o.always = e.To
			continue
		}
		if _, dup := o.labeled[e.Condition.Label]; dup {
			return nil, &BuildError{NodeID: e.From, Err: ErrDuplicateLabel}
		}
		o.labeled[e.Condition.Label] = e.To
	}

	edges := make([]Edge, len(b.edges))
	copy(edges, b.edges)
	order := make([]string, len(b.order))
	copy(order, b.order)

	return &Graph{
		name:     b.name,
		nodes:    b.nodes,
		order:    order,
		edges:    edges,
		out:      out,
		entry:    b.entry,
		maxSteps: b.maxSteps,
		timeout:  b.timeout,
	}, nil
}

// Graph is an immutable, validated node graph. Safe for concurrent use.
type Graph struct {
	name     string
	nodes    map[string]Node
	order    []string
	edges    []Edge
	out      map[string]*outgoing
	entry    string
	maxSteps int
	timeout  time.Duration
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Node returns the node registered under id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Entry returns the entry node id.
func (g *Graph) Entry() string { return g.entry }

// MaxSteps returns the step budget.
func (g *Graph) MaxSteps() int { return g.maxSteps }

// Timeout returns the run timeout, zero if unbounded.
func (g *Graph) Timeout() time.Duration { return g.timeout }

// NodeIDs returns node ids in registration order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Successors returns the distinct targets reachable from id in one step,
// sorted.
func (g *Graph) Successors(id string) []string {
	o := g.out[id]
	if o == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(to string) {
		if to != "" && !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}
	add(o.always)
	for _, to := range o.labeled {
		add(to)
	}
	sort.Strings(out)
	return out
}

// Resolve picks the edge to follow from id.
//
// Description:
//
//	A non-empty label matching a conditional edge wins. Otherwise the
//	unconditional edge is taken. Labels are unique per node so the result
//	is deterministic.
//
// Outputs:
//
//	string - Target node id.
//	bool - False if no edge applies.
func (g *Graph) Resolve(id, label string) (string, bool) {
	o := g.out[id]
	if o == nil {
		return "", false
	}
	if label != "" {
		if to, ok := o.labeled[label]; ok {
			return to, true
		}
	}
	if o.always != "" {
		return o.always, true
	}
	return "", false
}
