package graph

import (
	"context"
	"fmt"
)

// NodeFunc is one processing step. It must not mutate the state argument; it
// returns either a partial-state patch (State or map[string]any), a *Command,
// or nil, and may pause by returning an *InterruptError. LLM and store calls
// are external I/O and the only permitted side effects.
type NodeFunc func(ctx context.Context, s State) (any, error)

// Next is a routing decision: a single target, or a parallel fan-out.
type Next struct {
	Target string
	Sends  []Send
}

// RouterFunc picks the next node(s) from the merged state.
type RouterFunc func(ctx context.Context, s State) (Next, error)

// Graph is a flat registry of named nodes plus an edge table. It has no
// back-references; cycles only exist where routers intentionally create them.
type Graph struct {
	schema  *Schema
	nodes   map[string]NodeFunc
	edges   map[string]string
	routers map[string]RouterFunc
	entry   string
}

// New returns an empty graph over the given state schema.
func New(schema *Schema) *Graph {
	if schema == nil {
		schema = NewSchema()
	}
	return &Graph{
		schema:  schema,
		nodes:   make(map[string]NodeFunc),
		edges:   make(map[string]string),
		routers: make(map[string]RouterFunc),
	}
}

// Schema returns the graph's state schema.
func (g *Graph) Schema() *Schema { return g.schema }

// AddNode registers a named node.
func (g *Graph) AddNode(name string, fn NodeFunc) {
	g.nodes[name] = fn
}

// AddEdge routes unconditionally from one node to another.
func (g *Graph) AddEdge(from, to string) {
	if from == Start {
		g.entry = to
		return
	}
	g.edges[from] = to
}

// AddConditionalEdge attaches a routing function to a node's outgoing edge.
func (g *Graph) AddConditionalEdge(from string, router RouterFunc) {
	g.routers[from] = router
}

// SetEntry names the first node to execute.
func (g *Graph) SetEntry(name string) {
	g.entry = name
}

// Validate checks that the entry point and every edge target exist.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph has no entry point")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return &UnknownNodeError{Node: g.entry, From: Start}
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return &UnknownNodeError{Node: from}
		}
		if to == End {
			continue
		}
		if _, ok := g.nodes[to]; !ok {
			return &UnknownNodeError{Node: to, From: from}
		}
	}
	for from := range g.routers {
		if _, ok := g.nodes[from]; !ok {
			return &UnknownNodeError{Node: from}
		}
	}
	return nil
}

func (g *Graph) node(name string) (NodeFunc, bool) {
	fn, ok := g.nodes[name]
	return fn, ok
}

func (g *Graph) route(ctx context.Context, from string, s State) (Next, error) {
	if router, ok := g.routers[from]; ok {
		return router(ctx, s)
	}
	if to, ok := g.edges[from]; ok {
		return Next{Target: to}, nil
	}
	return Next{Target: End}, nil
}
