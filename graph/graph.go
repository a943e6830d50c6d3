package graph

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Graph is the workflow topology: nodes, typed edges, entry and exit
// points, and the registry of conditions and routers the edges refer to.
//
// Nodes and edges are registered at build time and must not change while a
// run is in progress. Every mutating method either succeeds completely or
// leaves the graph untouched.
//
// Example:
//
//	g := graph.NewGraph()
//	_ = g.AddNode("fetch", fetchNode)
//	_ = g.AddNode("parse", parseNode)
//	_, _ = g.AddEdge(graph.SimpleEdge("fetch", "parse"))
//	_ = g.AddEntryPoint("fetch")
//	_ = g.AddExitPoint("parse")
//	if err := g.Validate(); err != nil {
//	    for _, e := range multierr.Errors(err) {
//	        log.Println(e)
//	    }
//	}
type Graph struct {
	mu sync.RWMutex

	nodes     map[string]Node
	nodeOrder []string

	edges     map[string]Edge
	edgeOrder []string
	edgeSeq   map[string]int

	// outgoing and incoming index edge ids by node id.
	outgoing map[string][]string
	incoming map[string][]string

	entry []string
	exit  []string

	registry *Registry
}

// NewGraph returns an empty graph with its own registry.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]Node),
		edges:    make(map[string]Edge),
		edgeSeq:  make(map[string]int),
		outgoing: make(map[string][]string),
		incoming: make(map[string][]string),
		registry: NewRegistry(),
	}
}

// Registry returns the graph's condition and router registry.
func (g *Graph) Registry() *Registry {
	return g.registry
}

// RegisterCondition registers a condition in the graph's registry.
func (g *Graph) RegisterCondition(id string, c Condition) error {
	return g.registry.RegisterCondition(id, c)
}

// RegisterRouter registers a router in the graph's registry.
func (g *Graph) RegisterRouter(id string, r Router) error {
	return g.registry.RegisterRouter(id, r)
}

// AddNode registers node under id.
func (g *Graph) AddNode(id string, node Node) error {
	if id == "" {
		return structuralf("INVALID_NODE", "", "node ID cannot be empty")
	}
	if node == nil {
		return structuralf("INVALID_NODE", id, "node %s cannot be nil", id)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return structuralf("DUPLICATE_NODE", id, "duplicate node ID: %s", id)
	}
	g.nodes[id] = node
	g.nodeOrder = append(g.nodeOrder, id)
	return nil
}

// AddEdge registers e and returns its id. Every node the edge touches must
// already exist.
func (g *Graph) AddEdge(e Edge) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e.From == "" {
		return "", structuralf("INVALID_EDGE", "", "edge source cannot be empty")
	}
	if _, ok := g.nodes[e.From]; !ok {
		return "", structuralf("NODE_NOT_FOUND", e.From, "edge source does not exist: %s", e.From)
	}
	switch e.Kind {
	case EdgeSimple:
		if e.To == "" {
			return "", structuralf("INVALID_EDGE", e.From, "simple edge from %s has no target", e.From)
		}
	case EdgeConditional:
		if e.IfTrue == "" {
			return "", structuralf("INVALID_EDGE", e.From, "conditional edge from %s has no if_true target", e.From)
		}
	case EdgeDynamic, EdgeParallel, EdgeWeighted:
	default:
		return "", structuralf("INVALID_EDGE", e.From, "edge from %s has unknown kind %s", e.From, e.Kind)
	}
	for _, w := range e.Weights {
		if w.Weight < 0 {
			return "", structuralf("INVALID_EDGE", e.From, "weighted edge from %s has negative weight for %s", e.From, w.Node)
		}
	}
	for _, to := range e.Destinations() {
		if _, ok := g.nodes[to]; !ok {
			return "", structuralf("NODE_NOT_FOUND", to, "edge target does not exist: %s", to)
		}
	}

	id := e.ID
	if id == "" {
		for {
			g.edgeSeq[e.From]++
			id = fmt.Sprintf("%s#%d", e.From, g.edgeSeq[e.From])
			if _, taken := g.edges[id]; !taken {
				break
			}
		}
	} else if _, exists := g.edges[id]; exists {
		return "", structuralf("DUPLICATE_EDGE", "", "duplicate edge ID: %s", id)
	}

	e = e.clone()
	e.ID = id
	g.edges[id] = e
	g.edgeOrder = append(g.edgeOrder, id)
	g.outgoing[e.From] = append(g.outgoing[e.From], id)
	for _, to := range e.Destinations() {
		g.incoming[to] = append(g.incoming[to], id)
	}
	return id, nil
}

// RemoveEdge deletes the edge with the given id.
func (g *Graph) RemoveEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[id]; !ok {
		return structuralf("EDGE_NOT_FOUND", "", "edge does not exist: %s", id)
	}
	g.removeEdgeLocked(id)
	return nil
}

func (g *Graph) removeEdgeLocked(id string) {
	e := g.edges[id]
	delete(g.edges, id)
	g.edgeOrder = without(g.edgeOrder, id)
	g.outgoing[e.From] = without(g.outgoing[e.From], id)
	if len(g.outgoing[e.From]) == 0 {
		delete(g.outgoing, e.From)
	}
	for _, to := range e.Destinations() {
		g.incoming[to] = without(g.incoming[to], id)
		if len(g.incoming[to]) == 0 {
			delete(g.incoming, to)
		}
	}
}

// RemoveNode deletes the node, every edge touching it and its entry and
// exit registrations.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return structuralf("NODE_NOT_FOUND", id, "node does not exist: %s", id)
	}

	touching := append([]string(nil), g.outgoing[id]...)
	touching = append(touching, g.incoming[id]...)
	for _, eid := range touching {
		if _, ok := g.edges[eid]; ok {
			g.removeEdgeLocked(eid)
		}
	}
	delete(g.nodes, id)
	g.nodeOrder = without(g.nodeOrder, id)
	g.entry = without(g.entry, id)
	g.exit = without(g.exit, id)
	return nil
}

// AddEntryPoint marks id as a node where runs start.
func (g *Graph) AddEntryPoint(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return structuralf("NODE_NOT_FOUND", id, "entry point does not exist: %s", id)
	}
	if !contains(g.entry, id) {
		g.entry = append(g.entry, id)
	}
	return nil
}

// AddExitPoint marks id as a node where runs may finish.
func (g *Graph) AddExitPoint(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return structuralf("NODE_NOT_FOUND", id, "exit point does not exist: %s", id)
	}
	if !contains(g.exit, id) {
		g.exit = append(g.exit, id)
	}
	return nil
}

// EntryPoints returns the entry points in registration order.
func (g *Graph) EntryPoints() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.entry...)
}

// ExitPoints returns the exit points in registration order.
func (g *Graph) ExitPoints() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.exit...)
}

// Node returns the node registered under id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// HasNode reports whether id is a node of the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.Node(id)
	return ok
}

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.nodeOrder...)
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(id string) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, false
	}
	return e.clone(), true
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collectLocked(g.edgeOrder)
}

// Outgoing returns the edges leaving id, in insertion order.
func (g *Graph) Outgoing(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collectLocked(g.outgoing[id])
}

// Incoming returns the edges that can lead to id, in insertion order.
func (g *Graph) Incoming(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collectLocked(g.incoming[id])
}

func (g *Graph) collectLocked(ids []string) []Edge {
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id].clone())
	}
	return out
}

// Validate checks the whole graph and returns every problem found,
// combined with multierr. Use multierr.Errors to list them.
//
// Checks: at least one node, entry point and exit point; entry and exit
// points exist; every edge references existing nodes; every condition and
// router id is registered; dynamic edges have candidates; parallel edges
// have targets; weighted edges have a positive total weight.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var err error
	if len(g.nodes) == 0 {
		err = multierr.Append(err, structuralf("NO_NODES", "", "graph has no nodes"))
	}
	if len(g.entry) == 0 {
		err = multierr.Append(err, structuralf("NO_ENTRY_POINTS", "", "graph has no entry points"))
	}
	if len(g.exit) == 0 {
		err = multierr.Append(err, structuralf("NO_EXIT_POINTS", "", "graph has no exit points"))
	}
	for _, id := range g.entry {
		if _, ok := g.nodes[id]; !ok {
			err = multierr.Append(err, structuralf("NODE_NOT_FOUND", id, "entry point does not exist: %s", id))
		}
	}
	for _, id := range g.exit {
		if _, ok := g.nodes[id]; !ok {
			err = multierr.Append(err, structuralf("NODE_NOT_FOUND", id, "exit point does not exist: %s", id))
		}
	}

	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		if _, ok := g.nodes[e.From]; !ok {
			err = multierr.Append(err, structuralf("NODE_NOT_FOUND", e.From, "edge %s source does not exist: %s", eid, e.From))
		}
		for _, to := range e.Destinations() {
			if _, ok := g.nodes[to]; !ok {
				err = multierr.Append(err, structuralf("NODE_NOT_FOUND", to, "edge %s target does not exist: %s", eid, to))
			}
		}
		switch e.Kind {
		case EdgeConditional:
			if _, ok := g.registry.Condition(e.Condition); !ok {
				err = multierr.Append(err, structuralf("UNKNOWN_CONDITION", e.From, "edge %s references unregistered condition %q", eid, e.Condition))
			}
		case EdgeDynamic:
			if _, ok := g.registry.Router(e.Router); !ok {
				err = multierr.Append(err, structuralf("UNKNOWN_ROUTER", e.From, "edge %s references unregistered router %q", eid, e.Router))
			}
			if len(e.Candidates) == 0 {
				err = multierr.Append(err, structuralf("NO_CANDIDATES", e.From, "dynamic edge %s has no candidates", eid))
			}
		case EdgeParallel:
			if len(e.Targets) == 0 {
				err = multierr.Append(err, structuralf("NO_TARGETS", e.From, "parallel edge %s has no targets", eid))
			}
		case EdgeWeighted:
			if e.totalWeight() <= 0 {
				err = multierr.Append(err, structuralf("INVALID_WEIGHTS", e.From, "weighted edge %s has non-positive total weight", eid))
			}
		}
	}
	return err
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
