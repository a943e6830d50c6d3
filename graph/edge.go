package graph

import "fmt"

// EdgeKind selects how an edge chooses its destination.
type EdgeKind int

const (
	// EdgeSimple always leads to To.
	EdgeSimple EdgeKind = iota + 1
	// EdgeConditional evaluates a registered Condition and leads to IfTrue
	// or IfFalse. An empty IfFalse means the edge is not taken when false.
	EdgeConditional
	// EdgeDynamic asks a registered Router to pick one of Candidates.
	EdgeDynamic
	// EdgeParallel fans out to every node in Targets.
	EdgeParallel
	// EdgeWeighted picks one of Weights at random, proportionally.
	EdgeWeighted
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeSimple:
		return "simple"
	case EdgeConditional:
		return "conditional"
	case EdgeDynamic:
		return "dynamic"
	case EdgeParallel:
		return "parallel"
	case EdgeWeighted:
		return "weighted"
	}
	return fmt.Sprintf("edge_kind(%d)", int(k))
}

// EdgeMetadata annotates an edge. Priority orders a node's outgoing edges
// (higher first); Weight feeds the HighestWeight and WeightedRandom
// routing strategies.
type EdgeMetadata struct {
	Name         string
	Tags         []string
	ParallelSafe bool
	Priority     int
	Weight       float64
}

// WeightedTarget is one destination of a weighted edge.
type WeightedTarget struct {
	Node   string
	Weight float64
}

// Edge is a directed connection from one source node to one or more
// possible destinations. Which fields are used depends on Kind.
//
// Use the constructors rather than building edges by hand:
//
//	g.AddEdge(graph.SimpleEdge("fetch", "parse"))
//	g.AddEdge(graph.ConditionalEdge("parse", "is_valid", "store", "reject"))
//	g.AddEdge(graph.ParallelEdge("split", "left", "right"))
type Edge struct {
	// ID is unique within a graph. Generated as "<from>#<n>" when empty.
	ID string

	From string
	Kind EdgeKind

	// To is the destination of a simple edge.
	To string

	// Condition is the registered condition id of a conditional edge.
	Condition string
	IfTrue    string
	IfFalse   string

	// Router is the registered router id of a dynamic edge.
	Router     string
	Candidates []string

	// Targets are the fan-out destinations of a parallel edge.
	Targets []string

	// Weights are the destinations of a weighted edge.
	Weights []WeightedTarget

	Meta EdgeMetadata
}

// SimpleEdge returns an unconditional edge.
func SimpleEdge(from, to string) Edge {
	return Edge{From: from, Kind: EdgeSimple, To: to}
}

// ConditionalEdge returns an edge that evaluates the condition registered
// under condition.
func ConditionalEdge(from, condition, ifTrue, ifFalse string) Edge {
	return Edge{From: from, Kind: EdgeConditional, Condition: condition, IfTrue: ifTrue, IfFalse: ifFalse}
}

// DynamicEdge returns an edge routed by the router registered under router.
func DynamicEdge(from, router string, candidates ...string) Edge {
	return Edge{From: from, Kind: EdgeDynamic, Router: router, Candidates: candidates}
}

// ParallelEdge returns a fan-out edge.
func ParallelEdge(from string, targets ...string) Edge {
	return Edge{From: from, Kind: EdgeParallel, Targets: targets}
}

// WeightedEdge returns a probabilistic edge.
func WeightedEdge(from string, targets ...WeightedTarget) Edge {
	return Edge{From: from, Kind: EdgeWeighted, Weights: targets}
}

// WithID returns a copy of e with the given id.
func (e Edge) WithID(id string) Edge {
	e.ID = id
	return e
}

// WithMetadata returns a copy of e with the given metadata.
func (e Edge) WithMetadata(meta EdgeMetadata) Edge {
	e.Meta = meta
	return e
}

// Destinations lists every node the edge can lead to, without duplicates,
// in declaration order.
func (e Edge) Destinations() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	switch e.Kind {
	case EdgeSimple:
		add(e.To)
	case EdgeConditional:
		add(e.IfTrue)
		add(e.IfFalse)
	case EdgeDynamic:
		for _, c := range e.Candidates {
			add(c)
		}
	case EdgeParallel:
		for _, t := range e.Targets {
			add(t)
		}
	case EdgeWeighted:
		for _, w := range e.Weights {
			add(w.Node)
		}
	}
	return out
}

func (e Edge) clone() Edge {
	c := e
	c.Candidates = append([]string(nil), e.Candidates...)
	c.Targets = append([]string(nil), e.Targets...)
	c.Weights = append([]WeightedTarget(nil), e.Weights...)
	c.Meta.Tags = append([]string(nil), e.Meta.Tags...)
	return c
}

func (e Edge) totalWeight() float64 {
	var total float64
	for _, w := range e.Weights {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	return total
}
