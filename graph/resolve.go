package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/graphflow/graph/state"
)

// ResolutionKind says how many nodes a resolution leads to.
type ResolutionKind int

const (
	ResolveNone ResolutionKind = iota
	ResolveSingle
	ResolveMultiple
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolveNone:
		return "none"
	case ResolveSingle:
		return "single"
	case ResolveMultiple:
		return "multiple"
	}
	return fmt.Sprintf("resolution(%d)", int(k))
}

// RouteResolution is the outcome of resolving one edge or all edges leaving
// a node.
type RouteResolution struct {
	Kind    ResolutionKind
	Targets []string
}

func resolutionOf(targets []string) RouteResolution {
	switch len(targets) {
	case 0:
		return RouteResolution{Kind: ResolveNone}
	case 1:
		return RouteResolution{Kind: ResolveSingle, Targets: targets}
	}
	return RouteResolution{Kind: ResolveMultiple, Targets: targets}
}

// RoutingStrategy selects which of a node's passing outgoing edges are
// followed. An edge passes when its own resolution is not None.
type RoutingStrategy int

const (
	// RouteAll follows every passing edge; targets are de-duplicated in
	// edge order.
	RouteAll RoutingStrategy = iota
	// RouteFirst follows the first passing edge.
	RouteFirst
	// RouteHighestWeight follows the passing edge with the highest
	// Meta.Weight; ties go to the earliest edge.
	RouteHighestWeight
	// RouteWeightedRandom draws one passing edge proportionally to
	// Meta.Weight. Non-positive weights count as 1.
	RouteWeightedRandom
	// RouteRoundRobin rotates among the passing edges on each visit of the
	// source node.
	RouteRoundRobin
)

func (s RoutingStrategy) String() string {
	switch s {
	case RouteAll:
		return "all"
	case RouteFirst:
		return "first"
	case RouteHighestWeight:
		return "highest_weight"
	case RouteWeightedRandom:
		return "weighted_random"
	case RouteRoundRobin:
		return "round_robin"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseRoutingStrategy accepts the names returned by String.
func ParseRoutingStrategy(s string) (RoutingStrategy, error) {
	for _, rs := range []RoutingStrategy{RouteAll, RouteFirst, RouteHighestWeight, RouteWeightedRandom, RouteRoundRobin} {
		if rs.String() == s {
			return rs, nil
		}
	}
	if s == "" {
		return RouteAll, nil
	}
	return 0, fmt.Errorf("unknown routing strategy %q", s)
}

// Resolver evaluates edges against state. Weighted choices draw from a
// seeded source, so two resolvers built with the same seed over the same
// graph make the same choices.
type Resolver struct {
	graph *Graph
	rng   *lockedRand

	mu         sync.Mutex
	roundRobin map[string]int
}

// NewResolver returns a resolver over g seeded with seed.
func NewResolver(g *Graph, seed int64) *Resolver {
	return &Resolver{
		graph:      g,
		rng:        newLockedRand(seed),
		roundRobin: make(map[string]int),
	}
}

// ResolveEdge resolves a single edge.
func (r *Resolver) ResolveEdge(ctx context.Context, e Edge, st *state.State) (RouteResolution, error) {
	switch e.Kind {
	case EdgeSimple:
		return resolutionOf([]string{e.To}), nil

	case EdgeConditional:
		cond, ok := r.graph.registry.Condition(e.Condition)
		if !ok {
			return RouteResolution{}, structuralf("UNKNOWN_CONDITION", e.From, "edge %s references unregistered condition %q", e.ID, e.Condition)
		}
		pass, err := cond.Evaluate(ctx, st)
		if err != nil {
			return RouteResolution{}, &EngineError{Kind: KindValidation, Code: "CONDITION_FAILED", NodeID: e.From,
				Message: fmt.Sprintf("condition %q on edge %s failed", e.Condition, e.ID), Cause: err}
		}
		if pass {
			return resolutionOf([]string{e.IfTrue}), nil
		}
		if e.IfFalse == "" {
			return RouteResolution{Kind: ResolveNone}, nil
		}
		return resolutionOf([]string{e.IfFalse}), nil

	case EdgeDynamic:
		router, ok := r.graph.registry.Router(e.Router)
		if !ok {
			return RouteResolution{}, structuralf("UNKNOWN_ROUTER", e.From, "edge %s references unregistered router %q", e.ID, e.Router)
		}
		if len(e.Candidates) == 0 {
			return RouteResolution{}, structuralf("NO_CANDIDATES", e.From, "dynamic edge %s has no candidates", e.ID)
		}
		target, err := router.Route(ctx, st, append([]string(nil), e.Candidates...))
		if err != nil {
			return RouteResolution{}, &EngineError{Kind: KindValidation, Code: "ROUTER_FAILED", NodeID: e.From,
				Message: fmt.Sprintf("router %q on edge %s failed", e.Router, e.ID), Cause: err}
		}
		if !contains(e.Candidates, target) {
			return RouteResolution{}, validationf("INVALID_ROUTE", e.From, "router %q returned %q which is not a candidate of edge %s", e.Router, target, e.ID)
		}
		return resolutionOf([]string{target}), nil

	case EdgeParallel:
		return resolutionOf(append([]string(nil), e.Targets...)), nil

	case EdgeWeighted:
		total := e.totalWeight()
		if total <= 0 {
			return RouteResolution{}, structuralf("INVALID_WEIGHTS", e.From, "weighted edge %s has non-positive total weight", e.ID)
		}
		draw := r.rng.Float64() * total
		var cumulative float64
		for _, w := range e.Weights {
			if w.Weight <= 0 {
				continue
			}
			cumulative += w.Weight
			if cumulative >= draw {
				return resolutionOf([]string{w.Node}), nil
			}
		}
		// Float rounding can leave draw just above the final sum.
		return resolutionOf([]string{e.Weights[len(e.Weights)-1].Node}), nil
	}
	return RouteResolution{}, structuralf("INVALID_EDGE", e.From, "edge %s has unknown kind %s", e.ID, e.Kind)
}

type passingEdge struct {
	edge Edge
	res  RouteResolution
}

// ResolveNext evaluates every edge leaving from and applies strategy to the
// ones that pass. Edges are considered in descending Meta.Priority, then
// insertion order.
func (r *Resolver) ResolveNext(ctx context.Context, from string, st *state.State, strategy RoutingStrategy) (RouteResolution, error) {
	edges := r.graph.Outgoing(from)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Meta.Priority > edges[j].Meta.Priority })

	passing := make([]passingEdge, 0, len(edges))
	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return RouteResolution{}, err
		}
		res, err := r.ResolveEdge(ctx, e, st)
		if err != nil {
			return RouteResolution{}, err
		}
		if res.Kind != ResolveNone {
			passing = append(passing, passingEdge{edge: e, res: res})
		}
	}
	if len(passing) == 0 {
		return RouteResolution{Kind: ResolveNone}, nil
	}

	switch strategy {
	case RouteAll:
		var targets []string
		seen := make(map[string]bool)
		for _, p := range passing {
			for _, t := range p.res.Targets {
				if !seen[t] {
					seen[t] = true
					targets = append(targets, t)
				}
			}
		}
		return resolutionOf(targets), nil

	case RouteFirst:
		return passing[0].res, nil

	case RouteHighestWeight:
		best := 0
		for i := 1; i < len(passing); i++ {
			if passing[i].edge.Meta.Weight > passing[best].edge.Meta.Weight {
				best = i
			}
		}
		return passing[best].res, nil

	case RouteWeightedRandom:
		weights := make([]float64, len(passing))
		var total float64
		for i, p := range passing {
			w := p.edge.Meta.Weight
			if w <= 0 {
				w = 1
			}
			weights[i] = w
			total += w
		}
		draw := r.rng.Float64() * total
		var cumulative float64
		for i, w := range weights {
			cumulative += w
			if cumulative >= draw {
				return passing[i].res, nil
			}
		}
		return passing[len(passing)-1].res, nil

	case RouteRoundRobin:
		r.mu.Lock()
		n := r.roundRobin[from]
		r.roundRobin[from] = n + 1
		r.mu.Unlock()
		return passing[n%len(passing)].res, nil
	}
	return RouteResolution{}, validationf("INVALID_STRATEGY", from, "unknown routing strategy %s", strategy)
}
