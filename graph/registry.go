package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/graphflow/graph/state"
)

// Condition is a named boolean predicate evaluated by conditional edges.
type Condition interface {
	Evaluate(ctx context.Context, st *state.State) (bool, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ctx context.Context, st *state.State) (bool, error)

// Evaluate calls f.
func (f ConditionFunc) Evaluate(ctx context.Context, st *state.State) (bool, error) {
	return f(ctx, st)
}

// Router picks exactly one of candidates for a dynamic edge.
type Router interface {
	Route(ctx context.Context, st *state.State, candidates []string) (string, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, st *state.State, candidates []string) (string, error)

// Route calls f.
func (f RouterFunc) Route(ctx context.Context, st *state.State, candidates []string) (string, error) {
	return f(ctx, st, candidates)
}

// Registry holds the conditions and routers a graph's edges refer to by id.
// Every Graph owns one; registries are never shared implicitly.
type Registry struct {
	mu         sync.RWMutex
	conditions map[string]Condition
	routers    map[string]Router
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conditions: make(map[string]Condition),
		routers:    make(map[string]Router),
	}
}

// RegisterCondition registers c under id.
func (r *Registry) RegisterCondition(id string, c Condition) error {
	if id == "" {
		return validationf("INVALID_CONDITION", "", "condition id cannot be empty")
	}
	if c == nil {
		return validationf("INVALID_CONDITION", "", "condition %q cannot be nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conditions[id]; exists {
		return structuralf("DUPLICATE_CONDITION", "", "duplicate condition id: %s", id)
	}
	r.conditions[id] = c
	return nil
}

// RegisterRouter registers rt under id.
func (r *Registry) RegisterRouter(id string, rt Router) error {
	if id == "" {
		return validationf("INVALID_ROUTER", "", "router id cannot be empty")
	}
	if rt == nil {
		return validationf("INVALID_ROUTER", "", "router %q cannot be nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routers[id]; exists {
		return structuralf("DUPLICATE_ROUTER", "", "duplicate router id: %s", id)
	}
	r.routers[id] = rt
	return nil
}

// Condition returns the condition registered under id.
func (r *Registry) Condition(id string) (Condition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conditions[id]
	return c, ok
}

// Router returns the router registered under id.
func (r *Registry) Router(id string) (Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routers[id]
	return rt, ok
}

// RoundRobinRouter cycles through the candidates in order.
type RoundRobinRouter struct {
	next atomic.Uint64
}

// Route returns candidates[n mod len] for the n-th call.
func (r *RoundRobinRouter) Route(_ context.Context, _ *state.State, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("round robin router: no candidates")
	}
	n := r.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

// RandomRouter picks a uniformly random candidate from a seeded source.
type RandomRouter struct {
	rng *lockedRand
}

// NewRandomRouter returns a RandomRouter seeded with seed.
func NewRandomRouter(seed int64) *RandomRouter {
	return &RandomRouter{rng: newLockedRand(seed)}
}

// Route returns a random candidate.
func (r *RandomRouter) Route(_ context.Context, _ *state.State, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("random router: no candidates")
	}
	return candidates[r.rng.Intn(len(candidates))], nil
}
