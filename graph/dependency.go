package graph

import (
	"strings"
	"sync"
)

// DependencyGraph is the dependency structure derived from a graph's edges:
// the dependencies of a node are the sources of every edge that can lead to
// it. It is acyclic by construction and tracks which nodes have completed
// or failed.
//
// A DependencyGraph is built fresh for every parallel run and discarded
// afterwards. It is safe for concurrent use.
type DependencyGraph struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string

	mu        sync.Mutex
	completed map[string]bool
	failed    map[string]bool
}

// NewDependencyGraph derives the dependency graph of g. Every edge
// contributes all of its destinations, whatever its kind. A cycle is a
// structural error naming the cycle path.
func NewDependencyGraph(g *Graph) (*DependencyGraph, error) {
	d := &DependencyGraph{
		order:      g.Nodes(),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		completed:  make(map[string]bool),
		failed:     make(map[string]bool),
	}
	for _, e := range g.Edges() {
		for _, to := range e.Destinations() {
			if !contains(d.deps[to], e.From) {
				d.deps[to] = append(d.deps[to], e.From)
				d.dependents[e.From] = append(d.dependents[e.From], to)
			}
		}
	}
	if err := d.detectCycles(); err != nil {
		return nil, err
	}
	return d, nil
}

// detectCycles runs a DFS keeping the current recursion stack; reaching a
// node already on the stack closes a cycle.
func (d *DependencyGraph) detectCycles() error {
	onStack := make(map[string]bool)
	done := make(map[string]bool)
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		onStack[id] = true
		stack = append(stack, id)
		for _, next := range d.dependents[id] {
			if onStack[next] {
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), stack[start:]...), next)
				return structuralf("CYCLE_DETECTED", next, "dependency cycle: %s", strings.Join(cycle, " -> "))
			}
			if !done[next] {
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, id)
		done[id] = true
		return nil
	}

	for _, id := range d.order {
		if !done[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dependencies returns the nodes id depends on.
func (d *DependencyGraph) Dependencies(id string) []string {
	return append([]string(nil), d.deps[id]...)
}

// Dependents returns the nodes that depend on id.
func (d *DependencyGraph) Dependents(id string) []string {
	return append([]string(nil), d.dependents[id]...)
}

// ReadyNodes returns, in graph order, every node that has neither completed
// nor failed and whose dependencies have all completed.
func (d *DependencyGraph) ReadyNodes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ready []string
	for _, id := range d.order {
		if d.readyLocked(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (d *DependencyGraph) readyLocked(id string) bool {
	if d.completed[id] || d.failed[id] {
		return false
	}
	for _, dep := range d.deps[id] {
		if !d.completed[dep] {
			return false
		}
	}
	return true
}

// MarkCompleted records id as completed and returns the dependents that
// became ready because of it. Marking an already completed node returns
// nothing.
func (d *DependencyGraph) MarkCompleted(id string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completed[id] {
		return nil
	}
	d.completed[id] = true
	var ready []string
	for _, dep := range d.dependents[id] {
		if d.readyLocked(dep) {
			ready = append(ready, dep)
		}
	}
	return ready
}

// MarkFailed records id as failed. Its dependents never become ready.
func (d *DependencyGraph) MarkFailed(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.completed[id] {
		d.failed[id] = true
	}
}

// IsCompleted reports whether id has completed.
func (d *DependencyGraph) IsCompleted(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed[id]
}

// IsFailed reports whether id has failed.
func (d *DependencyGraph) IsFailed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed[id]
}

// Blocked reports whether any dependency of id has failed.
func (d *DependencyGraph) Blocked(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dep := range d.deps[id] {
		if d.failed[dep] {
			return true
		}
	}
	return false
}

// Levels groups every node into execution levels: a node's level is one
// more than the highest level of its dependencies. Nodes keep graph order
// within a level.
func (d *DependencyGraph) Levels() [][]string {
	level := make(map[string]int, len(d.order))
	var depth func(id string) int
	depth = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		l := 0
		for _, dep := range d.deps[id] {
			if dl := depth(dep) + 1; dl > l {
				l = dl
			}
		}
		level[id] = l
		return l
	}

	var levels [][]string
	for _, id := range d.order {
		l := depth(id)
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels
}

// Reachable returns the nodes reachable from roots, roots included.
func (d *DependencyGraph) Reachable(roots []string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, d.dependents[id]...)
	}
	return seen
}

// restrict drops every node outside keep, together with its edges.
func (d *DependencyGraph) restrict(keep map[string]bool) {
	filter := func(ids []string) []string {
		out := ids[:0:0]
		for _, id := range ids {
			if keep[id] {
				out = append(out, id)
			}
		}
		return out
	}
	d.order = filter(d.order)
	for id := range d.deps {
		if !keep[id] {
			delete(d.deps, id)
			continue
		}
		d.deps[id] = filter(d.deps[id])
	}
	for id := range d.dependents {
		if !keep[id] {
			delete(d.dependents, id)
			continue
		}
		d.dependents[id] = filter(d.dependents[id])
	}
}
