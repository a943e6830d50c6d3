package graph

import (
	"context"
	"time"

	"github.com/dshills/graphflow/graph/state"
)

// Node is a unit of work in a workflow graph.
//
// Invoke receives the run's state and may mutate it in place. The engine
// hands each invocation its own copy of the state: a failed or timed-out
// attempt is discarded, and parallel branches never share an instance.
//
// A node steers the run by returning a Command in its result. A nil Command
// means Continue: the next nodes are chosen by the outgoing edges.
//
// Example:
//
//	fetch := graph.NodeFunc(func(ctx context.Context, st *state.State) (graph.NodeResult, error) {
//	    body, err := download(ctx)
//	    if err != nil {
//	        return graph.NodeResult{}, err
//	    }
//	    st.Set("body", body)
//	    return graph.NodeResult{Output: len(body)}, nil
//	})
type Node interface {
	Invoke(ctx context.Context, st *state.State) (NodeResult, error)
	Metadata() NodeMetadata
}

// NodeResult is what a node returns from a successful invocation.
type NodeResult struct {
	// Output is an arbitrary value recorded in the per-node execution record.
	Output any

	// Command overrides edge-based routing. Nil means Continue.
	Command *Command
}

// NodeMetadata describes a node to the scheduler.
type NodeMetadata struct {
	// Name is a human readable label.
	Name string

	// Tags are free-form labels.
	Tags []string

	// ParallelSafe allows the node to run concurrently with other nodes of
	// the same level. Unsafe nodes run one at a time.
	ParallelSafe bool

	// ExpectedDuration is a scheduling hint. Longer nodes of a level are
	// started first.
	ExpectedDuration time.Duration

	// Resources are the node's resource hints, batched against the
	// engine's resource limits within a parallel level.
	Resources *ResourceRequirements

	// WriteKeys, when non-empty, declares every state key the node may
	// write. Writing any other key fails the node.
	WriteKeys []string
}

// NodeFunc adapts a plain function to the Node interface. NodeFunc nodes
// are parallel-safe and carry no other metadata.
type NodeFunc func(ctx context.Context, st *state.State) (NodeResult, error)

// Invoke calls f.
func (f NodeFunc) Invoke(ctx context.Context, st *state.State) (NodeResult, error) {
	return f(ctx, st)
}

// Metadata returns parallel-safe metadata.
func (f NodeFunc) Metadata() NodeMetadata {
	return NodeMetadata{ParallelSafe: true}
}

// NewNode wraps fn with the given metadata.
func NewNode(fn NodeFunc, meta NodeMetadata) Node {
	return &funcNode{fn: fn, meta: meta}
}

// NewNodeWithPolicy wraps fn with metadata and a per-node policy.
func NewNodeWithPolicy(fn NodeFunc, meta NodeMetadata, policy NodePolicy) Node {
	return &funcNode{fn: fn, meta: meta, policy: &policy}
}

type funcNode struct {
	fn     NodeFunc
	meta   NodeMetadata
	policy *NodePolicy
}

func (n *funcNode) Invoke(ctx context.Context, st *state.State) (NodeResult, error) {
	return n.fn(ctx, st)
}

func (n *funcNode) Metadata() NodeMetadata {
	return n.meta
}

func (n *funcNode) Policy() NodePolicy {
	if n.policy == nil {
		return NodePolicy{}
	}
	return *n.policy
}

// PolicyProvider is implemented by nodes that override the engine-wide
// timeout or retry policy.
type PolicyProvider interface {
	Policy() NodePolicy
}

func policyOf(n Node) *NodePolicy {
	if p, ok := n.(PolicyProvider); ok {
		policy := p.Policy()
		return &policy
	}
	return nil
}

// NodeError represents an error that occurred during node execution.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is an optional machine-readable error code.
	Code string

	// NodeID identifies which node produced the error.
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *NodeError) Error() string {
	msg := e.Message
	if e.NodeID != "" {
		msg = "node " + e.NodeID + ": " + msg
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}
