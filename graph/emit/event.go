// Package emit provides lifecycle event emission for graph execution.
package emit

import "time"

// EventType classifies a lifecycle event.
type EventType string

// Lifecycle event types published by the engine.
const (
	ExecutionStarted   EventType = "execution_started"
	NodeStarted        EventType = "node_started"
	NodeCompleted      EventType = "node_completed"
	NodeFailed         EventType = "node_failed"
	StateUpdated       EventType = "state_updated"
	ParallelStarted    EventType = "parallel_started"
	ParallelCompleted  EventType = "parallel_completed"
	ExecutionCompleted EventType = "execution_completed"
	ExecutionFailed    EventType = "execution_failed"
	Custom             EventType = "custom"
)

// IsError reports whether the type represents a failure.
func (t EventType) IsError() bool {
	return t == NodeFailed || t == ExecutionFailed
}

// IsCompletion reports whether the type marks something finishing,
// successfully or not.
func (t EventType) IsCompletion() bool {
	switch t {
	case NodeCompleted, NodeFailed, ParallelCompleted, ExecutionCompleted, ExecutionFailed:
		return true
	}
	return false
}

// Event represents a lifecycle event emitted during graph execution.
//
// Every event is stamped with the execution id and a timestamp. Node-level
// events also carry the node id and the step at which the node ran.
//
// Common Meta keys:
//   - "duration_ms": node or run duration in milliseconds
//   - "success": whether a node completed successfully
//   - "error": error text
//   - "attempt": retry attempt number (1-indexed)
//   - "targets": node ids of a parallel fan-out
//   - "state": the state JSON (StateUpdated, when streaming is enabled)
//   - "checkpoint_id": checkpoint identifier
type Event struct {
	// Type classifies the event.
	Type EventType `json:"type"`

	// ExecutionID identifies the run that emitted this event.
	ExecutionID string `json:"execution_id"`

	// Step is the step counter when the event was emitted.
	// Zero for run-level events emitted before the first node.
	Step int `json:"step"`

	// NodeID identifies the node. Empty for run-level events.
	NodeID string `json:"node_id,omitempty"`

	// Msg is a human-readable description.
	Msg string `json:"msg,omitempty"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Meta contains additional structured data.
	Meta map[string]any `json:"meta,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(typ EventType, executionID string, step int, nodeID string) Event {
	return Event{
		Type:        typ,
		ExecutionID: executionID,
		Step:        step,
		NodeID:      nodeID,
		Msg:         string(typ),
		Timestamp:   time.Now().UTC(),
	}
}

// WithMeta returns a copy of e with key set in Meta.
func (e Event) WithMeta(key string, value any) Event {
	meta := make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	e.Meta = meta
	return e
}

// Filter selects events. All set fields must match (AND logic); the zero
// Filter matches everything.
type Filter struct {
	// ExecutionID restricts to a single run.
	ExecutionID string

	// NodeID restricts to a single node.
	NodeID string

	// Types restricts to the listed event types.
	Types []EventType

	// ErrorsOnly keeps only failure events.
	ErrorsOnly bool

	// CompletionsOnly keeps only completion events.
	CompletionsOnly bool
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ErrorsOnly && !e.Type.IsError() {
		return false
	}
	if f.CompletionsOnly && !e.Type.IsCompletion() {
		return false
	}
	return true
}
