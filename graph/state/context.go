package state

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionContext is the per-run bookkeeping record: identity, timing,
// step counter and the ordered path of visited nodes.
//
// It is created when a run starts, mutated by the engine as nodes complete,
// and captured (by clone) in every checkpoint.
type ExecutionContext struct {
	// ExecutionID uniquely identifies the run (UUID unless supplied by the caller).
	ExecutionID string `json:"execution_id"`

	// StartTime is when the run began.
	StartTime time.Time `json:"start_time"`

	// EndTime is set once the run reaches a terminal status.
	EndTime time.Time `json:"end_time,omitzero"`

	// Step counts node visits (1-indexed once the first node has run).
	Step int `json:"step"`

	// CurrentNode is the most recently visited node.
	CurrentNode string `json:"current_node,omitempty"`

	// Path lists visited nodes in completion order. Revisits appear again.
	Path []string `json:"path"`

	// Metadata holds free-form, JSON-compatible annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewExecutionContext starts a context at the current time. An empty id is
// replaced by a fresh UUID.
func NewExecutionContext(executionID string) *ExecutionContext {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		StartTime:   time.Now().UTC(),
		Path:        make([]string, 0),
		Metadata:    make(map[string]any),
	}
}

// Visit records that nodeID has run.
func (c *ExecutionContext) Visit(nodeID string) {
	c.Step++
	c.CurrentNode = nodeID
	c.Path = append(c.Path, nodeID)
}

// Visited reports whether nodeID appears in the path.
func (c *ExecutionContext) Visited(nodeID string) bool {
	for _, id := range c.Path {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Finish stamps the end time.
func (c *ExecutionContext) Finish(t time.Time) {
	c.EndTime = t.UTC()
}

// Duration is the elapsed run time: EndTime-StartTime once finished,
// time since start otherwise.
func (c *ExecutionContext) Duration() time.Duration {
	if !c.EndTime.IsZero() {
		return c.EndTime.Sub(c.StartTime)
	}
	return time.Since(c.StartTime)
}

// SetMetadata stores a metadata value.
func (c *ExecutionContext) SetMetadata(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
}

// Clone returns an independent deep copy.
func (c *ExecutionContext) Clone() *ExecutionContext {
	out := *c
	out.Path = append(make([]string, 0, len(c.Path)), c.Path...)
	out.Metadata = make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = copyValue(v)
	}
	return &out
}
