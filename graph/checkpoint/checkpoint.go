// Package checkpoint captures, persists and restores point-in-time snapshots
// of a graph execution (its State and ExecutionContext).
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/graphflow/graph/state"
)

// FormatVersion is the checkpoint record version written by this package.
const FormatVersion = 1

// Checkpoint is an immutable capture of one execution at one moment.
//
// Context and State are independent clones: mutating the live run after the
// checkpoint was taken never changes it, and vice versa.
type Checkpoint struct {
	// ID is a fresh UUID.
	ID string

	// ExecutionID is the run this checkpoint belongs to.
	ExecutionID string

	// Timestamp is when the checkpoint was taken.
	Timestamp time.Time

	// Version is the record format version. Zero means invalid.
	Version int

	// Context is the execution context at capture time.
	Context *state.ExecutionContext

	// State is the shared state at capture time.
	State *state.State

	// Completed lists nodes that finished successfully (sorted).
	Completed []string

	// Failed lists nodes that exhausted their attempts (sorted).
	Failed []string

	// Pending lists nodes waiting to run, in frontier order.
	Pending []string

	// Metadata holds free-form annotations such as the trigger ("interval",
	// "completion", "failure").
	Metadata map[string]string

	// Checksum is the hex sha256 of the State JSON.
	Checksum string
}

// CreateOption adjusts a checkpoint before it is persisted.
type CreateOption func(*Checkpoint)

// WithCompleted records the completed node set.
func WithCompleted(ids ...string) CreateOption {
	return func(cp *Checkpoint) { cp.Completed = sortedCopy(ids) }
}

// WithFailed records the failed node set.
func WithFailed(ids ...string) CreateOption {
	return func(cp *Checkpoint) { cp.Failed = sortedCopy(ids) }
}

// WithPending records the frontier, keeping its order.
func WithPending(ids ...string) CreateOption {
	return func(cp *Checkpoint) { cp.Pending = append([]string{}, ids...) }
}

// WithMetadata sets one metadata entry.
func WithMetadata(key, value string) CreateOption {
	return func(cp *Checkpoint) { cp.Metadata[key] = value }
}

// New builds a checkpoint of (ectx, st) stamped at now. Context and state are
// cloned; a nil context or state is replaced by an empty one.
func New(executionID string, ectx *state.ExecutionContext, st *state.State, now time.Time, opts ...CreateOption) (*Checkpoint, error) {
	if ectx == nil {
		ectx = state.NewExecutionContext(executionID)
	}
	if st == nil {
		st = state.New()
	}
	cp := &Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Timestamp:   now.UTC(),
		Version:     FormatVersion,
		Context:     ectx.Clone(),
		State:       st.Clone(),
		Completed:   []string{},
		Failed:      []string{},
		Pending:     []string{},
		Metadata:    map[string]string{},
	}
	for _, opt := range opts {
		opt(cp)
	}
	sum, err := Checksum(cp.State)
	if err != nil {
		return nil, err
	}
	cp.Checksum = sum
	return cp, nil
}

// Checksum returns the hex sha256 of the state's canonical JSON.
func Checksum(st *state.State) (string, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// IsValid reports whether the checkpoint can be used to resume a run.
func (cp *Checkpoint) IsValid() bool {
	return cp != nil &&
		cp.ExecutionID != "" &&
		cp.Version > 0 &&
		cp.Context != nil &&
		cp.State != nil
}

// Verify checks validity and, when a checksum is present, that it matches
// the state.
func (cp *Checkpoint) Verify() error {
	if !cp.IsValid() {
		return ErrInvalidCheckpoint
	}
	if cp.Checksum == "" {
		return nil
	}
	sum, err := Checksum(cp.State)
	if err != nil {
		return err
	}
	if sum != cp.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidCheckpoint)
	}
	return nil
}

func sortedCopy(ids []string) []string {
	out := append([]string{}, ids...)
	sort.Strings(out)
	return out
}
