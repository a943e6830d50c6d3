package checkpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckpointNotFound is returned when no checkpoint has the requested id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrInvalidCheckpoint is returned when a checkpoint cannot be used to
	// resume: missing execution id, zero version, or a checksum mismatch.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// ErrCorrupt is returned when stored bytes cannot be decoded.
	ErrCorrupt = errors.New("corrupt checkpoint data")
)

// CheckpointError describes a failed checkpoint operation.
type CheckpointError struct {
	Op  string // "create", "load", "restore", "list", "delete"
	ID  string // checkpoint or execution id
	Err error
}

func (e *CheckpointError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }
