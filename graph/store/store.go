// Package store provides persistence backends for encoded checkpoints.
//
// A Store deals only in opaque byte payloads keyed by checkpoint id and
// grouped by execution id. Encoding, compression, encryption and retention
// are the checkpoint manager's job (see package graph/checkpoint).
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Record is one persisted checkpoint payload.
type Record struct {
	// ExecutionID is the run that owns the checkpoint.
	ExecutionID string

	// CheckpointID uniquely identifies the checkpoint across all executions.
	CheckpointID string

	// CreatedAt orders checkpoints within an execution.
	CreatedAt time.Time

	// Data is the encoded checkpoint.
	Data []byte
}

// Info describes a stored checkpoint without its payload.
type Info struct {
	ExecutionID  string
	CheckpointID string
	CreatedAt    time.Time
	Size         int64
}

// Store persists encoded checkpoints.
//
// Implementations:
//   - MemStore: in-process map (tests, ephemeral runs)
//   - FileStore: one file per checkpoint, {execution_id}_{checkpoint_id}.checkpoint
//   - SQLiteStore: single-file database (modernc.org/sqlite, no cgo)
//   - MySQLStore: shared MySQL/MariaDB database
//
// All implementations are safe for concurrent use.
type Store interface {
	// Put writes rec, replacing any existing record with the same checkpoint id.
	Put(ctx context.Context, rec Record) error

	// Get returns the record for checkpointID or ErrNotFound.
	Get(ctx context.Context, checkpointID string) (Record, error)

	// List returns the checkpoints of executionID ordered oldest first
	// (ties broken by checkpoint id). An empty executionID lists every
	// checkpoint. An unknown execution yields an empty list, not an error.
	List(ctx context.Context, executionID string) ([]Info, error)

	// Delete removes checkpointID. Deleting a missing checkpoint returns ErrNotFound.
	Delete(ctx context.Context, checkpointID string) error

	// Close releases resources. Further calls return ErrClosed.
	Close() error
}

// sortInfos orders infos oldest first, then by checkpoint id.
func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].CheckpointID < infos[j].CheckpointID
	})
}

func validateRecord(rec Record) error {
	if rec.ExecutionID == "" {
		return errors.New("record execution id is empty")
	}
	if rec.CheckpointID == "" {
		return errors.New("record checkpoint id is empty")
	}
	return nil
}
