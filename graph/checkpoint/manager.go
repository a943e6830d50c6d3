package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dshills/graphflow/graph/state"
	"github.com/dshills/graphflow/graph/store"
)

// DefaultMaxCheckpoints is the per-execution retention used when none is set.
const DefaultMaxCheckpoints = 10

// Manager creates, persists, lists and restores checkpoints on top of a
// store.Store. Retention is per execution: once an execution holds more than
// MaxCheckpoints, the oldest are deleted.
//
// Manager is safe for concurrent use.
type Manager struct {
	store          store.Store
	codec          Codec
	maxCheckpoints int
	clock          clock.Clock
	logger         *zap.Logger

	mu    sync.Mutex
	index map[string][]string // executionID -> checkpoint ids, oldest first
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager) error

// WithMaxCheckpoints sets the per-execution retention. Must be positive.
func WithMaxCheckpoints(n int) ManagerOption {
	return func(m *Manager) error {
		if n <= 0 {
			return fmt.Errorf("max checkpoints must be positive, got %d", n)
		}
		m.maxCheckpoints = n
		return nil
	}
}

// WithFormat sets the serialization format used for new checkpoints.
func WithFormat(f Format) ManagerOption {
	return func(m *Manager) error {
		switch f {
		case FormatJSON, FormatBinary, FormatMessagePack:
			m.codec.Format = f
			return nil
		}
		return fmt.Errorf("unsupported checkpoint format %s", f)
	}
}

// WithCompression sets the compression used for new checkpoints.
func WithCompression(c Compression) ManagerOption {
	return func(m *Manager) error {
		switch c {
		case CompressionNone, CompressionLZ4, CompressionZstd:
			m.codec.Compression = c
			return nil
		}
		return fmt.Errorf("unsupported checkpoint compression %s", c)
	}
}

// WithEncryptionKey enables ChaCha20-Poly1305 encryption with a 32-byte key.
func WithEncryptionKey(key []byte) ManagerOption {
	return func(m *Manager) error {
		if len(key) != KeySize {
			return fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
		}
		m.codec.Encryption = EncryptionChaCha20Poly1305
		m.codec.Key = append([]byte(nil), key...)
		return nil
	}
}

// WithClock sets the time source used for checkpoint timestamps.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) error {
		if c == nil {
			return errors.New("clock cannot be nil")
		}
		m.clock = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) error {
		if l != nil {
			m.logger = l
		}
		return nil
	}
}

// NewManager creates a Manager over s. Defaults: 10 checkpoints per
// execution, JSON, no compression, no encryption.
func NewManager(s store.Store, opts ...ManagerOption) (*Manager, error) {
	if s == nil {
		return nil, errors.New("checkpoint store cannot be nil")
	}
	m := &Manager{
		store:          s,
		codec:          Codec{Format: FormatJSON},
		maxCheckpoints: DefaultMaxCheckpoints,
		clock:          clock.New(),
		logger:         zap.NewNop(),
		index:          make(map[string][]string),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Codec returns the codec used for new checkpoints.
func (m *Manager) Codec() Codec { return m.codec }

// Store returns the underlying store.
func (m *Manager) Store() store.Store { return m.store }

// CreateCheckpoint snapshots (ectx, st) for executionID, persists it,
// registers it and prunes the execution's oldest checkpoints beyond the
// retention limit.
func (m *Manager) CreateCheckpoint(ctx context.Context, executionID string, ectx *state.ExecutionContext, st *state.State, opts ...CreateOption) (*Checkpoint, error) {
	if executionID == "" {
		return nil, &CheckpointError{Op: "create", Err: errors.New("execution id is empty")}
	}
	cp, err := New(executionID, ectx, st, m.clock.Now(), opts...)
	if err != nil {
		return nil, &CheckpointError{Op: "create", ID: executionID, Err: err}
	}
	data, err := m.codec.Encode(cp)
	if err != nil {
		return nil, &CheckpointError{Op: "create", ID: cp.ID, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadIndexLocked(ctx, executionID); err != nil {
		return nil, &CheckpointError{Op: "create", ID: cp.ID, Err: err}
	}
	rec := store.Record{
		ExecutionID:  executionID,
		CheckpointID: cp.ID,
		CreatedAt:    cp.Timestamp,
		Data:         data,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, &CheckpointError{Op: "create", ID: cp.ID, Err: err}
	}
	m.index[executionID] = append(m.index[executionID], cp.ID)
	m.pruneLocked(ctx, executionID)

	m.logger.Debug("checkpoint created",
		zap.String("execution_id", executionID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("bytes", len(data)),
		zap.Stringer("format", m.codec.Format),
	)
	return cp, nil
}

// loadIndexLocked seeds the in-memory index for executionID from the store
// the first time the execution is seen.
func (m *Manager) loadIndexLocked(ctx context.Context, executionID string) error {
	if _, ok := m.index[executionID]; ok {
		return nil
	}
	infos, err := m.store.List(ctx, executionID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.CheckpointID)
	}
	m.index[executionID] = ids
	return nil
}

func (m *Manager) pruneLocked(ctx context.Context, executionID string) {
	ids := m.index[executionID]
	for len(ids) > m.maxCheckpoints {
		oldest := ids[0]
		if err := m.store.Delete(ctx, oldest); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to prune checkpoint",
				zap.String("execution_id", executionID),
				zap.String("checkpoint_id", oldest),
				zap.Error(err),
			)
			break
		}
		ids = ids[1:]
	}
	m.index[executionID] = ids
}

// LoadCheckpoint reads and decodes checkpointID.
func (m *Manager) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	rec, err := m.store.Get(ctx, checkpointID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &CheckpointError{Op: "load", ID: checkpointID, Err: ErrCheckpointNotFound}
	}
	if err != nil {
		return nil, &CheckpointError{Op: "load", ID: checkpointID, Err: err}
	}
	cp, err := m.codec.Decode(rec.Data)
	if err != nil {
		return nil, &CheckpointError{Op: "load", ID: checkpointID, Err: err}
	}
	return cp, nil
}

// Restore loads checkpointID and verifies it is usable for resumption.
func (m *Manager) Restore(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	cp, err := m.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := cp.Verify(); err != nil {
		return nil, &CheckpointError{Op: "restore", ID: checkpointID, Err: err}
	}
	return cp, nil
}

// RestoreExecution returns the execution context and state captured by
// checkpointID, after validating the checkpoint.
func (m *Manager) RestoreExecution(ctx context.Context, checkpointID string) (*state.ExecutionContext, *state.State, error) {
	cp, err := m.Restore(ctx, checkpointID)
	if err != nil {
		return nil, nil, err
	}
	return cp.Context.Clone(), cp.State.Clone(), nil
}

// ListCheckpoints returns the stored checkpoints of executionID, oldest first.
func (m *Manager) ListCheckpoints(ctx context.Context, executionID string) ([]store.Info, error) {
	infos, err := m.store.List(ctx, executionID)
	if err != nil {
		return nil, &CheckpointError{Op: "list", ID: executionID, Err: err}
	}
	return infos, nil
}

// LatestCheckpoint loads the newest checkpoint of executionID.
func (m *Manager) LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	infos, err := m.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, &CheckpointError{Op: "load", ID: executionID, Err: ErrCheckpointNotFound}
	}
	return m.LoadCheckpoint(ctx, infos[len(infos)-1].CheckpointID)
}

// DeleteCheckpoint removes checkpointID from the store and the index.
func (m *Manager) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, checkpointID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &CheckpointError{Op: "delete", ID: checkpointID, Err: ErrCheckpointNotFound}
		}
		return &CheckpointError{Op: "delete", ID: checkpointID, Err: err}
	}
	for execID, ids := range m.index {
		for i, id := range ids {
			if id == checkpointID {
				m.index[execID] = append(ids[:i:i], ids[i+1:]...)
				return nil
			}
		}
	}
	return nil
}
