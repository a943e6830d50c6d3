package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store.
//
// Data is lost when the process exits. Use it for tests and for runs that
// only need in-process resume.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record // checkpointID -> record
	closed  bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Put stores a copy of rec.
func (m *MemStore) Put(_ context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.Data = append([]byte(nil), rec.Data...)
	m.records[rec.CheckpointID] = rec
	return nil
}

// Get returns a copy of the stored record.
func (m *MemStore) Get(_ context.Context, checkpointID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	rec, ok := m.records[checkpointID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

// List returns the checkpoints of executionID, oldest first.
func (m *MemStore) List(_ context.Context, executionID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	infos := make([]Info, 0)
	for _, rec := range m.records {
		if executionID != "" && rec.ExecutionID != executionID {
			continue
		}
		infos = append(infos, Info{
			ExecutionID:  rec.ExecutionID,
			CheckpointID: rec.CheckpointID,
			CreatedAt:    rec.CreatedAt,
			Size:         int64(len(rec.Data)),
		})
	}
	sortInfos(infos)
	return infos, nil
}

// Delete removes checkpointID.
func (m *MemStore) Delete(_ context.Context, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.records[checkpointID]; !ok {
		return ErrNotFound
	}
	delete(m.records, checkpointID)
	return nil
}

// Close marks the store closed and drops all data.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}
