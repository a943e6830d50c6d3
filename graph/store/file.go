package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileExtension is the suffix of every checkpoint file.
const FileExtension = ".checkpoint"

// FileStore keeps one file per checkpoint in a directory, named
// {execution_id}_{checkpoint_id}.checkpoint. The file's modification time is
// set to the record's CreatedAt so listing order survives restarts.
//
// Checkpoint ids must not contain "_" or path separators; execution ids must
// not contain path separators.
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (f *FileStore) Dir() string { return f.dir }

// FileName returns the file name used for a checkpoint.
func FileName(executionID, checkpointID string) string {
	return executionID + "_" + checkpointID + FileExtension
}

// ParseFileName splits a checkpoint file name into its execution and
// checkpoint ids. The split happens at the last "_".
func ParseFileName(name string) (executionID, checkpointID string, ok bool) {
	base, found := strings.CutSuffix(name, FileExtension)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(base, "_")
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	return base[:i], base[i+1:], true
}

func checkIDs(executionID, checkpointID string) error {
	if strings.ContainsAny(checkpointID, `_/\`) {
		return fmt.Errorf("invalid checkpoint id %q", checkpointID)
	}
	if strings.ContainsAny(executionID, `/\`) {
		return fmt.Errorf("invalid execution id %q", executionID)
	}
	return nil
}

// Put writes rec atomically (temp file + rename).
func (f *FileStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if err := checkIDs(rec.ExecutionID, rec.CheckpointID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	path := filepath.Join(f.dir, FileName(rec.ExecutionID, rec.CheckpointID))
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(rec.Data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if !rec.CreatedAt.IsZero() {
		if err := os.Chtimes(tmpName, rec.CreatedAt, rec.CreatedAt); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("failed to stamp checkpoint file: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

// Get reads the checkpoint file for checkpointID.
func (f *FileStore) Get(ctx context.Context, checkpointID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return Record{}, ErrClosed
	}

	path, executionID, err := f.find(checkpointID)
	if err != nil {
		return Record{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return Record{
		ExecutionID:  executionID,
		CheckpointID: checkpointID,
		CreatedAt:    info.ModTime().UTC(),
		Data:         data,
	}, nil
}

// List scans the directory for checkpoints of executionID.
func (f *FileStore) List(ctx context.Context, executionID string) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	infos := make([]Info, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		execID, cpID, ok := ParseFileName(entry.Name())
		if !ok || (executionID != "" && execID != executionID) {
			continue
		}
		fi, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		infos = append(infos, Info{
			ExecutionID:  execID,
			CheckpointID: cpID,
			CreatedAt:    fi.ModTime().UTC(),
			Size:         fi.Size(),
		})
	}
	sortInfos(infos)
	return infos, nil
}

// Delete removes the checkpoint file.
func (f *FileStore) Delete(ctx context.Context, checkpointID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	path, _, err := f.find(checkpointID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Close marks the store closed. Files are left in place.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// find locates the file for checkpointID. Callers hold f.mu.
func (f *FileStore) find(checkpointID string) (path, executionID string, err error) {
	if checkpointID == "" || strings.ContainsAny(checkpointID, `_/\`) {
		return "", "", ErrNotFound
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		execID, cpID, ok := ParseFileName(entry.Name())
		if ok && cpID == checkpointID {
			return filepath.Join(f.dir, entry.Name()), execID, nil
		}
	}
	return "", "", ErrNotFound
}
