package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps checkpoints in a single-file SQLite database.
//
// Features:
//   - Pure Go driver (modernc.org/sqlite), no cgo
//   - Auto-migration on open
//   - WAL mode for concurrent reads
//
// Schema:
//
//	checkpoints(checkpoint_id TEXT PK, execution_id TEXT, created_at INTEGER unix nanos, data BLOB)
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT NOT NULL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			data BLOB NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON checkpoints(execution_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put inserts or replaces rec.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := `
		INSERT INTO checkpoints (checkpoint_id, execution_id, created_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			execution_id = excluded.execution_id,
			created_at = excluded.created_at,
			data = excluded.data
	`
	if _, err := s.db.ExecContext(ctx, query, rec.CheckpointID, rec.ExecutionID, rec.CreatedAt.UnixNano(), rec.Data); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Get loads checkpointID.
func (s *SQLiteStore) Get(ctx context.Context, checkpointID string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}
	query := `SELECT execution_id, created_at, data FROM checkpoints WHERE checkpoint_id = ?`

	rec := Record{CheckpointID: checkpointID}
	var nanos int64
	err := s.db.QueryRowContext(ctx, query, checkpointID).Scan(&rec.ExecutionID, &nanos, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	rec.CreatedAt = time.Unix(0, nanos).UTC()
	return rec, nil
}

// List returns the checkpoints of executionID, oldest first.
func (s *SQLiteStore) List(ctx context.Context, executionID string) ([]Info, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT execution_id, checkpoint_id, created_at, length(data)
		FROM checkpoints
		WHERE (? = '' OR execution_id = ?)
		ORDER BY created_at ASC, checkpoint_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, executionID, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	infos := make([]Info, 0)
	for rows.Next() {
		var info Info
		var nanos int64
		if err := rows.Scan(&info.ExecutionID, &info.CheckpointID, &nanos, &info.Size); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		info.CreatedAt = time.Unix(0, nanos).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return infos, nil
}

// Delete removes checkpointID.
func (s *SQLiteStore) Delete(ctx context.Context, checkpointID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database. It is safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database location passed to NewSQLiteStore.
func (s *SQLiteStore) Path() string { return s.path }
