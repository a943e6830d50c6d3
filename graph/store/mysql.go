package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore keeps checkpoints in a MySQL/MariaDB database, so several
// processes can share one checkpoint history.
//
// Schema:
//
//	graph_checkpoints(checkpoint_id VARCHAR(255) PK, execution_id VARCHAR(255),
//	                  created_at BIGINT unix nanos, data LONGBLOB)
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects using dsn, for example
//
//	user:password@tcp(localhost:3306)/graphflow
//
// Never hardcode credentials; read the DSN from the environment or config.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	s, err := NewMySQLStoreFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreFromDB wraps an existing connection pool and creates the
// schema if needed. The store takes ownership of db.
func NewMySQLStoreFromDB(db *sql.DB) (*MySQLStore, error) {
	s := &MySQLStore{db: db}
	if err := s.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS graph_checkpoints (
			checkpoint_id VARCHAR(255) NOT NULL PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			created_at BIGINT NOT NULL,
			data LONGBLOB NOT NULL,
			INDEX idx_execution_created (execution_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create graph_checkpoints table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Put inserts or replaces rec.
func (m *MySQLStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if err := m.checkOpen(); err != nil {
		return err
	}
	query := `INSERT INTO graph_checkpoints (checkpoint_id, execution_id, created_at, data) VALUES (?, ?, ?, ?) ` +
		`ON DUPLICATE KEY UPDATE execution_id = VALUES(execution_id), created_at = VALUES(created_at), data = VALUES(data)`
	if _, err := m.db.ExecContext(ctx, query, rec.CheckpointID, rec.ExecutionID, rec.CreatedAt.UnixNano(), rec.Data); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Get loads checkpointID.
func (m *MySQLStore) Get(ctx context.Context, checkpointID string) (Record, error) {
	if err := m.checkOpen(); err != nil {
		return Record{}, err
	}
	query := `SELECT execution_id, created_at, data FROM graph_checkpoints WHERE checkpoint_id = ?`

	rec := Record{CheckpointID: checkpointID}
	var nanos int64
	err := m.db.QueryRowContext(ctx, query, checkpointID).Scan(&rec.ExecutionID, &nanos, &rec.Data)
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
func (m *MySQLStore) List(ctx context.Context, executionID string) ([]Info, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var (
		rows *sql.Rows
		err  error
	)
	if executionID == "" {
		rows, err = m.db.QueryContext(ctx,
			`SELECT execution_id, checkpoint_id, created_at, LENGTH(data) FROM graph_checkpoints ORDER BY created_at ASC, checkpoint_id ASC`)
	} else {
		rows, err = m.db.QueryContext(ctx,
			`SELECT execution_id, checkpoint_id, created_at, LENGTH(data) FROM graph_checkpoints WHERE execution_id = ? ORDER BY created_at ASC, checkpoint_id ASC`,
			executionID)
	}
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
func (m *MySQLStore) Delete(ctx context.Context, checkpointID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx, `DELETE FROM graph_checkpoints WHERE checkpoint_id = ?`, checkpointID)
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

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Close closes the connection pool. It is safe to call more than once.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
