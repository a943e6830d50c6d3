package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockMySQLStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS graph_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewMySQLStoreFromDB(db)
	require.NoError(t, err)
	return s, mock
}

func TestMySQLStore_Put(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	created := time.Unix(0, 1700000000000000000)

	mock.ExpectExec("INSERT INTO graph_checkpoints").
		WithArgs("cp-1", "exec-1", created.UnixNano(), []byte("data")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Put(context.Background(), Record{ExecutionID: "exec-1", CheckpointID: "cp-1", CreatedAt: created, Data: []byte("data")})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Get(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectQuery("SELECT execution_id, created_at, data FROM graph_checkpoints").
		WithArgs("cp-1").
		WillReturnRows(sqlmock.NewRows([]string{"execution_id", "created_at", "data"}).
			AddRow("exec-1", int64(42), []byte("payload")))
	mock.ExpectQuery("SELECT execution_id, created_at, data FROM graph_checkpoints").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"execution_id", "created_at", "data"}))

	rec, err := s.Get(context.Background(), "cp-1")
	require.NoError(t, err)
	require.Equal(t, "exec-1", rec.ExecutionID)
	require.Equal(t, []byte("payload"), rec.Data)
	require.Equal(t, int64(42), rec.CreatedAt.UnixNano())

	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_List(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectQuery("SELECT execution_id, checkpoint_id, created_at, LENGTH\\(data\\) FROM graph_checkpoints WHERE execution_id = \\?").
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"execution_id", "checkpoint_id", "created_at", "size"}).
			AddRow("exec-1", "cp-1", int64(1), int64(10)).
			AddRow("exec-1", "cp-2", int64(2), int64(20)))

	infos, err := s.List(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "cp-1", infos[0].CheckpointID)
	require.Equal(t, int64(20), infos[1].Size)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Delete(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectExec("DELETE FROM graph_checkpoints").
		WithArgs("cp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM graph_checkpoints").
		WithArgs("cp-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Delete(context.Background(), "cp-1"))
	require.ErrorIs(t, s.Delete(context.Background(), "cp-1"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ErrorsAndClose(t *testing.T) {
	s, mock := newMockMySQLStore(t)

	mock.ExpectExec("INSERT INTO graph_checkpoints").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectClose()

	err := s.Put(context.Background(), Record{ExecutionID: "e", CheckpointID: "c"})
	require.ErrorContains(t, err, "connection reset")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Put(context.Background(), Record{ExecutionID: "e", CheckpointID: "c"}), ErrClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestMySQLStore_Live runs against a real server when TEST_MYSQL_DSN is set.
func TestMySQLStore_Live(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL tests: TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	id := "live-" + time.Now().Format("150405.000000000")
	require.NoError(t, s.Put(ctx, Record{ExecutionID: id, CheckpointID: id, CreatedAt: time.Now(), Data: []byte("x")}))
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), rec.Data)
	require.NoError(t, s.Delete(ctx, id))
}
