package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/graphflow/graph/store"
)

// backends returns a fresh instance of every local Store implementation.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := store.NewFileStore(filepath.Join(dir, "files"))
	require.NoError(t, err)

	sqliteStore, err := store.NewSQLiteStore(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)

	all := map[string]store.Store{
		"memory": store.NewMemStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func TestStore_Conformance(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("put and get", func(t *testing.T) {
				rec := store.Record{ExecutionID: "exec-1", CheckpointID: "cp-a", CreatedAt: base, Data: []byte("payload-a")}
				require.NoError(t, s.Put(ctx, rec))

				got, err := s.Get(ctx, "cp-a")
				require.NoError(t, err)
				require.Equal(t, "exec-1", got.ExecutionID)
				require.Equal(t, "cp-a", got.CheckpointID)
				require.Equal(t, []byte("payload-a"), got.Data)
				require.True(t, got.CreatedAt.Equal(base), "created_at %v != %v", got.CreatedAt, base)
			})

			t.Run("put replaces", func(t *testing.T) {
				require.NoError(t, s.Put(ctx, store.Record{ExecutionID: "exec-1", CheckpointID: "cp-a", CreatedAt: base, Data: []byte("v2")}))
				got, err := s.Get(ctx, "cp-a")
				require.NoError(t, err)
				require.Equal(t, []byte("v2"), got.Data)
			})

			t.Run("list is ordered oldest first", func(t *testing.T) {
				require.NoError(t, s.Put(ctx, store.Record{ExecutionID: "exec-1", CheckpointID: "cp-c", CreatedAt: base.Add(2 * time.Second), Data: []byte("c")}))
				require.NoError(t, s.Put(ctx, store.Record{ExecutionID: "exec-1", CheckpointID: "cp-b", CreatedAt: base.Add(time.Second), Data: []byte("bb")}))
				require.NoError(t, s.Put(ctx, store.Record{ExecutionID: "exec_2", CheckpointID: "cp-z", CreatedAt: base, Data: []byte("z")}))

				infos, err := s.List(ctx, "exec-1")
				require.NoError(t, err)
				ids := make([]string, len(infos))
				for i, info := range infos {
					ids[i] = info.CheckpointID
				}
				require.Equal(t, []string{"cp-a", "cp-b", "cp-c"}, ids)
				require.Equal(t, int64(2), infos[1].Size)

				other, err := s.List(ctx, "exec_2")
				require.NoError(t, err)
				require.Len(t, other, 1)
				require.Equal(t, "exec_2", other[0].ExecutionID)

				everything, err := s.List(ctx, "")
				require.NoError(t, err)
				require.Len(t, everything, 4)
			})

			t.Run("unknown execution lists empty", func(t *testing.T) {
				infos, err := s.List(ctx, "nobody")
				require.NoError(t, err)
				require.Empty(t, infos)
			})

			t.Run("missing checkpoint", func(t *testing.T) {
				_, err := s.Get(ctx, "missing")
				require.ErrorIs(t, err, store.ErrNotFound)
				require.ErrorIs(t, s.Delete(ctx, "missing"), store.ErrNotFound)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, s.Delete(ctx, "cp-b"))
				_, err := s.Get(ctx, "cp-b")
				require.ErrorIs(t, err, store.ErrNotFound)
			})

			t.Run("rejects incomplete records", func(t *testing.T) {
				require.Error(t, s.Put(ctx, store.Record{CheckpointID: "x"}))
				require.Error(t, s.Put(ctx, store.Record{ExecutionID: "x"}))
			})

			t.Run("closed store", func(t *testing.T) {
				require.NoError(t, s.Close())
				_, err := s.Get(ctx, "cp-a")
				require.ErrorIs(t, err, store.ErrClosed)
			})
		})
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs <- s.Put(ctx, store.Record{
						ExecutionID:  "exec",
						CheckpointID: "cp" + string(rune('a'+i)),
						CreatedAt:    time.Unix(int64(i), 0),
						Data:         []byte{byte(i)},
					})
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}
			infos, err := s.List(ctx, "exec")
			require.NoError(t, err)
			require.Len(t, infos, 20)
		})
	}
}

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, store.Record{ExecutionID: "run_with_underscores", CheckpointID: "abc-123", Data: []byte("x")}))
	require.FileExists(t, filepath.Join(dir, "run_with_underscores_abc-123.checkpoint"))

	got, err := s.Get(ctx, "abc-123")
	require.NoError(t, err)
	require.Equal(t, "run_with_underscores", got.ExecutionID)

	require.Error(t, s.Put(ctx, store.Record{ExecutionID: "e", CheckpointID: "bad_id"}))
	require.Error(t, s.Put(ctx, store.Record{ExecutionID: "../escape", CheckpointID: "id"}))
}

func TestFileStore_GlobCharactersInDir(t *testing.T) {
	for _, name := range []string{"runs[1]", "runs*", "runs?"} {
		t.Run(name, func(t *testing.T) {
			s, err := store.NewFileStore(filepath.Join(t.TempDir(), name))
			require.NoError(t, err)
			defer s.Close()

			ctx := context.Background()
			require.NoError(t, s.Put(ctx, store.Record{ExecutionID: "exec", CheckpointID: "cp-1", Data: []byte("x")}))

			infos, err := s.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, infos, 1)

			got, err := s.Get(ctx, "cp-1")
			require.NoError(t, err)
			require.Equal(t, "exec", got.ExecutionID)

			require.NoError(t, s.Delete(ctx, "cp-1"))
			_, err = s.Get(ctx, "cp-1")
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name     string
		execID   string
		cpID     string
		expectOK bool
	}{
		{"exec_cp.checkpoint", "exec", "cp", true},
		{"a_b_c.checkpoint", "a_b", "c", true},
		{"nounderscore.checkpoint", "", "", false},
		{"exec_cp.json", "", "", false},
		{"_cp.checkpoint", "", "", false},
		{"exec_.checkpoint", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execID, cpID, ok := store.ParseFileName(tt.name)
			require.Equal(t, tt.expectOK, ok)
			require.Equal(t, tt.execID, execID)
			require.Equal(t, tt.cpID, cpID)
			if ok {
				require.Equal(t, tt.name, store.FileName(execID, cpID))
			}
		})
	}
}
