package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_PriorityOrder(t *testing.T) {
	s := NewScheduler(ResourceLimits{})
	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "low", Priority: 1}))
	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "high", Priority: 10}))
	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "mid-1", Priority: 5}))
	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "mid-2", Priority: 5}))

	var order []string
	for {
		exec, ok := s.Dequeue()
		if !ok {
			break
		}
		order = append(order, exec.ID)
	}
	assert.Equal(t, []string{"high", "mid-1", "mid-2", "low"}, order)
	assert.Equal(t, []string{"high", "low", "mid-1", "mid-2"}, s.Running())
}

func TestScheduler_NoHeadOfLineBlocking(t *testing.T) {
	s := NewScheduler(ResourceLimits{CPUCores: 4})
	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "running", Priority: 9, Requirements: ResourceRequirements{CPUCores: 3}}))
	first, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "running", first.ID)

	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "big", Priority: 5, Requirements: ResourceRequirements{CPUCores: 2}}))
	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "small", Priority: 1, Requirements: ResourceRequirements{CPUCores: 1}}))

	next, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "small", next.ID, "a blocked high-priority execution must not hold back one that fits")
	assert.Equal(t, 1, s.Len())

	_, ok = s.Dequeue()
	assert.False(t, ok)

	require.NoError(t, s.Complete("running"))
	next, ok = s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "big", next.ID)
	assert.Equal(t, int64(3), s.Usage().CPUCores)
}

func TestScheduler_RejectsImpossibleRequirements(t *testing.T) {
	s := NewScheduler(ResourceLimits{MemoryBytes: 1 << 30})
	err := s.Enqueue(ScheduledExecution{ID: "huge", Requirements: ResourceRequirements{MemoryBytes: 2 << 30}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceLimitExceeded))
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_Quotas(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(ResourceLimits{},
		WithSchedulerClock(mock),
		WithUserQuota("alice", UserQuota{MaxConcurrent: 2}),
		WithDefaultQuota(UserQuota{MaxPerHour: 2}),
	)

	t.Run("max concurrent counts queued and running", func(t *testing.T) {
		require.NoError(t, s.Enqueue(ScheduledExecution{ID: "a1", UserID: "alice"}))
		_, ok := s.Dequeue()
		require.True(t, ok)
		require.NoError(t, s.Enqueue(ScheduledExecution{ID: "a2", UserID: "alice"}))

		err := s.Enqueue(ScheduledExecution{ID: "a3", UserID: "alice"})
		assert.True(t, errors.Is(err, ErrQuotaExceeded))

		require.NoError(t, s.Complete("a1"))
		assert.NoError(t, s.Enqueue(ScheduledExecution{ID: "a3", UserID: "alice"}))
	})

	t.Run("per hour window slides", func(t *testing.T) {
		require.NoError(t, s.Enqueue(ScheduledExecution{ID: "b1", UserID: "bob"}))
		mock.Add(30 * time.Minute)
		require.NoError(t, s.Enqueue(ScheduledExecution{ID: "b2", UserID: "bob"}))

		err := s.Enqueue(ScheduledExecution{ID: "b3", UserID: "bob"})
		assert.True(t, errors.Is(err, ErrQuotaExceeded))

		mock.Add(31 * time.Minute)
		assert.NoError(t, s.Enqueue(ScheduledExecution{ID: "b3", UserID: "bob"}))
	})
}

func TestScheduler_DropsExpiredDeadlines(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(ResourceLimits{}, WithSchedulerClock(mock))

	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "stale", Priority: 10, Deadline: mock.Now().Add(time.Minute)}))
	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "fresh", Priority: 1}))
	mock.Add(2 * time.Minute)

	exec, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "fresh", exec.ID)
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Cancel("stale"))
}

func TestScheduler_DuplicateAndCancel(t *testing.T) {
	s := NewScheduler(ResourceLimits{})
	require.NoError(t, s.Enqueue(ScheduledExecution{ID: "x"}))
	assert.True(t, errors.Is(s.Enqueue(ScheduledExecution{ID: "x"}), ErrValidation))
	assert.True(t, errors.Is(s.Enqueue(ScheduledExecution{}), ErrValidation))

	assert.True(t, s.Cancel("x"))
	assert.Equal(t, 0, s.Len())
	assert.Error(t, s.Complete("x"))
}

func TestScheduler_RunDispatches(t *testing.T) {
	s := NewScheduler(ResourceLimits{CPUCores: 1})
	for _, id := range []string{"one", "two", "three"} {
		require.NoError(t, s.Enqueue(ScheduledExecution{ID: id, Requirements: ResourceRequirements{CPUCores: 1}}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Run(ctx, func(_ context.Context, exec *ScheduledExecution) {
			mu.Lock()
			defer mu.Unlock()
			assert.LessOrEqual(t, len(s.Running()), 1)
			seen = append(seen, exec.ID)
			if len(seen) == 3 {
				close(done)
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not dispatch every execution")
	}
	cancel()
	<-stopped

	assert.Empty(t, s.Running())
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"one", "two", "three"}, seen)
}
