package graph

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ScheduledExecution is a whole-graph run waiting for admission.
type ScheduledExecution struct {
	// ID identifies the execution. Must be unique among queued and running
	// executions.
	ID string

	// Priority orders the queue; higher runs first.
	Priority int

	// Requirements are reserved while the execution runs.
	Requirements ResourceRequirements

	// Deadline, when set, drops the execution if it is still queued after
	// that instant.
	Deadline time.Time

	// UserID selects the quota the execution counts against.
	UserID string

	// EnqueuedAt is stamped by the scheduler.
	EnqueuedAt time.Time

	seq uint64
}

// UserQuota bounds one user's executions. Zero fields are unlimited.
type UserQuota struct {
	// MaxConcurrent counts the user's queued and running executions.
	MaxConcurrent int

	// MaxPerHour counts enqueues over a sliding one-hour window.
	MaxPerHour int
}

// admissionHeap orders executions by priority descending, then by enqueue
// sequence ascending.
type admissionHeap []*ScheduledExecution

func (h admissionHeap) Len() int { return len(h) }

func (h admissionHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h admissionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *admissionHeap) Push(x interface{}) {
	*h = append(*h, x.(*ScheduledExecution))
}

func (h *admissionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// Scheduler admission-controls queued executions against resource limits
// and per-user quotas.
//
// Quotas are enforced at Enqueue: a violation rejects the execution
// outright with a QuotaExceeded error. Requirements that could never fit
// the limits are rejected with ResourceLimitExceeded. Dequeue returns the
// highest-priority execution that fits the resources left; executions that
// do not fit stay queued and do not block lower-priority ones behind them.
//
// Thread-safety: all methods are safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	queue   admissionHeap
	queued  map[string]*ScheduledExecution
	running map[string]*ScheduledExecution
	usage   ResourceUsage
	limits  ResourceLimits
	seq     uint64

	quotas       map[string]UserQuota
	defaultQuota UserQuota
	enqueues     map[string][]time.Time

	// changed is signalled whenever capacity or the queue changes.
	changed chan struct{}

	clock   clock.Clock
	metrics *PrometheusMetrics
	logger  *zap.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the time source for quota windows and deadlines.
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSchedulerMetrics exports queue depth and rejections.
func WithSchedulerMetrics(m *PrometheusMetrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUserQuota sets the quota of one user.
func WithUserQuota(userID string, q UserQuota) SchedulerOption {
	return func(s *Scheduler) { s.quotas[userID] = q }
}

// WithDefaultQuota sets the quota of users without their own.
func WithDefaultQuota(q UserQuota) SchedulerOption {
	return func(s *Scheduler) { s.defaultQuota = q }
}

// NewScheduler returns an empty scheduler enforcing limits.
func NewScheduler(limits ResourceLimits, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:    make(admissionHeap, 0),
		queued:   make(map[string]*ScheduledExecution),
		running:  make(map[string]*ScheduledExecution),
		limits:   limits,
		quotas:   make(map[string]UserQuota),
		enqueues: make(map[string][]time.Time),
		changed:  make(chan struct{}, 1),
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	heap.Init(&s.queue)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue queues exec for admission.
func (s *Scheduler) Enqueue(exec ScheduledExecution) error {
	if exec.ID == "" {
		return validationf("INVALID_EXECUTION", "", "scheduled execution id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[exec.ID]; ok {
		return validationf("DUPLICATE_EXECUTION", "", "execution %s is already queued", exec.ID)
	}
	if _, ok := s.running[exec.ID]; ok {
		return validationf("DUPLICATE_EXECUTION", "", "execution %s is already running", exec.ID)
	}
	if !s.limits.Admits(exec.Requirements) {
		s.metrics.IncrementAdmissionRejections("resources")
		return &EngineError{
			Kind:    KindResourceLimitExceeded,
			Code:    "RESOURCE_LIMIT_EXCEEDED",
			Message: fmt.Sprintf("execution %s requires %s which exceeds the limits", exec.ID, exec.Requirements),
		}
	}

	now := s.clock.Now()
	if err := s.checkQuotaLocked(exec.UserID, now); err != nil {
		s.metrics.IncrementAdmissionRejections("quota")
		return err
	}

	s.seq++
	item := exec
	item.seq = s.seq
	item.EnqueuedAt = now
	heap.Push(&s.queue, &item)
	s.queued[item.ID] = &item
	if item.UserID != "" {
		s.enqueues[item.UserID] = append(s.enqueues[item.UserID], now)
	}
	s.metrics.UpdateQueueDepth(s.queue.Len())
	s.signalLocked()
	return nil
}

func (s *Scheduler) checkQuotaLocked(userID string, now time.Time) error {
	if userID == "" {
		return nil
	}
	q, ok := s.quotas[userID]
	if !ok {
		q = s.defaultQuota
	}

	if q.MaxConcurrent > 0 {
		active := 0
		for _, e := range s.queued {
			if e.UserID == userID {
				active++
			}
		}
		for _, e := range s.running {
			if e.UserID == userID {
				active++
			}
		}
		if active >= q.MaxConcurrent {
			return &EngineError{
				Kind:    KindQuotaExceeded,
				Code:    "QUOTA_EXCEEDED",
				Message: fmt.Sprintf("user %s has %d active executions (max %d)", userID, active, q.MaxConcurrent),
			}
		}
	}

	if q.MaxPerHour > 0 {
		cutoff := now.Add(-time.Hour)
		recent := s.enqueues[userID][:0]
		for _, t := range s.enqueues[userID] {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		s.enqueues[userID] = recent
		if len(recent) >= q.MaxPerHour {
			return &EngineError{
				Kind:    KindQuotaExceeded,
				Code:    "QUOTA_EXCEEDED",
				Message: fmt.Sprintf("user %s enqueued %d executions in the last hour (max %d)", userID, len(recent), q.MaxPerHour),
			}
		}
	}
	return nil
}

// Dequeue admits the highest-priority queued execution whose requirements
// fit the resources left, reserving them. Executions whose deadline has
// passed are dropped. It returns false when nothing can be admitted.
func (s *Scheduler) Dequeue() (*ScheduledExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var skipped []*ScheduledExecution
	var admitted *ScheduledExecution
	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*ScheduledExecution)
		if !item.Deadline.IsZero() && now.After(item.Deadline) {
			delete(s.queued, item.ID)
			s.metrics.IncrementAdmissionRejections("deadline")
			s.logger.Warn("dropping execution past its deadline",
				zap.String("execution_id", item.ID),
				zap.Time("deadline", item.Deadline),
			)
			continue
		}
		if s.limits.Fits(s.usage, item.Requirements) {
			admitted = item
			break
		}
		skipped = append(skipped, item)
	}
	for _, item := range skipped {
		heap.Push(&s.queue, item)
	}
	s.metrics.UpdateQueueDepth(s.queue.Len())

	if admitted == nil {
		return nil, false
	}
	delete(s.queued, admitted.ID)
	s.running[admitted.ID] = admitted
	s.usage = s.usage.Add(admitted.Requirements)
	out := *admitted
	return &out, true
}

// Complete releases the resources of a running execution.
func (s *Scheduler) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.running[id]
	if !ok {
		return validationf("UNKNOWN_EXECUTION", "", "execution %s is not running", id)
	}
	delete(s.running, id)
	s.usage = s.usage.Sub(item.Requirements)
	s.signalLocked()
	return nil
}

// Cancel removes a queued execution. It reports whether it was queued.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[id]; !ok {
		return false
	}
	delete(s.queued, id)
	for i, item := range s.queue {
		if item.ID == id {
			heap.Remove(&s.queue, i)
			break
		}
	}
	s.metrics.UpdateQueueDepth(s.queue.Len())
	s.signalLocked()
	return true
}

// Len returns the number of queued executions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Running returns the ids of admitted, not yet completed executions.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Usage returns the currently reserved resources.
func (s *Scheduler) Usage() ResourceUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *Scheduler) signalLocked() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Run dispatches admitted executions to handler, each on its own
// goroutine, until ctx is cancelled. Resources are released when handler
// returns. Run waits for in-flight handlers before returning ctx.Err().
func (s *Scheduler) Run(ctx context.Context, handler func(ctx context.Context, exec *ScheduledExecution)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := s.clock.Ticker(time.Second)
	defer ticker.Stop()

	for {
		for {
			exec, ok := s.Dequeue()
			if !ok {
				break
			}
			wg.Add(1)
			go func(exec *ScheduledExecution) {
				defer wg.Done()
				defer func() {
					if err := s.Complete(exec.ID); err != nil {
						s.logger.Warn("failed to release execution", zap.String("execution_id", exec.ID), zap.Error(err))
					}
				}()
				handler(ctx, exec)
			}(exec)
		}

		// Wake on capacity or queue changes; the ticker expires deadlines.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.changed:
		case <-ticker.C:
		}
	}
}
