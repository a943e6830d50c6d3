package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by execution id, and
// answers history queries.
//
// Warning: every event is kept until Clear is called. Use it for tests,
// debugging and short-lived tools, not long-running services.
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := graph.New(g, graph.WithEmitter(emitter))
//	res := engine.Execute(ctx, st)
//	failures := emitter.GetHistoryWithFilter(res.ExecutionID, emit.HistoryFilter{
//		Filter: emit.Filter{ErrorsOnly: true},
//	})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
	limit  int
}

// HistoryFilter narrows a history query. It extends Filter with an optional
// step range; nil bounds are open.
type HistoryFilter struct {
	Filter
	MinStep *int
	MaxStep *int
}

// BufferedOption configures a BufferedEmitter.
type BufferedOption func(*BufferedEmitter)

// WithHistoryLimit caps the number of events kept per execution. Once the
// cap is reached the oldest event is dropped. Zero means unlimited.
func WithHistoryLimit(n int) BufferedOption {
	return func(b *BufferedEmitter) {
		if n > 0 {
			b.limit = n
		}
	}
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter(opts ...BufferedOption) *BufferedEmitter {
	b := &BufferedEmitter{
		events: make(map[string][]Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit stores the event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := append(b.events[event.ExecutionID], event)
	if b.limit > 0 && len(events) > b.limit {
		events = events[len(events)-b.limit:]
	}
	b.events[event.ExecutionID] = events
}

// GetHistory returns a copy of every event for executionID in emission order.
// The result is never nil.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	return b.GetHistoryWithFilter(executionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for executionID that match filter,
// in emission order. The result is never nil.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[executionID]))
	for _, event := range b.events[executionID] {
		if filter.match(event) {
			result = append(result, event)
		}
	}
	return result
}

// Executions returns the ids of every execution with stored events.
func (b *BufferedEmitter) Executions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.events))
	for id := range b.events {
		ids = append(ids, id)
	}
	return ids
}

func (f HistoryFilter) match(event Event) bool {
	if !f.Filter.Match(event) {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Clear removes the events for executionID, or every event when
// executionID is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
