package emit

import (
	"sync"
	"testing"
)

// TestBufferedEmitter_StoresEvents verifies BufferedEmitter stores emitted events.
func TestBufferedEmitter_StoresEvents(t *testing.T) {
	t.Run("isolates events by execution", func(t *testing.T) {
		emitter := NewBufferedEmitter()

		emitter.Emit(Event{ExecutionID: "run-001", Type: NodeStarted})
		emitter.Emit(Event{ExecutionID: "run-002", Type: NodeStarted})
		emitter.Emit(Event{ExecutionID: "run-001", Type: NodeCompleted})

		if got := len(emitter.GetHistory("run-001")); got != 2 {
			t.Errorf("expected 2 events for run-001, got %d", got)
		}
		if got := len(emitter.GetHistory("run-002")); got != 1 {
			t.Errorf("expected 1 event for run-002, got %d", got)
		}
	})

	t.Run("returns empty slice for unknown execution", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		history := emitter.GetHistory("unknown")
		if history == nil || len(history) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", history)
		}
	})

	t.Run("history is a copy", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		emitter.Emit(Event{ExecutionID: "run-001", NodeID: "a"})
		history := emitter.GetHistory("run-001")
		history[0].NodeID = "changed"
		if emitter.GetHistory("run-001")[0].NodeID != "a" {
			t.Error("mutating returned history changed the buffer")
		}
	})

	t.Run("history limit keeps newest", func(t *testing.T) {
		emitter := NewBufferedEmitter(WithHistoryLimit(2))
		for _, id := range []string{"a", "b", "c"} {
			emitter.Emit(Event{ExecutionID: "run-001", NodeID: id})
		}
		history := emitter.GetHistory("run-001")
		if len(history) != 2 || history[0].NodeID != "b" || history[1].NodeID != "c" {
			t.Errorf("unexpected history %+v", history)
		}
	})
}

// TestBufferedEmitter_Filter verifies history queries.
func TestBufferedEmitter_Filter(t *testing.T) {
	emitter := NewBufferedEmitter()
	events := []Event{
		{ExecutionID: "run", Step: 1, NodeID: "a", Type: NodeStarted},
		{ExecutionID: "run", Step: 1, NodeID: "a", Type: NodeCompleted},
		{ExecutionID: "run", Step: 2, NodeID: "b", Type: NodeStarted},
		{ExecutionID: "run", Step: 2, NodeID: "b", Type: NodeFailed},
		{ExecutionID: "run", Step: 2, Type: ExecutionFailed},
	}
	for _, e := range events {
		emitter.Emit(e)
	}

	minStep, maxStep := 2, 2
	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"no filter", HistoryFilter{}, 5},
		{"by node", HistoryFilter{Filter: Filter{NodeID: "a"}}, 2},
		{"by type", HistoryFilter{Filter: Filter{Types: []EventType{NodeStarted}}}, 2},
		{"errors only", HistoryFilter{Filter: Filter{ErrorsOnly: true}}, 2},
		{"completions only", HistoryFilter{Filter: Filter{CompletionsOnly: true}}, 3},
		{"step range", HistoryFilter{MinStep: &minStep, MaxStep: &maxStep}, 3},
		{"node and errors", HistoryFilter{Filter: Filter{NodeID: "b", ErrorsOnly: true}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := emitter.GetHistoryWithFilter("run", tt.filter)
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

// TestBufferedEmitter_Clear verifies per-execution and global clearing.
func TestBufferedEmitter_Clear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{ExecutionID: "a"})
	emitter.Emit(Event{ExecutionID: "b"})

	emitter.Clear("a")
	if len(emitter.GetHistory("a")) != 0 || len(emitter.GetHistory("b")) != 1 {
		t.Fatal("Clear(a) removed the wrong events")
	}

	emitter.Clear("")
	if len(emitter.Executions()) != 0 {
		t.Error("Clear(\"\") left events behind")
	}
}

// TestBufferedEmitter_Concurrent verifies concurrent emission is safe.
func TestBufferedEmitter_Concurrent(t *testing.T) {
	emitter := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				emitter.Emit(Event{ExecutionID: "run", Step: j})
			}
		}()
	}
	wg.Wait()

	if got := len(emitter.GetHistory("run")); got != 1000 {
		t.Errorf("expected 1000 events, got %d", got)
	}
}
