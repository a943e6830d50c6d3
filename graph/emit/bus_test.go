package emit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEventType_Classification(t *testing.T) {
	tests := []struct {
		typ        EventType
		error      bool
		completion bool
	}{
		{ExecutionStarted, false, false},
		{NodeStarted, false, false},
		{NodeCompleted, false, true},
		{NodeFailed, true, true},
		{StateUpdated, false, false},
		{ParallelCompleted, false, true},
		{ExecutionCompleted, false, true},
		{ExecutionFailed, true, true},
		{Custom, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.IsError(); got != tt.error {
				t.Errorf("IsError() = %v, want %v", got, tt.error)
			}
			if got := tt.typ.IsCompletion(); got != tt.completion {
				t.Errorf("IsCompletion() = %v, want %v", got, tt.completion)
			}
		})
	}
}

func TestEvent_WithMetaCopies(t *testing.T) {
	base := NewEvent(NodeCompleted, "run", 1, "a").WithMeta("k", 1)
	derived := base.WithMeta("k", 2)
	if base.Meta["k"] != 1 || derived.Meta["k"] != 2 {
		t.Errorf("WithMeta shared its map: base=%v derived=%v", base.Meta, derived.Meta)
	}
	if base.Timestamp.IsZero() {
		t.Error("NewEvent should stamp a timestamp")
	}
}

func TestBus_FilteredDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe(Filter{}, 16)
	runA := bus.Subscribe(Filter{ExecutionID: "a"}, 16)
	errs := bus.Subscribe(Filter{ErrorsOnly: true}, 16)

	bus.Emit(Event{ExecutionID: "a", Type: NodeStarted, NodeID: "n1"})
	bus.Emit(Event{ExecutionID: "b", Type: NodeFailed, NodeID: "n2"})
	bus.Emit(Event{ExecutionID: "a", Type: NodeCompleted, NodeID: "n1"})

	drain := func(s *Subscription) []string {
		var out []string
		for {
			select {
			case e := <-s.Events():
				out = append(out, e.ExecutionID+"/"+string(e.Type))
			default:
				return out
			}
		}
	}

	if diff := cmp.Diff([]string{"a/node_started", "b/node_failed", "a/node_completed"}, drain(all)); diff != "" {
		t.Errorf("all subscriber (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a/node_started", "a/node_completed"}, drain(runA)); diff != "" {
		t.Errorf("execution subscriber (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b/node_failed"}, drain(errs)); diff != "" {
		t.Errorf("errors subscriber (-want +got):\n%s", diff)
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(Filter{}, 2)
	for i := 0; i < 5; i++ {
		bus.Emit(Event{Step: i})
	}

	if sub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", sub.Dropped())
	}
	if first := <-sub.Events(); first.Step != 0 {
		t.Errorf("first delivered step = %d, want 0", first.Step)
	}
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{}, 1)
	other := bus.Subscribe(Filter{}, 1)
	if bus.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d", bus.Subscribers())
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	if _, ok := <-sub.Events(); ok {
		t.Error("unsubscribed channel should be closed")
	}

	bus.Close()
	if _, ok := <-other.Events(); ok {
		t.Error("Close should close remaining subscriptions")
	}
	bus.Emit(Event{}) // ignored after close

	late := bus.Subscribe(Filter{}, 1)
	if _, ok := <-late.Events(); ok {
		t.Error("subscribing to a closed bus should yield a closed channel")
	}
}
