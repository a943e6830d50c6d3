package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogEmitter_Text verifies the human-readable format.
func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		Type:        NodeCompleted,
		ExecutionID: "run-001",
		Step:        2,
		NodeID:      "fetch",
		Msg:         string(NodeCompleted),
		Timestamp:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Meta:        map[string]any{"duration_ms": 12},
	})
	emitter.Emit(Event{Type: ExecutionCompleted, ExecutionID: "run-001", Step: 2})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	for _, want := range []string{"[node_completed]", "execution=run-001", "step=2", "node=fetch", `meta={"duration_ms":12}`} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line %q missing %q", lines[0], want)
		}
	}
	if strings.Contains(lines[1], "node=") {
		t.Errorf("run-level event should not print a node: %q", lines[1])
	}
}

// TestLogEmitter_JSON verifies JSON-lines output decodes back into events.
func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{Type: NodeFailed, ExecutionID: "run-001", NodeID: "x", Meta: map[string]any{"error": "boom"}})
	emitter.Emit(Event{Type: ExecutionFailed, ExecutionID: "run-001"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var decoded Event
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if decoded.Type != NodeFailed || decoded.NodeID != "x" || decoded.Meta["error"] != "boom" {
		t.Errorf("unexpected decoded event %+v", decoded)
	}
}

// TestZapEmitter verifies levels and fields of the zap bridge.
func TestZapEmitter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	emitter := NewZapEmitter(zap.New(core))

	emitter.Emit(Event{Type: NodeCompleted, ExecutionID: "run-001", Step: 1, NodeID: "a"})
	emitter.Emit(Event{Type: NodeFailed, ExecutionID: "run-001", Step: 2, NodeID: "b", Meta: map[string]any{"error": "boom"}})

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[0].Message != "node_completed" {
		t.Errorf("unexpected first entry %+v", entries[0].Entry)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("failure should log at warn, got %v", entries[1].Level)
	}
	fields := entries[1].ContextMap()
	if fields["node_id"] != "b" || fields["error"] != "boom" || fields["execution_id"] != "run-001" {
		t.Errorf("unexpected fields %v", fields)
	}
}

// TestNullEmitter_NoOp verifies NullEmitter accepts every event.
func TestNullEmitter_NoOp(t *testing.T) {
	var emitter Emitter = NewNullEmitter()
	emitter.Emit(Event{})
	emitter.Emit(Event{Type: NodeFailed, Meta: map[string]any{"error": "x"}})
}

// TestMultiEmitter verifies fan-out in order and nil skipping.
func TestMultiEmitter(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	multi := NewMultiEmitter(a, nil, b)

	multi.Emit(Event{ExecutionID: "run", NodeID: "x"})

	if len(a.GetHistory("run")) != 1 || len(b.GetHistory("run")) != 1 {
		t.Error("event was not delivered to every emitter")
	}
}
