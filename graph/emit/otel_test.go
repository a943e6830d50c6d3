package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

// TestOTelEmitter_Emit verifies single event emission creates a span.
func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		Type:        NodeCompleted,
		ExecutionID: "run-001",
		Step:        1,
		NodeID:      "nodeA",
		Timestamp:   time.Now(),
		Meta: map[string]any{
			"success":     true,
			"duration_ms": int64(250),
			"attempt":     2,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != "node_completed" {
		t.Errorf("span name = %q, want %q", span.Name, "node_completed")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["graphflow.execution_id"]; got != "run-001" {
		t.Errorf("execution_id = %v", got)
	}
	if got := attrs["graphflow.step"]; got != int64(1) {
		t.Errorf("step = %v", got)
	}
	if got := attrs["graphflow.node_id"]; got != "nodeA" {
		t.Errorf("node_id = %v", got)
	}
	if got := attrs["graphflow.success"]; got != true {
		t.Errorf("success = %v", got)
	}
	if got := attrs["graphflow.attempt"]; got != int64(2) {
		t.Errorf("attempt = %v", got)
	}

	if got := span.EndTime.Sub(span.StartTime); got != 250*time.Millisecond {
		t.Errorf("span duration = %v, want 250ms", got)
	}
}

// TestOTelEmitter_EmitWithError verifies error events set error status.
func TestOTelEmitter_EmitWithError(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		Type:        NodeFailed,
		ExecutionID: "run-001",
		NodeID:      "nodeA",
		Meta:        map[string]any{"error": "validation failed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "validation failed" {
		t.Errorf("status description = %q", span.Status.Description)
	}
	if len(span.Events) == 0 {
		t.Error("expected recorded error event")
	}
}

// TestOTelEmitter_EmitBatch verifies batch emission creates one span per event.
func TestOTelEmitter_EmitBatch(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	events := []Event{
		{Type: NodeStarted, ExecutionID: "run-001", NodeID: "a"},
		{Type: NodeCompleted, ExecutionID: "run-001", NodeID: "a"},
		{Type: NodeStarted, ExecutionID: "run-001", NodeID: "b"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}

	spans := exporter.GetSpans()
	want := []string{"node_started", "node_completed", "node_started"}
	if len(spans) != len(want) {
		t.Fatalf("expected %d spans, got %d", len(want), len(spans))
	}
	for i, span := range spans {
		if span.Name != want[i] {
			t.Errorf("span[%d] name = %q, want %q", i, span.Name, want[i])
		}
	}

	t.Run("cancelled context stops the batch", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := emitter.EmitBatch(ctx, events); err == nil {
			t.Error("expected context error")
		}
	})
}

// TestOTelEmitter_StateMetaRecordsSize verifies large state payloads are not
// copied into span attributes.
func TestOTelEmitter_StateMetaRecordsSize(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		Type:        StateUpdated,
		ExecutionID: "run-001",
		Meta:        map[string]any{"state": []byte(`{"version":1,"data":{}}`)},
	})

	attrs := attributeMap(exporter.GetSpans()[0].Attributes)
	if _, ok := attrs["graphflow.state"]; ok {
		t.Error("state payload should not be an attribute")
	}
	if got := attrs["graphflow.state_bytes"]; got != int64(23) {
		t.Errorf("state_bytes = %v, want 23", got)
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
