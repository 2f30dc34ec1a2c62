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

func newRecordedEmitter(t *testing.T) (*OTelEmitter, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("emit_test")), sr
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOTelEmitterSpanPerEvent(t *testing.T) {
	emitter, sr := newRecordedEmitter(t)

	emitter.Emit(Event{
		ExecutionID: "exe-001",
		Step:        3,
		NodeID:      "fetch",
		Msg:         "step_end",
		Meta: map[string]interface{}{
			"duration_ms": int64(42),
			"status":      "running",
			"node_kind":   "code",
			"attempts":    2,
			"elapsed":     1500 * time.Millisecond,
		},
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "step_end" {
		t.Errorf("span name = %q, want step_end", span.Name())
	}

	checks := []struct {
		key  string
		want string
	}{
		{"flowcore.execution_id", "exe-001"},
		{"flowcore.execution.status", "running"},
		{"flowcore.node_id", "fetch"},
		{"flowcore.node_kind", "code"},
	}
	for _, c := range checks {
		v, ok := spanAttr(span, c.key)
		if !ok || v.AsString() != c.want {
			t.Errorf("attribute %s = %v (found=%v), want %q", c.key, v.Emit(), ok, c.want)
		}
	}

	if v, ok := spanAttr(span, "flowcore.step"); !ok || v.AsInt64() != 3 {
		t.Errorf("flowcore.step = %v, want 3", v.Emit())
	}
	if v, ok := spanAttr(span, "flowcore.step.duration_ms"); !ok || v.AsInt64() != 42 {
		t.Errorf("flowcore.step.duration_ms = %v, want 42", v.Emit())
	}
	// time.Duration meta lands as milliseconds.
	if v, ok := spanAttr(span, "elapsed"); !ok || v.AsInt64() != 1500 {
		t.Errorf("elapsed = %v, want 1500", v.Emit())
	}
	if span.Status().Code == codes.Error {
		t.Error("span marked error without an error meta key")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	emitter, sr := newRecordedEmitter(t)

	emitter.Emit(Event{
		ExecutionID: "exe-002",
		Step:        1,
		NodeID:      "charge",
		Msg:         "step_failed",
		Meta:        map[string]interface{}{"error": "card declined"},
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Status().Code != codes.Error || span.Status().Description != "card declined" {
		t.Errorf("status = %+v, want error with description", span.Status())
	}
	if len(span.Events()) == 0 {
		t.Error("no recorded error event on span")
	}
}

func TestOTelEmitterBatch(t *testing.T) {
	emitter, sr := newRecordedEmitter(t)

	events := []Event{
		{ExecutionID: "exe-003", Step: 1, NodeID: "a", Msg: "step_start"},
		{ExecutionID: "exe-003", Step: 1, NodeID: "a", Msg: "step_end"},
		{ExecutionID: "exe-003", Step: 2, NodeID: "b", Msg: "step_start"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch() = %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 3 {
		t.Fatalf("recorded %d spans, want 3", len(spans))
	}
	for i, span := range spans {
		if span.Name() != events[i].Msg {
			t.Errorf("span[%d] = %q, want %q", i, span.Name(), events[i].Msg)
		}
	}
}

func TestOTelEmitterFlushWithoutSDKProvider(t *testing.T) {
	// The default global provider is a noop without ForceFlush; Flush
	// must still succeed.
	emitter, _ := newRecordedEmitter(t)
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush() = %v, want nil", err)
	}
}
