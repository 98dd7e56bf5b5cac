package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*HandlerTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewHandlerTracer(tp.Tracer("test")), exporter
}

func TestHandlerTracer_StartEvent(t *testing.T) {
	ht, exporter := newTestTracer(t)

	_, span := ht.StartEvent(context.Background(), "on-event", "Create", "req-1")
	ht.End(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "lifecycle.on-event" {
		t.Errorf("unexpected span name %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[0].Status.Code)
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["volumeattach.request_type"] != "Create" || attrs["volumeattach.request_id"] != "req-1" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestHandlerTracer_CallIsChildOfEvent(t *testing.T) {
	ht, exporter := newTestTracer(t)

	ctx, event := ht.StartEvent(context.Background(), "on-event", "Create", "req-1")
	_, call := ht.StartCall(ctx, "ec2", "AttachVolume")
	ht.End(call, errors.New("denied"))
	ht.End(event, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	callSpan := spans[0]
	if callSpan.Name != "ec2.AttachVolume" {
		t.Fatalf("first ended span = %q", callSpan.Name)
	}
	if callSpan.Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("call span is not a child of the event span")
	}
	if callSpan.Status.Code != codes.Error || callSpan.Status.Description != "denied" {
		t.Errorf("call status = %+v", callSpan.Status)
	}
	if len(callSpan.Events) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestNewHandlerTracer_GlobalFallback(t *testing.T) {
	if NewHandlerTracer(nil).tracer == nil {
		t.Fatal("expected global tracer")
	}
}
