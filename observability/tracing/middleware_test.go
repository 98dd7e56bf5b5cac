package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestSpanMiddleware_CreatesSpan(t *testing.T) {
	exporter := setupTestProvider(t)

	handler := SpanMiddleware("/on-event")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/on-event", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "POST /on-event" {
		t.Errorf("expected span name 'POST /on-event', got %q", spans[0].Name)
	}
}

func TestSpanMiddleware_MarksErrors(t *testing.T) {
	exporter := setupTestProvider(t)

	handler := SpanMiddleware("/is-complete")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/is-complete", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "error" && attr.Value.AsBool() {
			found = true
		}
	}
	if !found {
		t.Error("expected error attribute on 400 span")
	}
}

func TestSpanMiddleware_ContinuesIncomingTrace(t *testing.T) {
	exporter := setupTestProvider(t)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	handler := SpanMiddleware("/on-event")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/on-event", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want the incoming one", got)
	}
}

func TestStatusRecorder_WriteHeaderOnce(t *testing.T) {
	rw := &StatusRecorder{ResponseWriter: httptest.NewRecorder(), Status: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusBadRequest) // ignored

	if rw.Status != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rw.Status)
	}
}

func TestStatusRecorder_DefaultOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &StatusRecorder{ResponseWriter: rec, Status: http.StatusOK}
	_, _ = rw.Write([]byte("ok"))
	if rw.Status != http.StatusOK || rec.Code != http.StatusOK {
		t.Errorf("status = %d / %d", rw.Status, rec.Code)
	}
}
