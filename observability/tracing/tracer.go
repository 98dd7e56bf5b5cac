package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/GoCodeAlone/volumeattach"

// Attribute keys set on lifecycle spans.
const (
	AttrHandler     = attribute.Key("volumeattach.handler")
	AttrRequestType = attribute.Key("volumeattach.request_type")
	AttrRequestID   = attribute.Key("volumeattach.request_id")
	AttrPhysicalID  = attribute.Key("volumeattach.physical_id")
	AttrService     = attribute.Key("volumeattach.service")
	AttrOperation   = attribute.Key("volumeattach.operation")
)

// HandlerTracer opens spans around lifecycle events and the platform calls
// made while handling them.
type HandlerTracer struct {
	tracer trace.Tracer
}

// NewHandlerTracer creates a HandlerTracer. If tracer is nil, the global
// tracer provider is used.
func NewHandlerTracer(tracer trace.Tracer) *HandlerTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	return &HandlerTracer{tracer: tracer}
}

// StartEvent begins a span for one lifecycle event.
func (h *HandlerTracer) StartEvent(ctx context.Context, handler, requestType, requestID string) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, "lifecycle."+handler,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrHandler.String(handler),
			AttrRequestType.String(requestType),
			AttrRequestID.String(requestID),
		),
	)
}

// StartCall begins a client span for one platform call, e.g. ("ec2", "AttachVolume").
func (h *HandlerTracer) StartCall(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, service+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrService.String(service),
			AttrOperation.String(operation),
		),
	)
}

// End closes span, recording err when non-nil.
func (h *HandlerTracer) End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
