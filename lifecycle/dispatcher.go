// Package lifecycle handles custom resource lifecycle events: it routes
// Create, Update and Delete to the attach handler and answers completion
// polls for in-flight mount automations.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/volumeattach/observability"
	"github.com/GoCodeAlone/volumeattach/observability/tracing"
	"github.com/GoCodeAlone/volumeattach/platform"
	"github.com/GoCodeAlone/volumeattach/platform/state"
)

// Handler names used in logs, spans and metric labels.
const (
	HandlerOnEvent    = "on-event"
	HandlerIsComplete = "is-complete"
)

// Dependencies are the collaborators a Dispatcher drives. Store, Logger,
// Metrics and Tracer are optional.
type Dependencies struct {
	Instances  platform.InstanceResolver
	Volumes    platform.VolumeAttacher
	Automation platform.AutomationRunner
	Store      platform.OperationStore

	Logger  *slog.Logger
	Metrics *observability.Collector
	Tracer  *tracing.HandlerTracer
}

// Options tune the attach handler and completion poller.
type Options struct {
	// Device is the block device name the volume is attached at. It must
	// match the device the mount document formats.
	Device string

	// DocumentName is the automation document started after the attach.
	DocumentName string

	// CompensateOnFailure detaches a volume attached in this invocation
	// when the automation cannot be started.
	CompensateOnFailure bool

	// LockTTL bounds how long a Create holds the per-volume lock.
	LockTTL time.Duration

	// VerifyCompletion makes IsComplete consult the automation status.
	// When false every well-formed event reports complete.
	VerifyCompletion bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Device:              platform.DefaultDevice,
		DocumentName:        platform.DefaultDocumentName,
		CompensateOnFailure: true,
		LockTTL:             2 * time.Minute,
		VerifyCompletion:    true,
	}
}

// Dispatcher is the entry point for both provider-framework handlers.
type Dispatcher struct {
	attach *AttachHandler
	poller *CompletionPoller
	inst   instrumentation
}

// NewDispatcher wires an attach handler and completion poller over deps.
// A nil Store is replaced by a process-local memory store.
func NewDispatcher(deps Dependencies, opts Options) *Dispatcher {
	if deps.Store == nil {
		deps.Store = state.NewMemoryStore()
	}
	inst := newInstrumentation(deps)
	return &Dispatcher{
		attach: newAttachHandler(deps, opts, inst),
		poller: newCompletionPoller(deps, opts, inst),
		inst:   inst,
	}
}

// OnEvent logs the raw event and routes it by request type.
func (d *Dispatcher) OnEvent(ctx context.Context, event *platform.LifecycleEvent) (result *platform.OperationResult, err error) {
	d.inst.logger.Info("lifecycle event received", "handler", HandlerOnEvent, "event", event)

	start := time.Now()
	ctx, span := d.inst.tracer.StartEvent(ctx, HandlerOnEvent, string(event.RequestType), event.RequestID)
	defer func() {
		d.inst.tracer.End(span, err)
		d.inst.metrics.RecordEvent(HandlerOnEvent, string(event.RequestType), err, time.Since(start))
		if err != nil {
			d.inst.logger.Error("lifecycle event failed", "requestType", event.RequestType,
				"requestId", event.RequestID, "error", err)
		}
	}()

	switch event.RequestType {
	case platform.RequestCreate:
		return d.attach.Create(ctx, event)
	case platform.RequestUpdate:
		return d.attach.Update(ctx, event)
	case platform.RequestDelete:
		return d.attach.Delete(ctx, event)
	default:
		return nil, &platform.InvalidRequestTypeError{RequestType: string(event.RequestType)}
	}
}

// IsComplete reports whether the operation started by a prior OnEvent has
// finished.
func (d *Dispatcher) IsComplete(ctx context.Context, event *platform.LifecycleEvent) (result *platform.CompletionResult, err error) {
	d.inst.logger.Debug("completion poll received", "handler", HandlerIsComplete, "event", event)

	start := time.Now()
	ctx, span := d.inst.tracer.StartEvent(ctx, HandlerIsComplete, string(event.RequestType), event.RequestID)
	defer func() {
		d.inst.tracer.End(span, err)
		d.inst.metrics.RecordEvent(HandlerIsComplete, string(event.RequestType), err, time.Since(start))
	}()

	if !event.RequestType.Valid() {
		return nil, &platform.InvalidRequestTypeError{RequestType: string(event.RequestType)}
	}
	return d.poller.IsComplete(ctx, event)
}

// instrumentation bundles the logger, metrics and tracer shared by the
// handlers. The collector is nil-safe.
type instrumentation struct {
	logger  *slog.Logger
	metrics *observability.Collector
	tracer  *tracing.HandlerTracer
}

func newInstrumentation(deps Dependencies) instrumentation {
	inst := instrumentation{logger: deps.Logger, metrics: deps.Metrics, tracer: deps.Tracer}
	if inst.logger == nil {
		inst.logger = slog.Default()
	}
	if inst.tracer == nil {
		inst.tracer = tracing.NewHandlerTracer(nil)
	}
	return inst
}

// call runs fn inside a client span and counts it.
func (i instrumentation) call(ctx context.Context, service, operation string, fn func(context.Context) error) error {
	ctx, span := i.tracer.StartCall(ctx, service, operation)
	err := fn(ctx)
	i.tracer.End(span, err)
	i.metrics.RecordPlatformCall(service, operation, err)
	return err
}
