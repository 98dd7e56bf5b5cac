package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/GoCodeAlone/volumeattach/config"
	"github.com/GoCodeAlone/volumeattach/lifecycle"
	"github.com/GoCodeAlone/volumeattach/observability"
	"github.com/GoCodeAlone/volumeattach/observability/tracing"
	"github.com/GoCodeAlone/volumeattach/platform"
	awsprovider "github.com/GoCodeAlone/volumeattach/platform/providers/aws"
	"github.com/GoCodeAlone/volumeattach/platform/providers/mock"
	"github.com/GoCodeAlone/volumeattach/platform/state"
)

const defaultStateTable = "volumeattach-operations"

// app holds everything an entry point needs to serve lifecycle events.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logLevel *slog.LevelVar
	metrics  *observability.Collector

	deps       lifecycle.Dependencies
	dispatcher atomic.Pointer[lifecycle.Dispatcher]
	documents  platform.DocumentRegistrar
	healthy    func(context.Context) error
	publisher  *observability.CloudWatchPublisher

	closers []func(context.Context) error
}

// newApp builds the collaborators described by cfg. With dryRun the
// platform is replaced by mocks and nothing leaves the process.
func newApp(ctx context.Context, cfg *config.Config, dryRun bool, logOut io.Writer) (*app, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Logging.Level))
	a := &app{
		cfg:      cfg,
		logger:   newLogger(cfg.Logging.Format, level, logOut),
		logLevel: level,
		metrics:  observability.NewCollector(cfg.Metrics),
		healthy:  func(context.Context) error { return nil },
	}

	var tracer *tracing.HandlerTracer
	if cfg.Tracing.Enabled && !dryRun {
		tp, err := tracing.NewProvider(ctx, tracing.Config{
			Endpoint:       cfg.Tracing.Endpoint,
			ServiceName:    "volumeattach",
			ServiceVersion: version,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		a.closers = append(a.closers, tp.Shutdown)
		tracer = tracing.NewHandlerTracer(tp.Tracer())
	}

	deps := lifecycle.Dependencies{Logger: a.logger, Metrics: a.metrics, Tracer: tracer}
	if dryRun {
		deps.Instances = mock.NewMockInstanceResolver()
		deps.Volumes = mock.NewMockVolumeAttacher()
		deps.Automation = mock.NewMockAutomationRunner()
		a.documents = mock.NewMockDocumentRegistrar()
		a.logger.Info("dry run: platform calls are simulated")
	} else {
		provider := awsprovider.NewProvider()
		opts := awsprovider.Options{
			Region:            cfg.Region,
			Profile:           cfg.Profile,
			RoleARN:           cfg.RoleARN,
			ExternalID:        cfg.ExternalID,
			EnvironmentTagKey: cfg.Attach.EnvironmentTagKey,
			AutomationPoll:    cfg.Automation.PollRate,
		}
		if cfg.State.Driver == config.StateDynamoDB {
			opts.StateTable = cfg.State.Table
			if opts.StateTable == "" {
				opts.StateTable = defaultStateTable
			}
			opts.StateBucket = cfg.State.Bucket
		}
		if err := provider.Initialize(ctx, opts); err != nil {
			return nil, fmt.Errorf("aws provider: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return provider.Close() })
		deps.Instances = provider.Instances()
		deps.Volumes = provider.Volumes()
		deps.Automation = provider.Automation()
		deps.Store = provider.StateStore()
		a.documents = provider.Documents()
		a.healthy = provider.Healthy

		if ns := cfg.Metrics.CloudWatchNamespace; ns != "" {
			a.publisher = observability.NewCloudWatchPublisherFromConfig(provider.Config(), ns,
				map[string]string{"Service": "volumeattach"})
			a.metrics.AddSink(a.publisher)
			a.closers = append(a.closers, a.publisher.Flush)
		}
	}

	if deps.Store == nil {
		store, err := a.openStore(ctx, cfg.State)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		deps.Store = store
	}

	a.deps = deps
	a.dispatcher.Store(lifecycle.NewDispatcher(deps, lifecycleOptions(cfg)))
	return a, nil
}

// openStore opens the local operation store named by sc.
func (a *app) openStore(ctx context.Context, sc config.StateConfig) (platform.OperationStore, error) {
	switch sc.Driver {
	case config.StateSQLite:
		s, err := state.NewSQLiteStore(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil
	case config.StatePostgres:
		s, err := state.NewPostgresStore(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil
	case config.StateRedis:
		s, err := state.NewRedisStore(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil
	default:
		return state.NewMemoryStore(), nil
	}
}

// Dispatcher returns the current dispatcher.
func (a *app) Dispatcher() *lifecycle.Dispatcher {
	return a.dispatcher.Load()
}

// Reload applies the handler settings of cfg. Platform and store settings
// are fixed for the life of the process.
func (a *app) Reload(cfg *config.Config) {
	if cfg.Region != a.cfg.Region || cfg.RoleARN != a.cfg.RoleARN || cfg.State != a.cfg.State {
		a.logger.Warn("region, role and state changes take effect after a restart")
	}
	a.logLevel.Set(parseLevel(cfg.Logging.Level))
	a.dispatcher.Store(lifecycle.NewDispatcher(a.deps, lifecycleOptions(cfg)))
	a.cfg = cfg
	a.logger.Info("handler configuration reloaded",
		"device", cfg.Attach.Device, "document", cfg.Automation.DocumentName, "verify", cfg.Completion.Verify)
}

// FlushMetrics pushes buffered CloudWatch metrics. Failures are logged and
// the datums kept for the next flush.
func (a *app) FlushMetrics(ctx context.Context) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Flush(ctx); err != nil {
		a.logger.Warn("cloudwatch metrics not published", "error", err)
	}
}

// Close releases stores and flushes traces and metrics.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func lifecycleOptions(cfg *config.Config) lifecycle.Options {
	return lifecycle.Options{
		Device:              cfg.Attach.Device,
		DocumentName:        cfg.Automation.DocumentName,
		CompensateOnFailure: cfg.Attach.CompensateOnFailure,
		LockTTL:             cfg.Attach.LockTTL,
		VerifyCompletion:    cfg.Completion.Verify,
	}
}

func newLogger(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
