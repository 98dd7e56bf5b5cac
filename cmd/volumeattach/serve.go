package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/GoCodeAlone/volumeattach/config"
	"github.com/GoCodeAlone/volumeattach/lifecycle"
	"github.com/GoCodeAlone/volumeattach/observability/tracing"
	"github.com/GoCodeAlone/volumeattach/platform"
	"github.com/GoCodeAlone/volumeattach/platform/middleware"
)

// maxEventBytes bounds a request body; provider-framework events are small.
const maxEventBytes = 1 << 20

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config YAML (or VOLUMEATTACH_CONFIG)")
	addr := fs.String("addr", "", "HTTP listen address (default from config)")
	dryRun := fs.Bool("dry-run", false, "Simulate every platform call")
	watch := fs.Bool("watch", false, "Reload handler settings when the config file changes")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: volumeattach serve [options]\n\nServe the lifecycle handlers over HTTP.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, *dryRun, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	path := *configPath
	if path == "" {
		path = os.Getenv("VOLUMEATTACH_CONFIG")
	}
	if *watch && path != "" {
		w := config.NewWatcher(config.NewFileSource(path), func(evt config.ChangeEvent) {
			a.Reload(evt.Config)
		}, config.WithWatchLogger(a.logger))
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newServer(a).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", srv.Addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// server exposes the dispatcher over HTTP. Concurrent deliveries of the
// same request are collapsed into one handler call.
type server struct {
	app   *app
	group singleflight.Group
}

func newServer(a *app) *server {
	return &server{app: a}
}

func (s *server) routes() http.Handler {
	auth := middleware.BearerAuth(s.app.cfg.Server.AuthToken)
	mux := http.NewServeMux()
	mux.Handle("POST /on-event", s.instrument("/on-event", auth(http.HandlerFunc(s.handleOnEvent))))
	mux.Handle("POST /is-complete", s.instrument("/is-complete", auth(http.HandlerFunc(s.handleIsComplete))))
	mux.Handle("GET /healthz", s.instrument("/healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", s.app.metrics.Handler())
	return mux
}

// instrument wraps h with a server span and request metrics.
func (s *server) instrument(route string, h http.Handler) http.Handler {
	traced := tracing.SpanMiddleware(route)(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &tracing.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		traced.ServeHTTP(rec, r)
		s.app.metrics.RecordHTTPRequest(r.Method, route, rec.Status, time.Since(start))
	})
}

func (s *server) handleOnEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := s.decode(w, r)
	if !ok {
		return
	}
	v, err, shared := s.group.Do(flightKey(lifecycle.HandlerOnEvent, event), func() (any, error) {
		return s.app.Dispatcher().OnEvent(context.WithoutCancel(r.Context()), event)
	})
	s.respond(w, v, err, shared, event)
}

func (s *server) handleIsComplete(w http.ResponseWriter, r *http.Request) {
	event, ok := s.decode(w, r)
	if !ok {
		return
	}
	v, err, shared := s.group.Do(flightKey(lifecycle.HandlerIsComplete, event), func() (any, error) {
		return s.app.Dispatcher().IsComplete(r.Context(), event)
	})
	s.respond(w, v, err, shared, event)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.healthy(r.Context()); err != nil {
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func (s *server) decode(w http.ResponseWriter, r *http.Request) (*platform.LifecycleEvent, bool) {
	var event platform.LifecycleEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&event); err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return nil, false
	}
	return &event, true
}

func (s *server) respond(w http.ResponseWriter, v any, err error, shared bool, event *platform.LifecycleEvent) {
	if shared {
		s.app.logger.Debug("duplicate delivery collapsed", slog.String("requestId", event.RequestID))
	}
	if err != nil {
		middleware.WriteJSONError(w, middleware.ErrorStatus(err), err.Error())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, v)
}

// flightKey identifies one delivery of an event. Events without a request
// id are never collapsed.
func flightKey(handler string, event *platform.LifecycleEvent) string {
	if event.RequestID == "" {
		return fmt.Sprintf("%s/%p", handler, event)
	}
	return handler + "/" + string(event.RequestType) + "/" + event.RequestID + "/" + event.PhysicalResourceID
}
