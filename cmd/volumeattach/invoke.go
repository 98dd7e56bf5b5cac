package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/GoCodeAlone/volumeattach/lifecycle"
	"github.com/GoCodeAlone/volumeattach/platform"
)

func runInvoke(args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config YAML (or VOLUMEATTACH_CONFIG)")
	eventPath := fs.String("event", "-", "Path to the event JSON, or - for stdin")
	handler := fs.String("handler", lifecycle.HandlerOnEvent, "Handler to run: on-event or is-complete")
	dryRun := fs.Bool("dry-run", false, "Simulate every platform call")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: volumeattach invoke [options]\n\nHandle one lifecycle event and print the JSON result.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	event, err := readEvent(*eventPath, os.Stdin)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, *dryRun, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	result, err := invoke(ctx, a, *handler, event)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// invoke runs one event through the named handler.
func invoke(ctx context.Context, a *app, handler string, event *platform.LifecycleEvent) (any, error) {
	switch handler {
	case lifecycle.HandlerOnEvent:
		return a.Dispatcher().OnEvent(ctx, event)
	case lifecycle.HandlerIsComplete:
		return a.Dispatcher().IsComplete(ctx, event)
	default:
		return nil, fmt.Errorf("unknown handler %q: want %s or %s", handler, lifecycle.HandlerOnEvent, lifecycle.HandlerIsComplete)
	}
}

func readEvent(path string, stdin io.Reader) (*platform.LifecycleEvent, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	var event platform.LifecycleEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	return &event, nil
}
