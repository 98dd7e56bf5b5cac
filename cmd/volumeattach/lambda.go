package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/GoCodeAlone/volumeattach/lifecycle"
	"github.com/GoCodeAlone/volumeattach/platform"
)

func runLambda(args []string) error {
	fs := flag.NewFlagSet("lambda", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config YAML (or VOLUMEATTACH_CONFIG)")
	handler := fs.String("handler", os.Getenv("VOLUMEATTACH_HANDLER"), "Handler to run: on-event or is-complete (or VOLUMEATTACH_HANDLER)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: volumeattach lambda [options]\n\nRun a provider-framework handler in the Lambda runtime.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *handler == "" {
		*handler = lifecycle.HandlerOnEvent
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, false, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	fn, err := lambdaHandler(a, *handler)
	if err != nil {
		return err
	}
	a.logger.Info("starting lambda handler", "handler", *handler, "version", version)
	lambda.StartWithOptions(fn, lambda.WithEnableSIGTERM(func() {
		_ = a.Close(context.Background())
	}))
	return nil
}

// lambdaHandler returns the function registered with the Lambda runtime.
func lambdaHandler(a *app, name string) (any, error) {
	switch name {
	case lifecycle.HandlerOnEvent:
		return func(ctx context.Context, event platform.LifecycleEvent) (*platform.OperationResult, error) {
			defer a.FlushMetrics(ctx)
			return a.Dispatcher().OnEvent(withInvocation(ctx, a), &event)
		}, nil
	case lifecycle.HandlerIsComplete:
		return func(ctx context.Context, event platform.LifecycleEvent) (*platform.CompletionResult, error) {
			defer a.FlushMetrics(ctx)
			return a.Dispatcher().IsComplete(withInvocation(ctx, a), &event)
		}, nil
	default:
		return nil, fmt.Errorf("unknown handler %q: want %s or %s", name, lifecycle.HandlerOnEvent, lifecycle.HandlerIsComplete)
	}
}

// withInvocation logs the Lambda request id of the invocation in ctx.
func withInvocation(ctx context.Context, a *app) context.Context {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		a.logger.Debug("lambda invocation", "awsRequestId", lc.AwsRequestID,
			"function", lambdacontext.FunctionName, "version", lambdacontext.FunctionVersion)
	}
	return ctx
}
