package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestResourceAttributes(t *testing.T) {
	env := map[string]string{
		"AWS_REGION":                  "eu-west-1",
		"AWS_LAMBDA_FUNCTION_NAME":    "volumeattach-on-event",
		"AWS_LAMBDA_FUNCTION_VERSION": "7",
	}
	got := map[string]string{}
	for _, kv := range resourceAttributes(Config{ServiceName: "volumeattach"}, func(k string) string { return env[k] }) {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":   "volumeattach",
		"cloud.provider": "aws",
		"cloud.region":   "eu-west-1",
		"cloud.platform": "aws_lambda",
		"faas.name":      "volumeattach-on-event",
		"faas.version":   "7",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	outside := resourceAttributes(Config{ServiceName: "volumeattach"}, func(string) string { return "" })
	for _, kv := range outside {
		if kv.Key == "faas.name" || kv.Key == "cloud.region" {
			t.Errorf("unexpected %s outside Lambda", kv.Key)
		}
	}
}

func TestProvider_ShutdownNil(t *testing.T) {
	p := &Provider{}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of nil provider should not error: %v", err)
	}
}

func TestNewProvider_InstallsGlobal(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	cfg := Config{ServiceName: "volumeattach", ServiceVersion: "1.2.3"}

	p, err := newProvider(context.Background(), cfg, sdktrace.WithSyncer(exporter))
	if err != nil {
		t.Fatalf("newProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if otel.GetTracerProvider() != p.TracerProvider() {
		t.Error("expected global tracer provider to match")
	}

	_, span := p.Tracer().Start(context.Background(), "probe")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	var service, version string
	for _, kv := range spans[0].Resource.Attributes() {
		switch kv.Key {
		case "service.name":
			service = kv.Value.AsString()
		case "service.version":
			version = kv.Value.AsString()
		}
	}
	if service != "volumeattach" || version != "1.2.3" {
		t.Errorf("resource = %s/%s", service, version)
	}
}

func TestSampler(t *testing.T) {
	for _, tc := range []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	} {
		if got := sampler(tc.rate).Description(); !strings.Contains(got, tc.want) {
			t.Errorf("sampler(%v) = %q, want it to contain %q", tc.rate, got, tc.want)
		}
	}
}
