package observability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("COSIM_TRACE_EXPORTER", "")
	t.Setenv("COSIM_TRACE_SAMPLE_RATIO", "")
	t.Setenv("COSIM_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if cfg.Enabled() || cfg.Exporter != ExporterNone {
		t.Fatalf("tracing should default to off, got %+v", cfg)
	}
	if cfg.Endpoint != "collector:4317" || cfg.SampleRatio != 1 || cfg.ServiceName != "vehicle-cosim" {
		t.Fatalf("defaults = %+v", cfg)
	}

	t.Setenv("COSIM_TRACE_EXPORTER", " OTLP ")
	t.Setenv("COSIM_TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("COSIM_OTLP_ENDPOINT", "otel:4317")
	cfg = TracingConfigFromEnv()
	if cfg.Exporter != ExporterOTLP || cfg.SampleRatio != 0.25 || cfg.Endpoint != "otel:4317" {
		t.Fatalf("overrides = %+v", cfg)
	}

	t.Setenv("COSIM_TRACE_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out of range ratio should be ignored, got %v", got)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: ExporterNone}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "jaeger"}, nil); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestFileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	cfg := TracingConfig{Exporter: ExporterFile, File: path, ServiceName: "test", SampleRatio: 1, RunID: "run-7"}
	shutdown, err := InitTracing(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "macro-step")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if !strings.Contains(string(data), "macro-step") || !strings.Contains(string(data), "run-7") {
		t.Fatalf("trace file missing span or run id:\n%s", data)
	}
}
