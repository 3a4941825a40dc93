package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "json", Output: &buf}).With(Unit("vehicle"))

	log.Info(context.Background(), "dropped")
	log.Warn(context.Background(), "step failed", SimTime(1.5), Err(errors.New("boom")), Int64("step", 150))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %s", len(lines), buf.String())
	}
	got := lines[0]
	if got["msg"] != "step failed" || got["unit"] != "vehicle" || got["error"] != "boom" {
		t.Fatalf("line = %v", got)
	}
	if got["sim_time"] != 1.5 || got["step"] != float64(150) {
		t.Fatalf("numeric fields = %v", got)
	}
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Output: &buf})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	log.Info(ctx, "traced")
	log.Info(context.Background(), "untraced")

	lines := decodeLines(t, &buf)
	if lines[0]["trace_id"] != sc.TraceID().String() || lines[0]["span_id"] != sc.SpanID().String() {
		t.Fatalf("traced line = %v", lines[0])
	}
	if _, ok := lines[1]["trace_id"]; ok {
		t.Fatalf("untraced line carries a trace id: %v", lines[1])
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Format: "json", Output: &buf})

	ctx, log := WithRequestLogger(context.Background(), base)
	id := RequestIDFromContext(ctx)
	if id == "" {
		t.Fatalf("request id not generated")
	}
	log.Info(ctx, "handled")
	if got := decodeLines(t, &buf)[0]["request_id"]; got != id {
		t.Fatalf("request_id = %v, want %s", got, id)
	}

	ctx = ContextWithRequestID(context.Background(), "req-1")
	ctx, _ = WithRequestLogger(ctx, nil)
	if RequestIDFromContext(ctx) != "req-1" {
		t.Fatalf("existing request id replaced")
	}

	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("empty context should carry no logger")
	}
	if LoggerFromContext(ContextWithLogger(ctx, base)) != base {
		t.Fatalf("logger not stored on context")
	}
}
