package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder installs an in-memory span recorder as the global provider for
// the duration of the test. Tests using it must not run in parallel.
func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestStartSpan_ServiceScope(t *testing.T) {
	rec := useRecorder(t)

	ctx, span := StartSpan(context.Background(), "host.CreateSession")
	if CorrelationID(ctx) == "" {
		t.Error("no trace id on the span context")
	}
	EndSpan(span, nil)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if got := ended[0].InstrumentationScope().Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
	if got := ended[0].Status().Code; got != codes.Unset {
		t.Errorf("status = %v, want unset", got)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	rec := useRecorder(t)

	_, span := StartSpan(context.Background(), "host.HandleCommand")
	EndSpan(span, errors.New("session_not_found"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	st := ended[0].Status()
	if st.Code != codes.Error || st.Description != "session_not_found" {
		t.Errorf("status = %+v", st)
	}
	var sawException bool
	for _, ev := range ended[0].Events() {
		if ev.Name == "exception" {
			sawException = true
		}
	}
	if !sawException {
		t.Error("error was not recorded as an exception event")
	}
}

func TestCorrelationID_WithoutSpan(t *testing.T) {
	t.Parallel()

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestWithTrace(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("voicebff-test").Start(context.Background(), "stream")
	defer span.End()

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "s-1")

	WithTrace(ctx, base).Info("frame written")
	line := buf.String()
	for _, want := range []string{"session_id=s-1", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}

	buf.Reset()
	if l := WithTrace(context.Background(), base); l != base {
		t.Error("logger without a span should be returned unchanged")
	}
	if WithTrace(context.Background(), nil) == nil {
		t.Error("nil logger should fall back to the default")
	}
}
