package host

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// spansNamed returns the ended spans called name whose session_id is id.
func spansNamed(rec *tracetest.SpanRecorder, name, id string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() != name {
			continue
		}
		for _, kv := range s.Attributes() {
			if kv.Key == "session_id" && kv.Value.AsString() == id {
				out = append(out, s)
			}
		}
	}
	return out
}

func attr(s sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

// Swaps the global tracer provider, so it does not run in parallel.
func TestTracing_SessionSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t, nil)
	desc, _ := f.create(t, CreateOptions{Scenario: "music"})
	id := desc.SessionID

	created := spansNamed(rec, "host.CreateSession", id)
	if len(created) != 1 {
		t.Fatalf("CreateSession spans = %d, want 1", len(created))
	}
	if got := attr(created[0], "scenario"); got != "music" {
		t.Errorf("scenario attribute = %q", got)
	}
	if got := created[0].Status().Code; got == codes.Error {
		t.Errorf("CreateSession status = %v", created[0].Status())
	}

	ctx := context.Background()
	if _, err := f.host.HandleCommand(ctx, id, Control{Action: ActionInterrupt}); err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	if _, err := f.host.HandleCommand(ctx, id, Control{Action: "dance"}); err == nil {
		t.Fatal("invalid control accepted")
	}

	cmds := spansNamed(rec, "host.HandleCommand", id)
	if len(cmds) != 2 {
		t.Fatalf("HandleCommand spans = %d, want 2", len(cmds))
	}
	for _, s := range cmds {
		if got := attr(s, "kind"); got != (Control{}).Kind() {
			t.Errorf("kind attribute = %q", got)
		}
	}
	if cmds[0].Status().Code == codes.Error {
		t.Errorf("successful command span marked failed: %v", cmds[0].Status())
	}
	if cmds[1].Status().Code != codes.Error || cmds[1].Status().Description == "" {
		t.Errorf("failed command span status = %+v", cmds[1].Status())
	}

	// Unknown sessions still produce a failed span carrying the requested id.
	if _, err := f.host.HandleCommand(ctx, "missing", Control{Action: ActionInterrupt}); err == nil {
		t.Fatal("unknown session accepted")
	}
	missing := spansNamed(rec, "host.HandleCommand", "missing")
	if len(missing) != 1 || missing[0].Status().Code != codes.Error {
		t.Errorf("unknown-session spans = %v", missing)
	}
}
