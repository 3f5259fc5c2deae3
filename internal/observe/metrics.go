// Package observe provides application-wide observability primitives for
// voicebff: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicebff metrics.
const meterName = "github.com/MrWong99/voicebff"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// SessionsCreated counts successful session creations. Attributes:
	//   attribute.String("scenario", ...)
	SessionsCreated metric.Int64Counter

	// SessionsClosed counts destroyed sessions. Attributes:
	//   attribute.String("reason", ...), attribute.String("initiated_by", ...)
	SessionsClosed metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSubscribers tracks stream subscribers across all sessions.
	ActiveSubscribers metric.Int64UpDownCounter

	// ConnectDuration tracks how long opening an agent transport takes.
	ConnectDuration metric.Float64Histogram

	// --- Commands ---

	// Commands counts client commands. Attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	Commands metric.Int64Counter

	// RateLimited counts commands rejected by the session rate limiter.
	RateLimited metric.Int64Counter

	// --- Agent events ---

	// TransportErrors counts normalized transport error events. Attributes:
	//   attribute.String("code", ...)
	TransportErrors metric.Int64Counter

	// GuardrailTrips counts blocked agent responses. Attributes:
	//   attribute.String("guardrail", ...)
	GuardrailTrips metric.Int64Counter

	// BroadcastMessages counts messages published to session streams.
	// Attributes: attribute.String("event", ...)
	BroadcastMessages metric.Int64Counter

	// --- Hotwords ---

	// HotwordOutcomes counts transcript classifications. Attributes:
	//   attribute.String("outcome", "match"|"invalid"|"reminder")
	HotwordOutcomes metric.Int64Counter

	// ScenarioSwitches counts cross-scenario voice commands. Attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ScenarioSwitches metric.Int64Counter

	// --- Backends ---

	// MemoryOperations counts conversation memory calls. Attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	MemoryOperations metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup and request handling.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.SessionsCreated, "voicebff.sessions.created", "Total sessions created by scenario."},
		{&met.SessionsClosed, "voicebff.sessions.closed", "Total sessions closed by reason and initiator."},
		{&met.Commands, "voicebff.commands", "Total client commands by kind and outcome."},
		{&met.RateLimited, "voicebff.commands.rate_limited", "Total commands rejected by the rate limiter."},
		{&met.TransportErrors, "voicebff.transport.errors", "Total agent transport errors by code."},
		{&met.GuardrailTrips, "voicebff.guardrail.trips", "Total agent responses blocked by a guardrail."},
		{&met.BroadcastMessages, "voicebff.broadcast.messages", "Total messages published to session streams by event."},
		{&met.HotwordOutcomes, "voicebff.hotword.outcomes", "Total transcripts classified by hotword outcome."},
		{&met.ScenarioSwitches, "voicebff.scenario.switches", "Total scenario switches requested by voice."},
		{&met.MemoryOperations, "voicebff.memory.operations", "Total conversation memory operations by op and status."},
		{&met.BreakerTransitions, "voicebff.breaker.transitions", "Total circuit breaker state changes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebff.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("voicebff.active_subscribers",
		metric.WithDescription("Number of stream subscribers across all sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voicebff.transport.connect.duration",
		metric.WithDescription("Latency of opening an agent transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebff.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionCreated increments SessionsCreated and ActiveSessions.
func (m *Metrics) RecordSessionCreated(ctx context.Context, scenario string) {
	m.SessionsCreated.Add(ctx, 1, metric.WithAttributes(Attr("scenario", scenario)))
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionClosed increments SessionsClosed and decrements ActiveSessions.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason, initiatedBy string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(
		Attr("reason", reason),
		Attr("initiated_by", initiatedBy),
	))
	m.ActiveSessions.Add(ctx, -1)
}

// RecordCommand records a client command outcome.
func (m *Metrics) RecordCommand(ctx context.Context, kind, outcome string) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(
		Attr("kind", kind),
		Attr("outcome", outcome),
	))
}

// RecordConnect records the duration of a transport connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, status string) {
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// RecordTransportError increments TransportErrors.
func (m *Metrics) RecordTransportError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(Attr("code", code)))
}

// RecordGuardrailTrip increments GuardrailTrips.
func (m *Metrics) RecordGuardrailTrip(ctx context.Context, guardrail string) {
	m.GuardrailTrips.Add(ctx, 1, metric.WithAttributes(Attr("guardrail", guardrail)))
}

// RecordHotword increments HotwordOutcomes.
func (m *Metrics) RecordHotword(ctx context.Context, outcome string) {
	m.HotwordOutcomes.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordScenarioSwitch increments ScenarioSwitches.
func (m *Metrics) RecordScenarioSwitch(ctx context.Context, from, to string) {
	m.ScenarioSwitches.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordBroadcast increments BroadcastMessages.
func (m *Metrics) RecordBroadcast(ctx context.Context, event string) {
	m.BroadcastMessages.Add(ctx, 1, metric.WithAttributes(Attr("event", event)))
}

// RecordMemoryOp increments MemoryOperations.
func (m *Metrics) RecordMemoryOp(ctx context.Context, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MemoryOperations.Add(ctx, 1, metric.WithAttributes(Attr("op", op), Attr("status", status)))
}

// RecordBreakerTransition increments BreakerTransitions.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("breaker", breaker), Attr("state", state)))
}
