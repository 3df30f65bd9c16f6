// Package observe provides application-wide observability primitives for
// Callbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Callbridge metrics.
const meterName = "github.com/edusignal/callbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BridgeSessionDuration tracks the wall-clock length of a media bridge,
	// from carrier stream start to teardown.
	BridgeSessionDuration metric.Float64Histogram

	// SummaryDuration tracks post-call summary synthesis latency. Use with
	// attribute.String("source", ...) ("remote" or "heuristic").
	SummaryDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts outbound call attempts. Use with attribute:
	//   attribute.String("status", ...) ("placed" or "failed")
	CallsStarted metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ModelErrors counts realtime-model error events. Use with attribute:
	//   attribute.Bool("recoverable", ...)
	ModelErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveBridges tracks the number of live carrier<->model media bridges.
	ActiveBridges metric.Int64UpDownCounter

	// ActiveViewers tracks the number of connected log-viewer websockets
	// across all sessions.
	ActiveViewers metric.Int64UpDownCounter
}

// synthesisBuckets defines histogram bucket boundaries (in seconds) for
// request-shaped latencies like summary synthesis and HTTP handling.
var synthesisBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for whole-call
// durations.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BridgeSessionDuration, err = m.Float64Histogram("callbridge.bridge.session.duration",
		metric.WithDescription("Wall-clock duration of a carrier media bridge."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummaryDuration, err = m.Float64Histogram("callbridge.summary.duration",
		metric.WithDescription("Latency of post-call summary synthesis by source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(synthesisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(synthesisBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("callbridge.calls.started",
		metric.WithDescription("Total outbound call attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("callbridge.tool.calls",
		metric.WithDescription("Total MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("callbridge.model.errors",
		metric.WithDescription("Total realtime-model error events by recoverability."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveBridges, err = m.Int64UpDownCounter("callbridge.active_bridges",
		metric.WithDescription("Number of live carrier media bridges."),
	); err != nil {
		return nil, err
	}
	if met.ActiveViewers, err = m.Int64UpDownCounter("callbridge.active_viewers",
		metric.WithDescription("Number of connected log-viewer websockets."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordCallStart records an outbound call attempt with its outcome.
func (m *Metrics) RecordCallStart(ctx context.Context, status string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordToolCall records an MCP tool invocation with the standard attribute
// set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordModelError records a realtime-model error event.
func (m *Metrics) RecordModelError(ctx context.Context, recoverable bool) {
	m.ModelErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("recoverable", recoverable)),
	)
}

// RecordSummary records a summary synthesis with its source and latency.
func (m *Metrics) RecordSummary(ctx context.Context, source string, seconds float64) {
	m.SummaryDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
