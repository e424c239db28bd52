// Package observe provides application-wide observability primitives for
// toolmux: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all toolmux metrics.
const meterName = "github.com/toolmux/toolmux"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// ProviderStartDuration tracks how long it takes to connect a tool
	// provider and import its catalogue.
	ProviderStartDuration metric.Float64Histogram

	// AgentBuildDuration tracks agent assembly latency (provider starts
	// included on cache misses).
	AgentBuildDuration metric.Float64Histogram

	// ChatTurnDuration tracks end-to-end chat completion latency.
	ChatTurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderStarts counts tool provider start attempts. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	ProviderStarts metric.Int64Counter

	// ProviderStops counts tool provider stops.
	ProviderStops metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// AgentCacheHits counts agent cache lookups served from cache.
	AgentCacheHits metric.Int64Counter

	// AgentCacheMisses counts agent cache lookups that triggered a build.
	AgentCacheMisses metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("stage", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveProviders tracks the number of currently running tool providers.
	ActiveProviders metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live chat sessions.
	ActiveSessions metric.Int64UpDownCounter

	// CachedAgents tracks the number of agents held in the cache.
	CachedAgents metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// tool-call and chat-turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolExecutionDuration, err = m.Float64Histogram("toolmux.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderStartDuration, err = m.Float64Histogram("toolmux.provider_start.duration",
		metric.WithDescription("Latency of tool provider connect and catalogue import."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentBuildDuration, err = m.Float64Histogram("toolmux.agent_build.duration",
		metric.WithDescription("Latency of agent assembly on cache misses."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatTurnDuration, err = m.Float64Histogram("toolmux.chat_turn.duration",
		metric.WithDescription("End-to-end chat completion latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderStarts, err = m.Int64Counter("toolmux.provider.starts",
		metric.WithDescription("Total tool provider start attempts by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderStops, err = m.Int64Counter("toolmux.provider.stops",
		metric.WithDescription("Total tool provider stops."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("toolmux.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.AgentCacheHits, err = m.Int64Counter("toolmux.agent_cache.hits",
		metric.WithDescription("Agent cache lookups served from cache."),
	); err != nil {
		return nil, err
	}
	if met.AgentCacheMisses, err = m.Int64Counter("toolmux.agent_cache.misses",
		metric.WithDescription("Agent cache lookups that triggered a build."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("toolmux.provider.errors",
		metric.WithDescription("Total tool provider failures by kind and stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveProviders, err = m.Int64UpDownCounter("toolmux.active_providers",
		metric.WithDescription("Number of currently running tool providers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("toolmux.active_sessions",
		metric.WithDescription("Number of live chat sessions."),
	); err != nil {
		return nil, err
	}
	if met.CachedAgents, err = m.Int64UpDownCounter("toolmux.cached_agents",
		metric.WithDescription("Number of agents currently held in the cache."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolmux.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderStart records a provider start attempt with the standard
// attribute set.
func (m *Metrics) RecordProviderStart(ctx context.Context, kind, status string) {
	m.ProviderStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider failure with the standard attribute
// set. stage distinguishes where the failure happened (e.g. "connect",
// "list_tools", "call").
func (m *Metrics) RecordProviderError(ctx context.Context, kind, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("stage", stage),
		),
	)
}
