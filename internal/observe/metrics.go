// Package observe provides application-wide observability primitives for
// Quill: OpenTelemetry metrics and the Prometheus scrape endpoint.
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

// meterName is the instrumentation scope name used for all Quill metrics.
const meterName = "github.com/openquill/quill"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// GenerationDuration tracks the end-to-end latency of one generation,
	// from batch close to final persisted response.
	GenerationDuration metric.Float64Histogram

	// LLMStreamDuration tracks the latency of a single model stream call.
	LLMStreamDuration metric.Float64Histogram

	// STTDuration tracks voice-note transcription latency.
	STTDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Generations counts completed generations. Use with attributes:
	//   attribute.String("stop_reason", ...), attribute.String("model", ...)
	Generations metric.Int64Counter

	// Cancellations counts interrupted generations. Use with attribute:
	//   attribute.String("reason", ...) — "new_message", "stop_command", "shutdown"
	Cancellations metric.Int64Counter

	// MessagesIngested counts inbound messages by content kind. Use with
	// attribute: attribute.String("kind", ...) — "text", "voice", "photo", ...
	MessagesIngested metric.Int64Counter

	// DisplayEdits counts streaming message edits sent to the platform.
	DisplayEdits metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TokensUsed counts model tokens. Use with attributes:
	//   attribute.String("model", ...), attribute.String("kind", ...) —
	//   "input", "output", "cache_read", "cache_write"
	TokensUsed metric.Int64Counter

	// CostCharged accumulates charged USD. Use with attributes:
	//   attribute.String("kind", ...) — "tokens", "image", "transcription", ...
	CostCharged metric.Float64Counter

	// --- Gauges ---

	// ActiveGenerations tracks the number of in-flight generations.
	ActiveGenerations metric.Int64UpDownCounter

	// OpenBatches tracks the number of batch windows currently open.
	OpenBatches metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second tool calls and multi-minute generations.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("quill.generation.duration",
		metric.WithDescription("End-to-end latency of one generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMStreamDuration, err = m.Float64Histogram("quill.llm.stream.duration",
		metric.WithDescription("Latency of a single model stream call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("quill.stt.duration",
		metric.WithDescription("Latency of voice-note transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("quill.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Generations, err = m.Int64Counter("quill.generations",
		metric.WithDescription("Completed generations by stop reason and model."),
	); err != nil {
		return nil, err
	}
	if met.Cancellations, err = m.Int64Counter("quill.cancellations",
		metric.WithDescription("Interrupted generations by reason."),
	); err != nil {
		return nil, err
	}
	if met.MessagesIngested, err = m.Int64Counter("quill.messages.ingested",
		metric.WithDescription("Inbound messages by content kind."),
	); err != nil {
		return nil, err
	}
	if met.DisplayEdits, err = m.Int64Counter("quill.display.edits",
		metric.WithDescription("Streaming message edits sent to the platform."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("quill.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("quill.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("quill.tokens.used",
		metric.WithDescription("Model tokens by model and token kind."),
	); err != nil {
		return nil, err
	}
	if met.CostCharged, err = m.Float64Counter("quill.cost.charged",
		metric.WithDescription("Charged USD by charge kind."),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveGenerations, err = m.Int64UpDownCounter("quill.active_generations",
		metric.WithDescription("Number of in-flight generations."),
	); err != nil {
		return nil, err
	}
	if met.OpenBatches, err = m.Int64UpDownCounter("quill.open_batches",
		metric.WithDescription("Number of batch windows currently open."),
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

// RecordProviderError records a provider error counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordUsage records token usage for a model, one increment per token kind.
func (m *Metrics) RecordUsage(ctx context.Context, model string, kinds map[string]int64) {
	for kind, n := range kinds {
		if n == 0 {
			continue
		}
		m.TokensUsed.Add(ctx, n,
			metric.WithAttributes(
				attribute.String("model", model),
				attribute.String("kind", kind),
			),
		)
	}
}
