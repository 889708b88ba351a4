// Package observe provides the observability primitives of Lectern:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter installed by [InitProvider]. Tests should build
// their own [Metrics] with [NewMetrics] and a private [metric.MeterProvider]
// instead of using [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lectern metrics.
const meterName = "github.com/MrWong99/lectern"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turns ---

	// TurnDuration tracks submit-to-terminal latency of a chat turn. Use with
	// attributes scope_type and status.
	TurnDuration metric.Float64Histogram

	// Turns counts finished turns by scope_type and terminal status
	// (done, aborted, failed, rejected).
	Turns metric.Int64Counter

	// ActiveTurns tracks turns that are past admission and not yet terminal.
	ActiveTurns metric.Int64UpDownCounter

	// QueuedTurns tracks turns waiting behind another turn of the same scope.
	QueuedTurns metric.Int64UpDownCounter

	// GenerationDuration tracks the streaming generation phase.
	GenerationDuration metric.Float64Histogram

	// --- Context assembly ---

	// ContextStrategies counts assembled contexts by strategy (full, retrieve).
	ContextStrategies metric.Int64Counter

	// DegradedContexts counts contexts built without retrieval because the
	// semantic index was unavailable.
	DegradedContexts metric.Int64Counter

	// RetrievalDuration tracks similarity search latency including the query
	// embedding. Use with attribute status.
	RetrievalDuration metric.Float64Histogram

	// --- Indexing ---

	// EmbeddingBatches counts embed-and-upsert batches by status.
	EmbeddingBatches metric.Int64Counter

	// IndexedChunks counts chunks written to the semantic index.
	IndexedChunks metric.Int64Counter

	// ActiveLectures tracks lectures with a live transcript.
	ActiveLectures metric.Int64UpDownCounter

	// --- Providers ---

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// route pattern.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for search
// and HTTP latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// generationBuckets covers streamed replies that run up to the generation
// timeout.
var generationBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("lectern.turn.duration",
		metric.WithDescription("Latency from submission to terminal state of a chat turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(generationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("lectern.generation.duration",
		metric.WithDescription("Latency of the streaming generation phase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(generationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("lectern.retrieval.duration",
		metric.WithDescription("Latency of query embedding plus similarity search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("lectern.turns",
		metric.WithDescription("Chat turns by scope type and terminal status."),
	); err != nil {
		return nil, err
	}
	if met.ContextStrategies, err = m.Int64Counter("lectern.context.strategies",
		metric.WithDescription("Assembled contexts by inclusion strategy."),
	); err != nil {
		return nil, err
	}
	if met.DegradedContexts, err = m.Int64Counter("lectern.context.degraded",
		metric.WithDescription("Contexts assembled from the transcript tail only because retrieval was unavailable."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingBatches, err = m.Int64Counter("lectern.indexer.batches",
		metric.WithDescription("Embed-and-upsert batches by status."),
	); err != nil {
		return nil, err
	}
	if met.IndexedChunks, err = m.Int64Counter("lectern.indexer.chunks",
		metric.WithDescription("Chunks written to the semantic index."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("lectern.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lectern.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("lectern.turns.active",
		metric.WithDescription("Turns currently assembling, generating or committing."),
	); err != nil {
		return nil, err
	}
	if met.QueuedTurns, err = m.Int64UpDownCounter("lectern.turns.queued",
		metric.WithDescription("Turns waiting for an earlier turn of the same scope."),
	); err != nil {
		return nil, err
	}
	if met.ActiveLectures, err = m.Int64UpDownCounter("lectern.lectures.active",
		metric.WithDescription("Lectures with a live transcript."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("lectern.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// RecordTurn records a finished turn with its total duration.
func (m *Metrics) RecordTurn(ctx context.Context, scopeType, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("scope_type", scopeType),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStrategy records the inclusion strategy of an assembled context.
func (m *Metrics) RecordStrategy(ctx context.Context, scopeType, strategy string) {
	m.ContextStrategies.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("scope_type", scopeType),
			attribute.String("strategy", strategy),
		),
	)
}

// RecordDegradedContext records one context assembled without retrieval.
func (m *Metrics) RecordDegradedContext(ctx context.Context, scopeType string) {
	m.DegradedContexts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scope_type", scopeType)),
	)
}

// RecordRetrieval records a similarity search.
func (m *Metrics) RecordRetrieval(ctx context.Context, status string, d time.Duration) {
	m.RetrievalDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEmbeddingBatch records one embed-and-upsert batch. chunks is only
// counted for successful batches.
func (m *Metrics) RecordEmbeddingBatch(ctx context.Context, status string, chunks int) {
	m.EmbeddingBatches.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	if status == "ok" && chunks > 0 {
		m.IndexedChunks.Add(ctx, int64(chunks))
	}
}

// RecordProviderRequest records a provider request counter increment.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
