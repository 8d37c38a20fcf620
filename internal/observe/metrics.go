// Package observe provides application-wide observability primitives for
// bcj: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bcj metrics.
const meterName = "github.com/MrWong99/bcj"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// OperationDuration tracks index cache operation latency. Attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	OperationDuration metric.Float64Histogram

	// Operations counts index cache operations by op and status.
	Operations metric.Int64Counter

	// EmbeddingDuration tracks embedding provider latency. Attributes:
	//   attribute.String("kind", "single"|"batch"), attribute.String("status", ...)
	EmbeddingDuration metric.Float64Histogram

	// IndexRebuilds counts full index rebuilds. Attributes:
	//   attribute.String("reason", ...), attribute.String("outcome", "ok"|"error")
	IndexRebuilds metric.Int64Counter

	// IndexAppends counts single-point appends.
	IndexAppends metric.Int64Counter

	// IndexPoints tracks the number of points held across all tenant indexes.
	IndexPoints metric.Int64UpDownCounter

	// Tenants tracks the number of tenants known to the cache.
	Tenants metric.Int64UpDownCounter

	// StaleTenants tracks tenants whose index is waiting for repair.
	StaleTenants metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning an in-memory
// query at the low end to a remote batch embedding at the high end.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.OperationDuration, err = m.Float64Histogram("bcj.operation.duration",
		metric.WithDescription("Latency of index cache operations by op and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("bcj.embedding.duration",
		metric.WithDescription("Latency of embedding provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("bcj.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Operations, err = m.Int64Counter("bcj.operations",
		metric.WithDescription("Total index cache operations by op and status."),
	); err != nil {
		return nil, err
	}
	if met.IndexRebuilds, err = m.Int64Counter("bcj.index.rebuilds",
		metric.WithDescription("Total index rebuilds from the store by reason and outcome."),
	); err != nil {
		return nil, err
	}
	if met.IndexAppends, err = m.Int64Counter("bcj.index.appends",
		metric.WithDescription("Total single-point index appends."),
	); err != nil {
		return nil, err
	}

	if met.IndexPoints, err = m.Int64UpDownCounter("bcj.index.size",
		metric.WithDescription("Number of points held across all tenant indexes."),
	); err != nil {
		return nil, err
	}
	if met.Tenants, err = m.Int64UpDownCounter("bcj.tenants",
		metric.WithDescription("Number of tenants known to the index cache."),
	); err != nil {
		return nil, err
	}
	if met.StaleTenants, err = m.Int64UpDownCounter("bcj.index.stale",
		metric.WithDescription("Number of tenant indexes awaiting repair."),
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
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordOperation records one finished index cache operation.
func (m *Metrics) RecordOperation(ctx context.Context, op, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	)
	m.Operations.Add(ctx, 1, attrs)
	m.OperationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordEmbedding records one embedding provider call.
func (m *Metrics) RecordEmbedding(ctx context.Context, kind, status string, d time.Duration) {
	m.EmbeddingDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordRebuild records one index rebuild attempt.
func (m *Metrics) RecordRebuild(ctx context.Context, reason, outcome string) {
	m.IndexRebuilds.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("outcome", outcome),
		),
	)
}
