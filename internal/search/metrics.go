package search

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const searchInstrumentationName = "github.com/fyrsmithlabs/ragd/internal/search"

// Metrics holds search-related metrics.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	searches    metric.Int64Counter
	resultCount metric.Int64Histogram
	degraded    metric.Int64Counter
	reranks     metric.Int64Counter
}

// NewMetrics creates a Metrics instance for the search engine.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(searchInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.searches, err = m.meter.Int64Counter(
		"ragd.search.requests_total",
		metric.WithDescription("Total similarity search requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create searches counter", zap.Error(err))
	}

	m.resultCount, err = m.meter.Int64Histogram(
		"ragd.search.result_count",
		metric.WithDescription("Merged post-filter result count per search"),
		metric.WithUnit("{result}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		m.logger.Warn("failed to create result count histogram", zap.Error(err))
	}

	m.degraded, err = m.meter.Int64Counter(
		"ragd.search.degraded_total",
		metric.WithDescription("Searches that returned with at least one degraded branch"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create degraded counter", zap.Error(err))
	}

	m.reranks, err = m.meter.Int64Counter(
		"ragd.search.reranks_total",
		metric.WithDescription("Rerank attempts by outcome (ok, fallback)"),
		metric.WithUnit("{rerank}"),
	)
	if err != nil {
		m.logger.Warn("failed to create reranks counter", zap.Error(err))
	}
}

// RecordSearch records one completed search.
func (m *Metrics) RecordSearch(ctx context.Context, results int, degraded bool) {
	if m.searches != nil {
		m.searches.Add(ctx, 1)
	}
	if m.resultCount != nil {
		m.resultCount.Record(ctx, int64(results))
	}
	if degraded && m.degraded != nil {
		m.degraded.Add(ctx, 1)
	}
}

// RecordRerank records one rerank attempt.
func (m *Metrics) RecordRerank(ctx context.Context, ok bool) {
	if m.reranks == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "fallback"
	}
	m.reranks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
