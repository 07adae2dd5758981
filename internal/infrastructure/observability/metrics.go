package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics holds the pipeline instruments. A nil *PipelineMetrics
// records nothing.
type PipelineMetrics struct {
	Records       metric.Int64Counter
	StageDuration metric.Float64Histogram
	RateLimited   metric.Int64Counter
	StageRuns     metric.Int64Counter
}

// InitPipelineMetrics creates the instruments on the global meter provider
func InitPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter(instrumentationName)

	records, err := meter.Int64Counter(
		"pipeline.records",
		metric.WithDescription("Records processed by pipeline stages"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Stage invocation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	rateLimited, err := meter.Int64Counter(
		"pipeline.rate_limited",
		metric.WithDescription("Enrichment batches aborted by upstream rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	stageRuns, err := meter.Int64Counter(
		"pipeline.stage.runs",
		metric.WithDescription("Stage invocations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		Records:       records,
		StageDuration: stageDuration,
		RateLimited:   rateLimited,
		StageRuns:     stageRuns,
	}, nil
}

// RecordRecords adds n records with the given outcome
func (m *PipelineMetrics) RecordRecords(ctx context.Context, source, stage, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Records.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("stage", stage),
		attribute.String("result", result),
	))
}

// RecordStage records one stage invocation
func (m *PipelineMetrics) RecordStage(ctx context.Context, source, stage, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("stage", stage),
		attribute.String("status", status),
	)
	m.StageRuns.Add(ctx, 1, attrs)
	m.StageDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRateLimited counts an aborted enrichment batch
func (m *PipelineMetrics) RecordRateLimited(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
