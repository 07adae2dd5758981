package services

import (
	"context"
	"time"

	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/huggingface"
)

// HuggingFaceProcessor runs the fetch and enrichment stages for the Hub
type HuggingFaceProcessor struct {
	client   huggingface.Client
	datasets repositories.DatasetRepository
	tx       repositories.Transactor
	opts     ProcessorOptions
	enricher *EnrichmentRunner
}

// NewHuggingFaceProcessor creates a new HuggingFace processor
func NewHuggingFaceProcessor(
	client huggingface.Client,
	datasets repositories.DatasetRepository,
	logs repositories.EnrichmentLogRepository,
	tx repositories.Transactor,
	opts ProcessorOptions,
) *HuggingFaceProcessor {
	p := &HuggingFaceProcessor{
		client:   client,
		datasets: datasets,
		tx:       tx,
		opts:     opts,
	}
	p.enricher = NewEnrichmentRunner(entities.SourceHuggingFace, datasets, logs, tx, p.enrichByRef, opts)
	return p
}

// FetchAndStore pulls datasets modified since minLastModified (all when
// nil) as PENDING records
func (p *HuggingFaceProcessor) FetchAndStore(ctx context.Context, limit int, minLastModified *time.Time) (*entities.IngestionResult, error) {
	limit = orDefault(limit, DefaultHFFetchLimit)
	in := batchIngester{
		source:   entities.SourceHuggingFace,
		stage:    entities.StageFetchLatest,
		datasets: p.datasets,
		tx:       p.tx,
		metrics:  p.opts.Metrics,
	}
	return ingestBatches(ctx, in,
		p.client.FetchLatest(ctx, limit, huggingface.DefaultPageSize, minLastModified),
		func(d huggingface.Dataset) *entities.Dataset { return MapHuggingFaceToDataset(&d) },
	)
}

// EnrichPending refreshes PENDING records from the dataset endpoint
func (p *HuggingFaceProcessor) EnrichPending(ctx context.Context, batchSize, maxAttempts int) (*entities.EnrichmentRunResult, error) {
	return p.enricher.Run(ctx,
		orDefault(batchSize, DefaultEnrichBatchSize),
		orDefault(maxAttempts, DefaultMaxAttempts),
	)
}

// ReleaseStaleLeases frees records stuck in ENRICHING past the lease TTL
func (p *HuggingFaceProcessor) ReleaseStaleLeases(ctx context.Context) (int, error) {
	return p.enricher.ReleaseStaleLeases(ctx)
}

func (p *HuggingFaceProcessor) enrichByRef(ctx context.Context, ref string) (*entities.Dataset, error) {
	d, err := p.client.EnrichByRef(ctx, ref)
	if err != nil || d == nil {
		return nil, err
	}
	return MapHuggingFaceToDataset(d), nil
}
