package services

import (
	"context"

	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/kaggle"
)

// KaggleProcessor runs the seed, fetch-latest and enrichment stages for
// Kaggle.
type KaggleProcessor struct {
	client   kaggle.Client
	datasets repositories.DatasetRepository
	tx       repositories.Transactor
	opts     ProcessorOptions
	enricher *EnrichmentRunner
}

// NewKaggleProcessor creates a new Kaggle processor
func NewKaggleProcessor(
	client kaggle.Client,
	datasets repositories.DatasetRepository,
	logs repositories.EnrichmentLogRepository,
	tx repositories.Transactor,
	opts ProcessorOptions,
) *KaggleProcessor {
	p := &KaggleProcessor{
		client:   client,
		datasets: datasets,
		tx:       tx,
		opts:     opts,
	}
	p.enricher = NewEnrichmentRunner(entities.SourceKaggle, datasets, logs, tx, p.enrichByRef, opts)
	return p
}

// SeedFromCSV loads the Meta Kaggle export as MINIMAL records
func (p *KaggleProcessor) SeedFromCSV(ctx context.Context, batchSize int, forceRedownload bool) (*entities.IngestionResult, error) {
	batchSize = orDefault(batchSize, DefaultSeedBatchSize)
	return ingestBatches(ctx, p.ingester(entities.StageSeed),
		p.client.FetchInitialSeed(ctx, batchSize, forceRedownload),
		MapKaggleMetaToDataset,
	)
}

// FetchLatest pulls recently listed datasets as PENDING records
func (p *KaggleProcessor) FetchLatest(ctx context.Context, limit int, sortBy string) (*entities.IngestionResult, error) {
	limit = orDefault(limit, DefaultFetchLimit)
	if sortBy == "" {
		sortBy = DefaultKaggleSortBy
	}
	return ingestBatches(ctx, p.ingester(entities.StageFetchLatest),
		p.client.FetchLatest(ctx, limit, sortBy),
		func(d kaggle.Dataset) *entities.Dataset { return MapKaggleToDataset(&d) },
	)
}

// EnrichPending enriches MINIMAL and PENDING records through the API
func (p *KaggleProcessor) EnrichPending(ctx context.Context, batchSize, maxAttempts int) (*entities.EnrichmentRunResult, error) {
	return p.enricher.Run(ctx,
		orDefault(batchSize, DefaultEnrichBatchSize),
		orDefault(maxAttempts, DefaultMaxAttempts),
	)
}

// ReleaseStaleLeases frees records stuck in ENRICHING past the lease TTL
func (p *KaggleProcessor) ReleaseStaleLeases(ctx context.Context) (int, error) {
	return p.enricher.ReleaseStaleLeases(ctx)
}

func (p *KaggleProcessor) enrichByRef(ctx context.Context, ref string) (*entities.Dataset, error) {
	d, err := p.client.EnrichByRef(ctx, ref)
	if err != nil || d == nil {
		return nil, err
	}
	return MapKaggleToDataset(d), nil
}

func (p *KaggleProcessor) ingester(stage entities.Stage) batchIngester {
	return batchIngester{
		source:   entities.SourceKaggle,
		stage:    stage,
		datasets: p.datasets,
		tx:       p.tx,
		metrics:  p.opts.Metrics,
	}
}
