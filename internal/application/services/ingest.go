package services

import (
	"context"
	"iter"

	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/observability"
)

// batchIngester upserts mapped catalog batches, committing each batch
// before the next one is pulled.
type batchIngester struct {
	source   entities.Source
	stage    entities.Stage
	datasets repositories.DatasetRepository
	tx       repositories.Transactor
	metrics  *observability.PipelineMetrics
}

func ingestBatches[T any](
	ctx context.Context,
	in batchIngester,
	batches iter.Seq2[[]T, error],
	mapFn func(T) *entities.Dataset,
) (*entities.IngestionResult, error) {
	logger := observability.LoggerFromContext(ctx)
	result := &entities.IngestionResult{}

	for batch, err := range batches {
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			continue
		}

		records := make([]*entities.Dataset, 0, len(batch))
		for _, item := range batch {
			records = append(records, mapFn(item))
		}

		var upserted int
		err := in.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			var err error
			upserted, err = in.datasets.BulkUpsert(ctx, records)
			return err
		})
		if err != nil {
			return result, err
		}

		result.Fetched += len(batch)
		result.Upserted += upserted
		in.metrics.RecordRecords(ctx, string(in.source), string(in.stage), "upserted", upserted)

		logger.Info().
			Str("source", string(in.source)).
			Str("stage", string(in.stage)).
			Int("batch_size", len(batch)).
			Int("upserted", upserted).
			Msg("Processed batch")
	}

	return result, nil
}
