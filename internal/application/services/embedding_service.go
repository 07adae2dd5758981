package services

import (
	"context"

	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/observability"
)

// EmbeddingService attaches vectors to enriched datasets
type EmbeddingService struct {
	datasets     repositories.DatasetRepository
	tx           repositories.Transactor
	embedder     providers.EmbeddingProvider
	subBatchSize int
	metrics      *observability.PipelineMetrics
}

// NewEmbeddingService creates a new embedding service
func NewEmbeddingService(
	datasets repositories.DatasetRepository,
	tx repositories.Transactor,
	embedder providers.EmbeddingProvider,
	subBatchSize int,
	metrics *observability.PipelineMetrics,
) *EmbeddingService {
	return &EmbeddingService{
		datasets:     datasets,
		tx:           tx,
		embedder:     embedder,
		subBatchSize: orDefault(subBatchSize, DefaultEmbedSubBatch),
		metrics:      metrics,
	}
}

// ProcessBatch embeds up to batchSize ENRICHED records that have no vector.
// A failed save is counted and does not abort the batch; all saves share
// one commit.
func (s *EmbeddingService) ProcessBatch(ctx context.Context, batchSize int) (*entities.EmbeddingResult, error) {
	logger := observability.LoggerFromContext(ctx)
	result := &entities.EmbeddingResult{}

	records, err := s.datasets.ListForEmbedding(ctx, orDefault(batchSize, DefaultEmbedBatchSize))
	if err != nil {
		return result, err
	}
	if len(records) == 0 {
		logger.Info().Msg("No datasets found for embedding generation")
		return result, nil
	}
	logger.Info().Int("count", len(records)).Msg("Encoding datasets")

	inputs := make([]providers.EmbeddingInput, len(records))
	for i, d := range records {
		inputs[i] = providers.EmbeddingInput{Title: d.Title}
		if d.Description != nil {
			inputs[i].Description = *d.Description
		}
	}

	vectors, err := s.embedder.BatchEncode(ctx, inputs, s.subBatchSize)
	if err != nil {
		logger.Error().Err(err).Int("count", len(records)).Msg("Batch encoding failed")
		result.Failed = len(records)
		s.record(ctx, result)
		return result, nil
	}

	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		for i, d := range records {
			if i >= len(vectors) || len(vectors[i]) == 0 {
				logger.Error().Str("dataset_id", d.ID).Msg("No embedding returned for dataset")
				result.Failed++
				continue
			}

			vector := vectors[i]
			saveErr := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
				return s.datasets.MarkEnriched(ctx, d.ID, vector)
			})
			if saveErr != nil {
				logger.Error().Err(saveErr).Str("dataset_id", d.ID).Msg("Error saving embedding")
				result.Failed++
				continue
			}
			result.Processed++
		}
		return nil
	})
	if err != nil {
		return &entities.EmbeddingResult{Failed: len(records)}, err
	}

	s.record(ctx, result)
	logger.Info().
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Msg("Batch complete")
	return result, nil
}

func (s *EmbeddingService) record(ctx context.Context, result *entities.EmbeddingResult) {
	s.metrics.RecordRecords(ctx, "all", string(entities.StageEmbed), "processed", result.Processed)
	s.metrics.RecordRecords(ctx, "all", string(entities.StageEmbed), "failed", result.Failed)
}
