package services

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/observability"
)

const indexPageSize = 100

// IndexingService mirrors embedded datasets into the search index
type IndexingService struct {
	datasets repositories.DatasetRepository
	index    providers.SearchIndex
	pool     *ants.Pool
	metrics  *observability.PipelineMetrics
}

// NewIndexingService creates an indexing service backed by a worker pool.
// Call Release when done.
func NewIndexingService(
	datasets repositories.DatasetRepository,
	index providers.SearchIndex,
	workers int,
	metrics *observability.PipelineMetrics,
) (*IndexingService, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &IndexingService{
		datasets: datasets,
		index:    index,
		pool:     pool,
		metrics:  metrics,
	}, nil
}

// IndexEmbedded upserts up to limit embedded datasets into the index. A
// non-positive limit indexes everything.
func (s *IndexingService) IndexEmbedded(ctx context.Context, limit int) (*entities.IndexResult, error) {
	logger := observability.LoggerFromContext(ctx)

	if err := s.index.EnsureSchema(ctx); err != nil {
		return &entities.IndexResult{}, err
	}

	var (
		indexed, failed int64
		wg              sync.WaitGroup
		offset          int
	)

	for {
		pageSize := indexPageSize
		if limit > 0 {
			if offset >= limit {
				break
			}
			pageSize = min(pageSize, limit-offset)
		}

		page, err := s.datasets.ListIndexable(ctx, pageSize, offset)
		if err != nil {
			wg.Wait()
			return &entities.IndexResult{Indexed: int(indexed), Failed: int(failed)}, err
		}

		for _, dataset := range page {
			wg.Add(1)
			submitErr := s.pool.Submit(func() {
				defer wg.Done()
				if err := s.index.Upsert(ctx, dataset); err != nil {
					atomic.AddInt64(&failed, 1)
					logger.Warn().Err(err).Str("dataset_id", dataset.ID).Msg("Failed to index dataset")
					return
				}
				atomic.AddInt64(&indexed, 1)
			})
			if submitErr != nil {
				wg.Done()
				atomic.AddInt64(&failed, 1)
				logger.Error().Err(submitErr).Str("dataset_id", dataset.ID).Msg("Failed to submit index task")
			}
		}

		offset += len(page)
		if len(page) < pageSize {
			break
		}
	}

	wg.Wait()

	result := &entities.IndexResult{Indexed: int(indexed), Failed: int(failed)}
	s.metrics.RecordRecords(ctx, "all", string(entities.StageIndex), "indexed", result.Indexed)
	s.metrics.RecordRecords(ctx, "all", string(entities.StageIndex), "failed", result.Failed)
	logger.Info().Int("indexed", result.Indexed).Int("failed", result.Failed).Msg("Index sync complete")
	return result, nil
}

// Release stops the worker pool
func (s *IndexingService) Release() {
	s.pool.Release()
}
