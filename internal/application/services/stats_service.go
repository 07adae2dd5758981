package services

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/observability"
)

const defaultErrorStatsLimit = 10

// StatsService reports per-source pipeline progress
type StatsService struct {
	datasets   repositories.DatasetRepository
	logs       repositories.EnrichmentLogRepository
	cache      providers.CacheProvider
	ttlSeconds int
}

// NewStatsService creates a stats service. cache may be nil.
func NewStatsService(
	datasets repositories.DatasetRepository,
	logs repositories.EnrichmentLogRepository,
	cache providers.CacheProvider,
	ttlSeconds int,
) *StatsService {
	return &StatsService{
		datasets:   datasets,
		logs:       logs,
		cache:      cache,
		ttlSeconds: ttlSeconds,
	}
}

func statsCacheKey(source entities.Source) string {
	return "pipeline:stats:" + string(source)
}

// GetSourceStats counts records per status for a source
func (s *StatsService) GetSourceStats(ctx context.Context, source entities.Source) (*entities.SourceStats, error) {
	logger := observability.LoggerFromContext(ctx)
	key := statsCacheKey(source)

	if s.useCache() {
		data, err := s.cache.Get(ctx, key)
		if err == nil {
			var stats entities.SourceStats
			if err := json.Unmarshal(data, &stats); err == nil {
				return &stats, nil
			}
		} else if !errors.Is(err, providers.ErrCacheMiss) {
			logger.Warn().Err(err).Str("key", key).Msg("Failed to read stats cache")
		}
	}

	counts, err := s.datasets.CountByStatus(ctx, source)
	if err != nil {
		return nil, err
	}
	stats := entities.NewSourceStats(source, counts)

	if s.useCache() {
		if data, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttlSeconds); err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("Failed to write stats cache")
			}
		}
	}
	return &stats, nil
}

// Invalidate drops cached stats for a source
func (s *StatsService) Invalidate(ctx context.Context, source entities.Source) error {
	if !s.useCache() {
		return nil
	}
	return s.cache.Delete(ctx, statsCacheKey(source))
}

// RefreshSourceStats recomputes stats from the store and replaces the
// cached copy
func (s *StatsService) RefreshSourceStats(ctx context.Context, source entities.Source) (*entities.SourceStats, error) {
	if err := s.Invalidate(ctx, source); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("source", string(source)).Msg("Failed to invalidate stats cache")
	}
	return s.GetSourceStats(ctx, source)
}

// StageStats aggregates the enrichment log per stage and result
func (s *StatsService) StageStats(ctx context.Context, source entities.Source) ([]entities.EnrichmentStageStats, error) {
	return s.logs.StageStats(ctx, source)
}

// ErrorStats returns the most frequent failure types
func (s *StatsService) ErrorStats(ctx context.Context, source entities.Source, limit int) ([]entities.ErrorStats, error) {
	return s.logs.ErrorStats(ctx, source, orDefault(limit, defaultErrorStatsLimit))
}

func (s *StatsService) useCache() bool {
	return s.cache != nil && s.ttlSeconds > 0
}
