package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zatekoja/datasearch/internal/adapters/cache"
	"github.com/zatekoja/datasearch/internal/adapters/database"
	"github.com/zatekoja/datasearch/internal/adapters/events"
	"github.com/zatekoja/datasearch/internal/adapters/memory"
	"github.com/zatekoja/datasearch/internal/adapters/search"
	"github.com/zatekoja/datasearch/internal/application/services"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/huggingface"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/kaggle"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/openai"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/postgres"
	redisclient "github.com/zatekoja/datasearch/internal/infrastructure/clients/redis"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/typesense"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"
)

// app holds the collaborators shared by every command
type app struct {
	datasets repositories.DatasetRepository
	logs     repositories.EnrichmentLogRepository
	tx       repositories.Transactor

	pg     *postgres.Client
	redis  *redisclient.Client
	events providers.EventBus

	stats  *services.StatsService
	runner *services.StageRunner
}

func openApp(cmd *cobra.Command) (*app, error) {
	store, _ := cmd.Flags().GetString("store")
	a := &app{}

	switch store {
	case storePostgres:
		pg, err := postgres.NewClient(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
		}
		a.pg = pg
		a.datasets = database.NewDatasetAdapter(pg)
		a.logs = database.NewEnrichmentLogAdapter(pg)
		a.tx = pg
	case storeMemory:
		mem := memory.NewStore()
		a.datasets, a.logs, a.tx = mem, mem, mem
		log.Info().Msg("Using in-memory store; nothing will be persisted")
	default:
		return nil, fmt.Errorf("unknown store %q", store)
	}

	var (
		locker     providers.StageLocker
		statsCache providers.CacheProvider
	)
	if cfg.Redis.Enabled {
		client, err := redisclient.NewClient(&cfg.Redis)
		if err != nil {
			// stage locks, cached stats and run events are skipped without Redis
			log.Warn().Err(err).Msg("Failed to initialize Redis client")
		} else {
			a.redis = client
			locker = cache.NewRedisLocker(client)
			statsCache = cache.NewRedisAdapter(client)
			a.events = events.NewRedisEventBus(client)
		}
	}

	a.stats = services.NewStatsService(a.datasets, a.logs, statsCache, cfg.Pipeline.StatsCacheSeconds)
	a.runner = services.NewStageRunner(locker, a.events, a.stats, metrics, cfg.Pipeline.StageLockTTL)
	return a, nil
}

func (a *app) options() services.ProcessorOptions {
	return services.NewProcessorOptions(&cfg.Pipeline, metrics)
}

func (a *app) kaggleProcessor() *services.KaggleProcessor {
	return services.NewKaggleProcessor(kaggle.NewHTTPClient(&cfg.Kaggle), a.datasets, a.logs, a.tx, a.options())
}

func (a *app) huggingFaceProcessor() *services.HuggingFaceProcessor {
	return services.NewHuggingFaceProcessor(huggingface.NewHTTPClient(&cfg.HuggingFace), a.datasets, a.logs, a.tx, a.options())
}

func (a *app) embeddingService() (*services.EmbeddingService, error) {
	client, err := openai.NewClient(&cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}
	return services.NewEmbeddingService(a.datasets, a.tx, client, cfg.Pipeline.EmbedSubBatchSize, metrics), nil
}

func (a *app) indexingService() (*services.IndexingService, error) {
	if !cfg.Typesense.Enabled {
		return nil, fmt.Errorf("search index sync requires TYPESENSE_ENABLED=true")
	}
	client, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Typesense client: %w", err)
	}
	index := search.NewTypesenseAdapter(client, cfg.Embedding.Dimensions)
	return services.NewIndexingService(a.datasets, index, cfg.Pipeline.IndexWorkers, metrics)
}

func (a *app) Close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close event bus")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
}
