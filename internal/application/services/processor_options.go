package services

import (
	"time"

	"github.com/zatekoja/datasearch/internal/infrastructure/observability"
	"github.com/zatekoja/datasearch/pkg/config"
)

// Stage defaults applied when a caller passes a non-positive value
const (
	DefaultSeedBatchSize   = 1000
	DefaultFetchLimit      = 100
	DefaultHFFetchLimit    = 1000
	DefaultEnrichBatchSize = 50
	DefaultMaxAttempts     = 3
	DefaultEmbedBatchSize  = 100
	DefaultEmbedSubBatch   = 32
	DefaultKaggleSortBy    = "updated"
)

// ProcessorOptions tunes the stage processors
type ProcessorOptions struct {
	EnrichDelay time.Duration
	LeaseTTL    time.Duration
	Metrics     *observability.PipelineMetrics
}

// NewProcessorOptions builds options from pipeline configuration
func NewProcessorOptions(cfg *config.PipelineConfig, metrics *observability.PipelineMetrics) ProcessorOptions {
	return ProcessorOptions{
		EnrichDelay: cfg.EnrichDelay,
		LeaseTTL:    cfg.LeaseTTL,
		Metrics:     metrics,
	}
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
