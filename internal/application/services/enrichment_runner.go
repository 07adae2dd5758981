package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/datasearch/pkg/errors"
)

const (
	// FetchFailedMessage is recorded when the catalog has no data for a ref
	FetchFailedMessage = "Failed to fetch from API"

	fetchErrorType = "FetchError"
)

// EnrichFunc fetches and maps one record by its catalog reference. A nil
// dataset with a nil error means the catalog returned nothing.
type EnrichFunc func(ctx context.Context, ref string) (*entities.Dataset, error)

// EnrichmentRunner drives per-record API enrichment for one source
type EnrichmentRunner struct {
	source   entities.Source
	datasets repositories.DatasetRepository
	logs     repositories.EnrichmentLogRepository
	tx       repositories.Transactor
	enrich   EnrichFunc
	delay    time.Duration
	leaseTTL time.Duration
	metrics  *observability.PipelineMetrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewEnrichmentRunner creates a runner. A zero leaseTTL disables stale
// lease release.
func NewEnrichmentRunner(
	source entities.Source,
	datasets repositories.DatasetRepository,
	logs repositories.EnrichmentLogRepository,
	tx repositories.Transactor,
	enrich EnrichFunc,
	opts ProcessorOptions,
) *EnrichmentRunner {
	return &EnrichmentRunner{
		source:   source,
		datasets: datasets,
		logs:     logs,
		tx:       tx,
		enrich:   enrich,
		delay:    opts.EnrichDelay,
		leaseTTL: opts.LeaseTTL,
		metrics:  opts.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// Run enriches up to batchSize eligible records, oldest first. Each record
// outcome is committed on its own. A rate-limited call stops the run and
// leaves the remaining records untouched.
func (r *EnrichmentRunner) Run(ctx context.Context, batchSize, maxAttempts int) (*entities.EnrichmentRunResult, error) {
	logger := observability.LoggerFromContext(ctx).With().Str("source", string(r.source)).Logger()
	result := &entities.EnrichmentRunResult{}

	released, err := r.ReleaseStaleLeases(ctx)
	if err != nil {
		return result, err
	}
	result.Released = released

	pending, err := r.datasets.ListPendingForEnrichment(ctx, r.source, batchSize, maxAttempts)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		logger.Info().Msg("No pending datasets found")
		return result, nil
	}
	logger.Info().Int("count", len(pending)).Msg("Found datasets to enrich")

	for i, dataset := range pending {
		outcome, err := r.enrichOne(ctx, &logger, dataset)
		if err != nil {
			return result, err
		}

		switch outcome {
		case outcomeSkipped:
			result.Skipped++
			continue
		case outcomeRateLimited:
			result.RateLimited = true
			r.metrics.RecordRateLimited(ctx, string(r.source))
			return result, nil
		case outcomeEnriched:
			result.Enriched++
		case outcomeFailed:
			result.Failed++
		}
		r.metrics.RecordRecords(ctx, string(r.source), string(entities.StageEnrich), string(outcome), 1)

		if i < len(pending)-1 {
			if err := r.sleep(ctx, r.delay); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// ReleaseStaleLeases returns records held in ENRICHING for longer than the
// lease TTL to their pre-claim status
func (r *EnrichmentRunner) ReleaseStaleLeases(ctx context.Context) (int, error) {
	if r.leaseTTL <= 0 {
		return 0, nil
	}
	var released int
	err := r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		released, err = r.datasets.ReleaseStaleLeases(ctx, r.source, r.now().Add(-r.leaseTTL))
		return err
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		observability.LoggerFromContext(ctx).Warn().
			Str("source", string(r.source)).
			Int("released", released).
			Msg("Released stale enrichment leases")
	}
	return released, nil
}

type enrichOutcome string

const (
	outcomeEnriched    enrichOutcome = "success"
	outcomeFailed      enrichOutcome = "failed"
	outcomeRateLimited enrichOutcome = "rate_limited"
	outcomeSkipped     enrichOutcome = "skipped"
)

// enrichOne returns an error only for storage failures
func (r *EnrichmentRunner) enrichOne(ctx context.Context, logger *zerolog.Logger, dataset *entities.Dataset) (enrichOutcome, error) {
	start := r.now()

	var (
		attempt int
		claimed bool
	)
	err := r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		attempt, claimed, err = r.datasets.MarkEnriching(ctx, dataset.ID)
		return err
	})
	if err != nil {
		return "", err
	}
	if !claimed {
		logger.Debug().Str("external_id", dataset.ExternalID).Msg("Dataset claimed by another worker")
		return outcomeSkipped, nil
	}

	ref := dataset.SourceMeta.NativeRef(dataset.ExternalID)
	enriched, fetchErr := r.enrich(ctx, ref)

	switch {
	case fetchErr != nil && apperrors.IsRateLimited(fetchErr):
		entry := r.logEntry(dataset.ID, attempt, entities.EnrichmentResultRateLimited)
		entry.ErrorMessage = stringPtr(fetchErr.Error())
		entry.ErrorType = stringPtr(apperrors.TypeName(fetchErr))
		if err := r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			return r.logs.Append(ctx, entry)
		}); err != nil {
			return "", err
		}
		logger.Warn().Err(fetchErr).Str("external_id", dataset.ExternalID).Msg("Rate limited, stopping")
		return outcomeRateLimited, nil

	case fetchErr != nil:
		if err := r.fail(ctx, dataset.ID, attempt, fetchErr.Error(), apperrors.TypeName(fetchErr)); err != nil {
			return "", err
		}
		logger.Warn().Err(fetchErr).Str("external_id", dataset.ExternalID).Msg("Failed to enrich")
		return outcomeFailed, nil

	case enriched == nil:
		if err := r.fail(ctx, dataset.ID, attempt, FetchFailedMessage, fetchErrorType); err != nil {
			return "", err
		}
		logger.Warn().Str("external_id", dataset.ExternalID).Str("ref", ref).Msg("Failed to enrich")
		return outcomeFailed, nil
	}

	enriched.ID = dataset.ID
	enriched.SourceName = dataset.SourceName
	enriched.ExternalID = dataset.ExternalID

	duration := r.now().Sub(start).Milliseconds()
	entry := r.logEntry(dataset.ID, attempt, entities.EnrichmentResultSuccess)
	entry.DurationMs = &duration

	err = r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := r.datasets.Upsert(ctx, enriched); err != nil {
			return err
		}
		if err := r.datasets.MarkEnriched(ctx, dataset.ID, nil); err != nil {
			return err
		}
		return r.logs.Append(ctx, entry)
	})
	if err != nil {
		return "", err
	}

	logger.Info().
		Str("external_id", dataset.ExternalID).
		Int64("duration_ms", duration).
		Int("attempt", attempt).
		Msg("Enriched dataset")
	return outcomeEnriched, nil
}

func (r *EnrichmentRunner) fail(ctx context.Context, id string, attempt int, message, errorType string) error {
	entry := r.logEntry(id, attempt, entities.EnrichmentResultFailed)
	entry.ErrorMessage = &message
	entry.ErrorType = &errorType

	return r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := r.datasets.MarkFailed(ctx, id, message); err != nil {
			return err
		}
		return r.logs.Append(ctx, entry)
	})
}

func (r *EnrichmentRunner) logEntry(id string, attempt int, result entities.EnrichmentResult) *entities.EnrichmentLogEntry {
	return &entities.EnrichmentLogEntry{
		DatasetID:     id,
		Stage:         entities.EnrichmentStageAPIMetadata,
		Result:        result,
		AttemptNumber: attempt,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stringPtr(s string) *string {
	return &s
}
