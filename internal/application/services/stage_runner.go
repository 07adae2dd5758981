package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	"github.com/zatekoja/datasearch/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StageRunner wraps stage invocations with an optional cross-process lock,
// tracing, metrics, run events and stats cache invalidation. Every
// collaborator is optional.
type StageRunner struct {
	locker  providers.StageLocker
	events  providers.EventBus
	stats   *StatsService
	metrics *observability.PipelineMetrics
	lockTTL time.Duration
	now     func() time.Time
}

// NewStageRunner creates a stage runner
func NewStageRunner(
	locker providers.StageLocker,
	events providers.EventBus,
	stats *StatsService,
	metrics *observability.PipelineMetrics,
	lockTTL time.Duration,
) *StageRunner {
	return &StageRunner{
		locker:  locker,
		events:  events,
		stats:   stats,
		metrics: metrics,
		lockTTL: lockTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// stageLockKey names the lock for a (source, stage) pair. The locker adds
// its own namespace prefix.
func stageLockKey(source entities.Source, stage entities.Stage) string {
	return fmt.Sprintf("%s:%s", source, stage)
}

// RunStage invokes fn as one run of stage for source. When another worker
// holds the stage lock it returns providers.ErrStageLocked without calling fn.
func RunStage[T any](
	ctx context.Context,
	r *StageRunner,
	source entities.Source,
	stage entities.Stage,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	logger := observability.LoggerFromContext(ctx).With().
		Str("source", string(source)).
		Str("stage", string(stage)).
		Logger()

	event := &entities.PipelineEvent{
		ID:        uuid.NewString(),
		Source:    source,
		Stage:     stage,
		StartedAt: r.now(),
	}

	if r.locker != nil && r.lockTTL > 0 {
		release, err := r.locker.Acquire(ctx, stageLockKey(source, stage), r.lockTTL)
		if err != nil {
			if errors.Is(err, providers.ErrStageLocked) {
				logger.Warn().Msg("Stage already running, skipping")
				event.Status = entities.PipelineEventSkipped
				event.Error = err.Error()
				event.FinishedAt = r.now()
				r.publish(ctx, event)
			}
			return zero, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn().Err(err).Msg("Failed to release stage lock")
			}
		}()
	}

	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("pipeline.%s.%s", source, stage))
	defer span.End()
	observability.SetSpanAttributes(span,
		attribute.String("pipeline.source", string(source)),
		attribute.String("pipeline.stage", string(stage)),
	)

	logger.Info().Msg("Stage started")
	result, err := fn(ctx)
	event.FinishedAt = r.now()
	duration := event.FinishedAt.Sub(event.StartedAt)

	event.Result = result
	if err != nil {
		event.Status = entities.PipelineEventFailed
		event.Error = err.Error()
		observability.RecordError(span, err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", duration).Msg("Stage failed")
	} else {
		event.Status = entities.PipelineEventCompleted
		logger.Info().Dur("duration", duration).Interface("result", result).Msg("Stage completed")
	}
	r.metrics.RecordStage(ctx, string(source), string(stage), string(event.Status), duration)

	if r.stats != nil {
		if invErr := r.stats.Invalidate(ctx, source); invErr != nil {
			logger.Warn().Err(invErr).Msg("Failed to invalidate stats cache")
		}
	}
	r.publish(ctx, event)

	return result, err
}

func (r *StageRunner) publish(ctx context.Context, event *entities.PipelineEvent) {
	if r.events == nil {
		return
	}
	logger := observability.LoggerFromContext(ctx)
	channels := []string{providers.EventChannelPipelineRuns, providers.GetSourceChannel(event.Source)}
	for _, channel := range channels {
		if err := r.events.Publish(ctx, channel, event); err != nil {
			logger.Warn().Err(err).Str("channel", channel).Msg("Failed to publish pipeline event")
		}
	}
}
