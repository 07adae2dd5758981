package providers

import (
	"context"

	"github.com/zatekoja/datasearch/internal/domain/entities"
)

// EventBus defines the interface for publishing and subscribing to pipeline run events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, channel string, event *entities.PipelineEvent) error

	// Subscribe subscribes to events on a channel until ctx is done
	Subscribe(ctx context.Context, channel string) (<-chan *entities.PipelineEvent, error)

	// Close closes the event bus and all subscriptions
	Close() error
}

const (
	// EventChannelPipelineRuns carries every PipelineEvent
	EventChannelPipelineRuns = "pipeline:runs"

	// EventChannelSourcePrefix is the prefix for per-source channels
	EventChannelSourcePrefix = "pipeline:source:"
)

// GetSourceChannel returns the channel name for a specific source
func GetSourceChannel(source entities.Source) string {
	return EventChannelSourcePrefix + string(source)
}
