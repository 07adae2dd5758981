package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	redisclient "github.com/zatekoja/datasearch/internal/infrastructure/clients/redis"
)

// watcherBuffer is how many undelivered run events a watcher may fall behind
// before its oldest ones are dropped
const watcherBuffer = 64

var errBusClosed = errors.New("event bus closed")

// RedisEventBus fans pipeline run events out over Redis Pub/Sub. Each channel
// holds one Redis subscription shared by every local watcher.
type RedisEventBus struct {
	client *redisclient.Client

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	name     string
	pubsub   *redis.PubSub
	watchers map[chan *entities.PipelineEvent]struct{}
	done     chan struct{}
}

// NewRedisEventBus creates a new Redis-based event bus
func NewRedisEventBus(client *redisclient.Client) providers.EventBus {
	return &RedisEventBus{
		client: client,
		topics: make(map[string]*topic),
	}
}

// Publish sends a run event to every watcher of channel, in any process
func (b *RedisEventBus) Publish(ctx context.Context, channel string, event *entities.PipelineEvent) error {
	if event == nil {
		return errors.New("cannot publish nil pipeline event")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline event: %w", err)
	}

	receivers, err := b.client.Client().Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	log.Debug().
		Str("channel", channel).
		Str("event_id", event.ID).
		Str("stage", string(event.Stage)).
		Str("status", string(event.Status)).
		Int64("receivers", receivers).
		Msg("Published pipeline event")
	return nil
}

// Subscribe returns a channel of run events that closes when ctx ends or the
// bus is closed. A watcher that falls behind loses its oldest events.
func (b *RedisEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.PipelineEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errBusClosed
	}

	t, ok := b.topics[channel]
	if !ok {
		pubsub := b.client.Client().Subscribe(ctx, channel)
		// confirmed before returning so a publish right after Subscribe is seen
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		t = &topic{
			name:     channel,
			pubsub:   pubsub,
			watchers: make(map[chan *entities.PipelineEvent]struct{}),
			done:     make(chan struct{}),
		}
		b.topics[channel] = t
		go b.relay(t)
	}

	w := make(chan *entities.PipelineEvent, watcherBuffer)
	t.watchers[w] = struct{}{}
	log.Info().Str("channel", channel).Int("watchers", len(t.watchers)).Msg("Watching pipeline events")

	go func() {
		select {
		case <-ctx.Done():
			b.unwatch(t, w)
		case <-t.done:
		}
	}()

	return w, nil
}

// relay decodes messages until the subscription closes
func (b *RedisEventBus) relay(t *topic) {
	defer b.drop(t)

	for msg := range t.pubsub.Channel() {
		event, err := decodeEvent(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("channel", t.name).Msg("Dropping malformed pipeline event")
			continue
		}

		b.mu.Lock()
		for w := range t.watchers {
			deliver(w, event)
		}
		b.mu.Unlock()
	}
}

func decodeEvent(payload string) (*entities.PipelineEvent, error) {
	var event entities.PipelineEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.ID == "" || event.Stage == "" {
		return nil, errors.New("pipeline event without id or stage")
	}
	return &event, nil
}

// deliver never blocks the relay
func deliver(w chan *entities.PipelineEvent, event *entities.PipelineEvent) {
	for {
		select {
		case w <- event:
			return
		default:
		}
		select {
		case <-w:
		default:
		}
	}
}

func (b *RedisEventBus) unwatch(t *topic, w chan *entities.PipelineEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := t.watchers[w]; !ok {
		return
	}
	delete(t.watchers, w)
	close(w)

	if len(t.watchers) > 0 {
		return
	}
	// last watcher gone; a later Subscribe opens a fresh topic
	if b.topics[t.name] == t {
		delete(b.topics, t.name)
	}
	if err := t.pubsub.Close(); err != nil {
		log.Warn().Err(err).Str("channel", t.name).Msg("Failed to close subscription")
	}
}

// drop closes whatever watchers remain once the relay has stopped
func (b *RedisEventBus) drop(t *topic) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[t.name] == t {
		delete(b.topics, t.name)
	}
	for w := range t.watchers {
		delete(t.watchers, w)
		close(w)
	}
	close(t.done)
	log.Info().Str("channel", t.name).Msg("Stopped watching pipeline events")
}

// Close ends every subscription. Watch channels close shortly after.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	var errs []error
	for _, t := range topics {
		if err := t.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close subscription %s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}
