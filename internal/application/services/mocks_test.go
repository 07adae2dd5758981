package services

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/huggingface"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/kaggle"
)

func batchesOf[T any](batches ...[]T) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		for _, b := range batches {
			if !yield(b, nil) {
				return
			}
		}
	}
}

type mockKaggleClient struct {
	mock.Mock
}

func (m *mockKaggleClient) FetchInitialSeed(ctx context.Context, batchSize int, forceRedownload bool) iter.Seq2[[]kaggle.MetaDataset, error] {
	args := m.Called(ctx, batchSize, forceRedownload)
	return args.Get(0).(iter.Seq2[[]kaggle.MetaDataset, error])
}

func (m *mockKaggleClient) FetchLatest(ctx context.Context, limit int, sortBy string) iter.Seq2[[]kaggle.Dataset, error] {
	args := m.Called(ctx, limit, sortBy)
	return args.Get(0).(iter.Seq2[[]kaggle.Dataset, error])
}

func (m *mockKaggleClient) EnrichByRef(ctx context.Context, ref string) (*kaggle.Dataset, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kaggle.Dataset), args.Error(1)
}

type mockHuggingFaceClient struct {
	mock.Mock
}

func (m *mockHuggingFaceClient) FetchLatest(ctx context.Context, limit, pageSize int, minLastModified *time.Time) iter.Seq2[[]huggingface.Dataset, error] {
	args := m.Called(ctx, limit, pageSize, minLastModified)
	return args.Get(0).(iter.Seq2[[]huggingface.Dataset, error])
}

func (m *mockHuggingFaceClient) EnrichByRef(ctx context.Context, id string) (*huggingface.Dataset, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*huggingface.Dataset), args.Error(1)
}

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) BatchEncode(ctx context.Context, inputs []providers.EmbeddingInput, subBatchSize int) ([][]float32, error) {
	args := m.Called(ctx, inputs, subBatchSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

type mockSearchIndex struct {
	mock.Mock
}

func (m *mockSearchIndex) EnsureSchema(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSearchIndex) Upsert(ctx context.Context, dataset *entities.Dataset) error {
	return m.Called(ctx, dataset.ExternalID).Error(0)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	args := m.Called(ctx, key, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func(context.Context) error), args.Error(1)
}

// recordingBus keeps published events per channel
type recordingBus struct {
	mu     sync.Mutex
	events map[string][]*entities.PipelineEvent
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[string][]*entities.PipelineEvent)}
}

func (b *recordingBus) Publish(ctx context.Context, channel string, event *entities.PipelineEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[channel] = append(b.events[channel], event)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.PipelineEvent, error) {
	ch := make(chan *entities.PipelineEvent)
	close(ch)
	return ch, nil
}

func (b *recordingBus) Close() error {
	return nil
}

func (b *recordingBus) on(channel string) []*entities.PipelineEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[channel]
}
