package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/datasearch/internal/adapters/memory"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/huggingface"
)

func TestHuggingFaceProcessor_FetchAndStore(t *testing.T) {
	client := &mockHuggingFaceClient{}
	store := memory.NewStore()
	p := NewHuggingFaceProcessor(client, store, store, store, ProcessorOptions{})

	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client.On("FetchLatest", mock.Anything, 5, huggingface.DefaultPageSize, &cutoff).
		Return(batchesOf(
			[]huggingface.Dataset{{ID: "org/a", Likes: 3}, {ID: "org/b"}},
			[]huggingface.Dataset{{ID: "org/a", Likes: 4}},
		)).Once()

	result, err := p.FetchAndStore(context.Background(), 5, &cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 3, result.Upserted)

	counts, err := store.CountByStatus(context.Background(), entities.SourceHuggingFace)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[entities.EnrichmentStatusPending])

	a, err := store.GetByKey(context.Background(), entities.SourceHuggingFace, "org/a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.LikeCount)
	client.AssertExpectations(t)
}

func TestHuggingFaceProcessor_FetchAndStoreDefaultLimit(t *testing.T) {
	client := &mockHuggingFaceClient{}
	store := memory.NewStore()
	p := NewHuggingFaceProcessor(client, store, store, store, ProcessorOptions{})

	client.On("FetchLatest", mock.Anything, DefaultHFFetchLimit, huggingface.DefaultPageSize, (*time.Time)(nil)).
		Return(batchesOf[huggingface.Dataset]()).Once()

	result, err := p.FetchAndStore(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, &entities.IngestionResult{}, result)
	client.AssertExpectations(t)
}

func TestHuggingFaceProcessor_EnrichPending(t *testing.T) {
	client := &mockHuggingFaceClient{}
	store := memory.NewStore()
	p := NewHuggingFaceProcessor(client, store, store, store, ProcessorOptions{})

	client.On("FetchLatest", mock.Anything, DefaultHFFetchLimit, huggingface.DefaultPageSize, (*time.Time)(nil)).
		Return(batchesOf([]huggingface.Dataset{{ID: "org/a"}, {ID: "org/gone"}})).Once()
	client.On("EnrichByRef", mock.Anything, "org/a").
		Return(&huggingface.Dataset{ID: "org/a", Description: "refreshed", Tags: []string{"format:csv"}}, nil).Once()
	client.On("EnrichByRef", mock.Anything, "org/gone").Return(nil, nil).Once()

	_, err := p.FetchAndStore(context.Background(), 0, nil)
	require.NoError(t, err)

	result, err := p.EnrichPending(context.Background(), 10, 3)
	require.NoError(t, err)
	assert.Equal(t, &entities.EnrichmentRunResult{Enriched: 1, Failed: 1}, result)

	a, err := store.GetByKey(context.Background(), entities.SourceHuggingFace, "org/a")
	require.NoError(t, err)
	assert.Equal(t, entities.EnrichmentStatusEnriched, a.EnrichmentStatus)
	assert.Equal(t, []string{"csv"}, a.FileFormats)

	gone, err := store.GetByKey(context.Background(), entities.SourceHuggingFace, "org/gone")
	require.NoError(t, err)
	assert.Equal(t, entities.EnrichmentStatusFailed, gone.EnrichmentStatus)
	client.AssertExpectations(t)
}
