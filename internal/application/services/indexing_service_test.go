package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/datasearch/internal/adapters/memory"
	"github.com/zatekoja/datasearch/internal/domain/entities"
)

func seedEmbedded(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	seedEnriched(t, store, ids...)
	for _, id := range ids {
		d, err := store.GetByKey(context.Background(), entities.SourceHuggingFace, id)
		require.NoError(t, err)
		require.NoError(t, store.MarkEnriched(context.Background(), d.ID, []float32{1, 2}))
	}
}

func TestIndexingService_IndexEmbedded(t *testing.T) {
	store := memory.NewStore()
	seedEmbedded(t, store, "org/a", "org/b", "org/c")
	seedEnriched(t, store, "org/no-vector")

	index := &mockSearchIndex{}
	index.On("EnsureSchema", mock.Anything).Return(nil).Once()
	index.On("Upsert", mock.Anything, "org/a").Return(nil).Once()
	index.On("Upsert", mock.Anything, "org/b").Return(errors.New("typesense unavailable")).Once()
	index.On("Upsert", mock.Anything, "org/c").Return(nil).Once()

	service, err := NewIndexingService(store, index, 2, nil)
	require.NoError(t, err)
	defer service.Release()

	result, err := service.IndexEmbedded(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, &entities.IndexResult{Indexed: 2, Failed: 1}, result)
	index.AssertExpectations(t)
}

func TestIndexingService_RespectsLimit(t *testing.T) {
	store := memory.NewStore()
	seedEmbedded(t, store, "org/a", "org/b", "org/c")

	index := &mockSearchIndex{}
	index.On("EnsureSchema", mock.Anything).Return(nil).Once()
	index.On("Upsert", mock.Anything, "org/a").Return(nil).Once()
	index.On("Upsert", mock.Anything, "org/b").Return(nil).Once()

	service, err := NewIndexingService(store, index, 4, nil)
	require.NoError(t, err)
	defer service.Release()

	result, err := service.IndexEmbedded(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Indexed)
	index.AssertExpectations(t)
}

func TestIndexingService_SchemaFailure(t *testing.T) {
	index := &mockSearchIndex{}
	index.On("EnsureSchema", mock.Anything).Return(errors.New("unauthorized")).Once()

	service, err := NewIndexingService(memory.NewStore(), index, 1, nil)
	require.NoError(t, err)
	defer service.Release()

	_, err = service.IndexEmbedded(context.Background(), 0)
	require.EqualError(t, err, "unauthorized")
}
