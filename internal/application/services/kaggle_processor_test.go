package services

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/datasearch/internal/adapters/memory"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/kaggle"
)

func newTestKaggleProcessor(client *mockKaggleClient, store *memory.Store) *KaggleProcessor {
	p := NewKaggleProcessor(client, store, store, store, ProcessorOptions{})
	p.enricher.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func metaRows(ids ...int64) []kaggle.MetaDataset {
	rows := make([]kaggle.MetaDataset, len(ids))
	for i, id := range ids {
		rows[i] = kaggle.MetaDataset{ID: id, TotalViews: id * 10}
	}
	return rows
}

func TestKaggleProcessor_SeedFromCSV(t *testing.T) {
	client := &mockKaggleClient{}
	store := memory.NewStore()
	p := newTestKaggleProcessor(client, store)

	client.On("FetchInitialSeed", mock.Anything, 2, true).
		Return(batchesOf(metaRows(1, 2), metaRows(3))).Once()

	result, err := p.SeedFromCSV(context.Background(), 2, true)
	require.NoError(t, err)
	assert.Equal(t, &entities.IngestionResult{Fetched: 3, Upserted: 3}, result)

	counts, err := store.CountByStatus(context.Background(), entities.SourceKaggle)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[entities.EnrichmentStatusMinimal])

	for _, id := range []string{"1", "2", "3"} {
		d := getDataset(t, store, id)
		assert.Zero(t, d.EnrichmentAttempts)
		assert.Equal(t, "Kaggle Dataset "+id, d.Title)
	}
	client.AssertExpectations(t)
}

func TestKaggleProcessor_SeedIsIdempotent(t *testing.T) {
	client := &mockKaggleClient{}
	store := memory.NewStore()
	p := newTestKaggleProcessor(client, store)

	client.On("FetchInitialSeed", mock.Anything, DefaultSeedBatchSize, false).
		Return(batchesOf(metaRows(1, 2))).Twice()

	_, err := p.SeedFromCSV(context.Background(), 0, false)
	require.NoError(t, err)
	first := getDataset(t, store, "1")

	_, err = p.SeedFromCSV(context.Background(), 0, false)
	require.NoError(t, err)
	second := getDataset(t, store, "1")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	counts, err := store.CountByStatus(context.Background(), entities.SourceKaggle)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[entities.EnrichmentStatusMinimal])
}

func TestKaggleProcessor_SeedStopsOnFetchError(t *testing.T) {
	client := &mockKaggleClient{}
	store := memory.NewStore()
	p := newTestKaggleProcessor(client, store)

	failing := iter.Seq2[[]kaggle.MetaDataset, error](func(yield func([]kaggle.MetaDataset, error) bool) {
		if !yield(metaRows(1), nil) {
			return
		}
		yield(nil, errors.New("download interrupted"))
	})
	client.On("FetchInitialSeed", mock.Anything, 10, false).Return(failing).Once()

	result, err := p.SeedFromCSV(context.Background(), 10, false)
	require.EqualError(t, err, "download interrupted")
	assert.Equal(t, &entities.IngestionResult{Fetched: 1, Upserted: 1}, result)
}

func TestKaggleProcessor_FetchLatestMergesOntoSeed(t *testing.T) {
	client := &mockKaggleClient{}
	store := memory.NewStore()
	p := newTestKaggleProcessor(client, store)

	client.On("FetchInitialSeed", mock.Anything, DefaultSeedBatchSize, false).
		Return(batchesOf(metaRows(101))).Once()
	client.On("FetchLatest", mock.Anything, DefaultFetchLimit, DefaultKaggleSortBy).
		Return(batchesOf([]kaggle.Dataset{
			{ID: 101, Ref: "alice/housing", Title: "Housing"},
			{ID: 202, Ref: "bob/weather", Title: "Weather"},
		})).Once()

	_, err := p.SeedFromCSV(context.Background(), 0, false)
	require.NoError(t, err)
	seeded := getDataset(t, store, "101")

	result, err := p.FetchLatest(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Equal(t, &entities.IngestionResult{Fetched: 2, Upserted: 2}, result)

	merged := getDataset(t, store, "101")
	assert.Equal(t, seeded.ID, merged.ID)
	assert.Equal(t, "Housing", merged.Title)
	assert.Equal(t, entities.EnrichmentStatusPending, merged.EnrichmentStatus)
	assert.Equal(t, "101", merged.SourceMeta.CSVID())
	assert.Equal(t, "alice/housing", merged.SourceMeta.NativeRef(""))

	assert.Equal(t, entities.EnrichmentStatusPending, getDataset(t, store, "202").EnrichmentStatus)
}

func TestKaggleProcessor_ReseedDoesNotDowngradeEnriched(t *testing.T) {
	client := &mockKaggleClient{}
	store := memory.NewStore()
	p := newTestKaggleProcessor(client, store)

	client.On("FetchInitialSeed", mock.Anything, DefaultSeedBatchSize, false).
		Return(batchesOf(metaRows(7))).Twice()
	client.On("EnrichByRef", mock.Anything, "7").
		Return(&kaggle.Dataset{ID: 7, Ref: "carol/seven", Title: "Seven"}, nil).Once()

	_, err := p.SeedFromCSV(context.Background(), 0, false)
	require.NoError(t, err)

	result, err := p.EnrichPending(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.Enriched)

	_, err = p.SeedFromCSV(context.Background(), 0, false)
	require.NoError(t, err)

	d := getDataset(t, store, "7")
	assert.Equal(t, entities.EnrichmentStatusEnriched, d.EnrichmentStatus)
	assert.Equal(t, "Seven", d.Title)
	client.AssertExpectations(t)
}

func TestKaggleProcessor_EnrichScenario(t *testing.T) {
	client := &mockKaggleClient{}
	store := memory.NewStore()
	p := newTestKaggleProcessor(client, store)

	client.On("FetchInitialSeed", mock.Anything, DefaultSeedBatchSize, false).
		Return(batchesOf(metaRows(1, 2, 3))).Once()
	client.On("EnrichByRef", mock.Anything, "1").
		Return(&kaggle.Dataset{ID: 1, Ref: "alice/one", Title: "One", Description: "first"}, nil).Once()
	client.On("EnrichByRef", mock.Anything, "2").Return(nil, nil).Once()
	client.On("EnrichByRef", mock.Anything, "3").Return(nil, errors.New("unexpected payload")).Once()

	_, err := p.SeedFromCSV(context.Background(), 0, false)
	require.NoError(t, err)

	result, err := p.EnrichPending(context.Background(), 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enriched)
	assert.Equal(t, 2, result.Failed)

	one := getDataset(t, store, "1")
	assert.Equal(t, entities.EnrichmentStatusEnriched, one.EnrichmentStatus)
	assert.Equal(t, 1, one.EnrichmentAttempts)
	require.NotNil(t, one.Description)
	assert.Equal(t, "first", *one.Description)

	for _, id := range []string{"2", "3"} {
		d := getDataset(t, store, id)
		assert.Equal(t, entities.EnrichmentStatusFailed, d.EnrichmentStatus)
		assert.Equal(t, 1, d.EnrichmentAttempts)
		assert.False(t, d.IsActive)
	}

	stats, err := NewStatsService(store, store, nil, 0).GetSourceStats(context.Background(), entities.SourceKaggle)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Enriched)
	assert.Equal(t, int64(2), stats.Failed)
	assert.InDelta(t, 33.33, stats.Progress, 0.01)

	client.AssertExpectations(t)
}

func TestKaggleProcessor_ReleaseStaleLeasesDisabledWithoutTTL(t *testing.T) {
	p := newTestKaggleProcessor(&mockKaggleClient{}, memory.NewStore())

	released, err := p.ReleaseStaleLeases(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)
}
