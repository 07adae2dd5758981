package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	apperrors "github.com/zatekoja/datasearch/pkg/errors"
)

func strPtr(s string) *string { return &s }

func seedRow(id, title string) *entities.Dataset {
	return &entities.Dataset{
		SourceName:       entities.SourceKaggle,
		ExternalID:       id,
		Title:            title,
		URL:              "https://www.kaggle.com/datasets/" + id,
		EnrichmentStatus: entities.EnrichmentStatusMinimal,
		SourceMeta: entities.SourceMeta{
			entities.MetaKeyCSVID:            id,
			entities.MetaKeyEnrichmentSource: entities.EnrichmentSourceCSV,
		},
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	first, err := store.Upsert(ctx, seedRow("1", "Titanic"))
	require.NoError(t, err)
	second, err := store.Upsert(ctx, seedRow("1", "Titanic"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	counts, err := store.CountByStatus(ctx, entities.SourceKaggle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[entities.EnrichmentStatusMinimal])
}

func TestStore_MinimalDoesNotOverwriteEnriched(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	stored, err := store.Upsert(ctx, seedRow("7", "Old title"))
	require.NoError(t, err)
	require.NoError(t, store.MarkEnriched(ctx, stored.ID, []float32{1, 2, 3}))

	affected, err := store.BulkUpsert(ctx, []*entities.Dataset{seedRow("7", "New title")})
	require.NoError(t, err)
	assert.Zero(t, affected)

	got, err := store.GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "Old title", got.Title)
	assert.Equal(t, entities.EnrichmentStatusEnriched, got.EnrichmentStatus)
	assert.Equal(t, []float32{1, 2, 3}, got.Embedding)
}

func TestStore_PendingPromotesMinimalAndKeepsMeta(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_, err := store.Upsert(ctx, seedRow("12", "Seed"))
	require.NoError(t, err)

	rich := &entities.Dataset{
		SourceName:       entities.SourceKaggle,
		ExternalID:       "12",
		Title:            "Rich title",
		Description:      strPtr("Full description"),
		EnrichmentStatus: entities.EnrichmentStatusPending,
		SourceMeta: entities.SourceMeta{
			entities.MetaKeyRef:              "owner/rich",
			entities.MetaKeyEnrichmentSource: entities.EnrichmentSourceAPI,
			"subtitle":                       nil,
		},
	}
	got, err := store.Upsert(ctx, rich)
	require.NoError(t, err)

	assert.Equal(t, entities.EnrichmentStatusPending, got.EnrichmentStatus)
	assert.Equal(t, "Rich title", got.Title)
	assert.Equal(t, "12", got.SourceMeta.CSVID())
	assert.Equal(t, "owner/rich", got.SourceMeta.NativeRef(got.ExternalID))
	assert.Equal(t, entities.EnrichmentSourceAPI, got.SourceMeta.EnrichmentSource())
	assert.NotContains(t, got.SourceMeta, "subtitle")
}

func TestStore_BulkUpsertLastDuplicateWins(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	affected, err := store.BulkUpsert(ctx, []*entities.Dataset{seedRow("1", "a"), seedRow("2", "b"), seedRow("1", "c")})
	require.NoError(t, err)
	assert.Equal(t, 2, affected)

	got, err := store.GetByKey(ctx, entities.SourceKaggle, "1")
	require.NoError(t, err)
	assert.Equal(t, "c", got.Title)
}

func TestStore_MarkEnrichingClaimsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	d, err := store.Upsert(ctx, seedRow("1", "a"))
	require.NoError(t, err)

	attempt, claimed, err := store.MarkEnriching(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 1, attempt)

	_, claimed, err = store.MarkEnriching(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := store.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EnrichmentStatusEnriching, got.EnrichmentStatus)
	assert.NotNil(t, got.LastCheckedAt)
}

func TestStore_ClaimIgnoresAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	d, err := store.Upsert(ctx, seedRow("1", "a"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, claimed, err := store.MarkEnriching(ctx, d.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, store.SetStatus(ctx, d.ID, entities.EnrichmentStatusPending))
	}

	pending, err := store.ListPendingForEnrichment(ctx, entities.SourceKaggle, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// the ceiling is a selection filter; a claim only checks status and is_active
	attempt, claimed, err := store.MarkEnriching(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 4, attempt)
}

func TestStore_ListPendingForEnrichment(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	for _, id := range []string{"1", "2", "3", "4"} {
		_, err := store.Upsert(ctx, seedRow(id, id))
		require.NoError(t, err)
	}
	hf := &entities.Dataset{SourceName: entities.SourceHuggingFace, ExternalID: "org/x", EnrichmentStatus: entities.EnrichmentStatusPending}
	_, err := store.Upsert(ctx, hf)
	require.NoError(t, err)

	failed, err := store.GetByKey(ctx, entities.SourceKaggle, "2")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, failed.ID, "gone"))

	exhausted, err := store.GetByKey(ctx, entities.SourceKaggle, "3")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err = store.MarkEnriching(ctx, exhausted.ID)
		require.NoError(t, err)
		require.NoError(t, store.SetStatus(ctx, exhausted.ID, entities.EnrichmentStatusPending))
	}

	pending, err := store.ListPendingForEnrichment(ctx, entities.SourceKaggle, 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "1", pending[0].ExternalID)
	assert.Equal(t, "4", pending[1].ExternalID)

	limited, err := store.ListPendingForEnrichment(ctx, entities.SourceKaggle, 1, 3)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_MarkFailedDeactivates(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	d, err := store.Upsert(ctx, seedRow("1", "a"))
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, d.ID, "Failed to fetch from API"))

	got, err := store.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EnrichmentStatusFailed, got.EnrichmentStatus)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.LastEnrichmentError)
	assert.Equal(t, "Failed to fetch from API", *got.LastEnrichmentError)

	err = store.MarkFailed(ctx, "missing", "x")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_ReleaseStaleLeases(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	csvRow, err := store.Upsert(ctx, seedRow("1", "csv"))
	require.NoError(t, err)
	apiRow, err := store.Upsert(ctx, &entities.Dataset{
		SourceName:       entities.SourceKaggle,
		ExternalID:       "2",
		EnrichmentStatus: entities.EnrichmentStatusPending,
		SourceMeta:       entities.SourceMeta{entities.MetaKeyEnrichmentSource: entities.EnrichmentSourceAPI},
	})
	require.NoError(t, err)
	fresh, err := store.Upsert(ctx, seedRow("3", "fresh"))
	require.NoError(t, err)

	for _, id := range []string{csvRow.ID, apiRow.ID} {
		_, claimed, err := store.MarkEnriching(ctx, id)
		require.NoError(t, err)
		require.True(t, claimed)
	}

	now = now.Add(2 * time.Hour)
	_, _, err = store.MarkEnriching(ctx, fresh.ID)
	require.NoError(t, err)

	released, err := store.ReleaseStaleLeases(ctx, entities.SourceKaggle, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	got, _ := store.GetByID(ctx, csvRow.ID)
	assert.Equal(t, entities.EnrichmentStatusMinimal, got.EnrichmentStatus)
	got, _ = store.GetByID(ctx, apiRow.ID)
	assert.Equal(t, entities.EnrichmentStatusPending, got.EnrichmentStatus)
	got, _ = store.GetByID(ctx, fresh.ID)
	assert.Equal(t, entities.EnrichmentStatusEnriching, got.EnrichmentStatus)
}

func TestStore_WithinTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	err := store.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := store.BulkUpsert(ctx, []*entities.Dataset{seedRow("1", "a"), seedRow("2", "b")})
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	counts, err := store.CountByStatus(ctx, entities.SourceKaggle)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestStore_NestedTransactionIsolatesFailure(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	a, err := store.Upsert(ctx, &entities.Dataset{SourceName: entities.SourceKaggle, ExternalID: "a", EnrichmentStatus: entities.EnrichmentStatusEnriched})
	require.NoError(t, err)
	b, err := store.Upsert(ctx, &entities.Dataset{SourceName: entities.SourceKaggle, ExternalID: "b", EnrichmentStatus: entities.EnrichmentStatusEnriched})
	require.NoError(t, err)

	err = store.WithinTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, store.WithinTransaction(ctx, func(ctx context.Context) error {
			return store.MarkEnriched(ctx, a.ID, []float32{1})
		}))
		innerErr := store.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := store.MarkEnriched(ctx, b.ID, []float32{2}); err != nil {
				return err
			}
			return errors.New("write failed")
		})
		assert.Error(t, innerErr)
		return nil
	})
	require.NoError(t, err)

	got, _ := store.GetByID(ctx, a.ID)
	assert.True(t, got.HasEmbedding())
	got, _ = store.GetByID(ctx, b.ID)
	assert.False(t, got.HasEmbedding())
}

func TestStore_LogAggregates(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	d, err := store.Upsert(ctx, seedRow("1", "a"))
	require.NoError(t, err)

	ms := int64(100)
	fetchErr, apiErr := "FetchError", "EXTERNAL"
	entries := []*entities.EnrichmentLogEntry{
		{DatasetID: d.ID, Stage: entities.EnrichmentStageAPIMetadata, Result: entities.EnrichmentResultSuccess, AttemptNumber: 1, DurationMs: &ms},
		{DatasetID: d.ID, Stage: entities.EnrichmentStageAPIMetadata, Result: entities.EnrichmentResultFailed, AttemptNumber: 2, ErrorType: &fetchErr},
		{DatasetID: d.ID, Stage: entities.EnrichmentStageAPIMetadata, Result: entities.EnrichmentResultFailed, AttemptNumber: 3, ErrorType: &fetchErr},
		{DatasetID: d.ID, Stage: entities.EnrichmentStageAPIMetadata, Result: entities.EnrichmentResultFailed, AttemptNumber: 3, ErrorType: &apiErr},
	}
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	stages, err := store.StageStats(ctx, entities.SourceKaggle)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, entities.EnrichmentResultFailed, stages[0].Result)
	assert.Equal(t, int64(3), stages[0].Count)
	assert.Nil(t, stages[0].AvgDurationMs)
	require.NotNil(t, stages[1].AvgDurationMs)
	assert.Equal(t, float64(100), *stages[1].AvgDurationMs)

	errs, err := store.ErrorStats(ctx, entities.SourceKaggle, 1)
	require.NoError(t, err)
	assert.Equal(t, []entities.ErrorStats{{ErrorType: "FetchError", Count: 2}}, errs)

	assert.Len(t, store.Logs(), 4)
}
