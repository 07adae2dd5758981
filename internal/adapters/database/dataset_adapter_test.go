package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/datasearch/pkg/errors"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDatasetAdapter(t *testing.T) (*DatasetAdapter, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := newDatasetAdapter(postgres.NewClientFromDB(db))
	adapter.now = func() time.Time { return fixedNow }
	return adapter, mock
}

func datasetColumnNames() []string {
	names := make([]string, len(datasetColumns))
	for i, c := range datasetColumns {
		names[i] = c.(string)
	}
	return names
}

func datasetRow(id, externalID, status string, embedding driver.Value) []driver.Value {
	return []driver.Value{
		id, "kaggle", externalID, "Kaggle Dataset " + externalID, "https://www.kaggle.com/datasets/" + externalID,
		nil, "{tabular,finance}", nil, nil, nil, nil, nil,
		int64(10), int64(20), int64(3), nil,
		nil, embedding, nil, true,
		status, int64(0), nil,
		nil, nil, []byte(`{"csv_id":"` + externalID + `","enrichment_source":"csv"}`), fixedNow, fixedNow,
	}
}

func TestDatasetAdapter_ListPendingForEnrichment(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	rows := sqlmock.NewRows(datasetColumnNames()).
		AddRow(datasetRow("id-1", "101", "minimal", nil)...).
		AddRow(datasetRow("id-2", "102", "pending", nil)...)

	mock.ExpectQuery(`SELECT .* FROM "datasets" WHERE .*"enrichment_status" IN \('minimal', 'pending'\).*"source_name" = 'kaggle'.*"enrichment_attempts" < 3.*ORDER BY "created_at" ASC, "id" ASC LIMIT 50`).
		WillReturnRows(rows)

	datasets, err := adapter.ListPendingForEnrichment(context.Background(), entities.SourceKaggle, 50, 3)
	require.NoError(t, err)
	require.Len(t, datasets, 2)

	first := datasets[0]
	assert.Equal(t, "id-1", first.ID)
	assert.Equal(t, entities.SourceKaggle, first.SourceName)
	assert.Equal(t, entities.EnrichmentStatusMinimal, first.EnrichmentStatus)
	assert.Equal(t, []string{"tabular", "finance"}, first.Tags)
	assert.Nil(t, first.Description)
	assert.Equal(t, "101", first.SourceMeta.CSVID())
	assert.False(t, first.HasEmbedding())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetAdapter_ScansEmbedding(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	mock.ExpectQuery(`SELECT .* FROM "datasets" WHERE .*"id" = 'id-9'`).
		WillReturnRows(sqlmock.NewRows(datasetColumnNames()).AddRow(datasetRow("id-9", "9", "enriched", "[0.5,1,2]")...))

	dataset, err := adapter.GetByID(context.Background(), "id-9")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1, 2}, dataset.Embedding)
}

func TestDatasetAdapter_GetByKeyNotFound(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	mock.ExpectQuery(`SELECT .* FROM "datasets"`).WillReturnRows(sqlmock.NewRows(datasetColumnNames()))

	_, err := adapter.GetByKey(context.Background(), entities.SourceHuggingFace, "org/missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDatasetAdapter_BulkUpsertDedupesAndGuardsMinimal(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	mock.ExpectExec(`INSERT INTO "datasets" .* ON CONFLICT \(source_name, external_id\) DO UPDATE SET .* WHERE \(\("excluded"\."enrichment_status" != 'minimal'\) OR \("datasets"\."enrichment_status" = 'minimal'\)\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	count, err := adapter.BulkUpsert(context.Background(), []*entities.Dataset{
		{SourceName: entities.SourceKaggle, ExternalID: "1", Title: "first", EnrichmentStatus: entities.EnrichmentStatusMinimal},
		{SourceName: entities.SourceKaggle, ExternalID: "2", Title: "second", EnrichmentStatus: entities.EnrichmentStatusMinimal},
		{SourceName: entities.SourceKaggle, ExternalID: "1", Title: "first again", EnrichmentStatus: entities.EnrichmentStatusMinimal},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetAdapter_BulkUpsertEmpty(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	count, err := adapter.BulkUpsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetAdapter_BulkUpsertWrapsDriverError(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	mock.ExpectExec(`INSERT INTO "datasets"`).WillReturnError(errors.New("connection lost"))

	_, err := adapter.BulkUpsert(context.Background(), []*entities.Dataset{{SourceName: entities.SourceKaggle, ExternalID: "1"}})
	require.Error(t, err)
	assert.True(t, apperrors.HasType(err, apperrors.ErrorTypeInternal))
}

func TestDatasetAdapter_MarkEnriching(t *testing.T) {
	t.Run("claims eligible record", func(t *testing.T) {
		adapter, mock := newTestDatasetAdapter(t)

		mock.ExpectQuery(`UPDATE "datasets" SET .*"enrichment_attempts"=enrichment_attempts \+ 1.*"enrichment_status"='enriching'.* WHERE .*"enrichment_status" IN \('minimal', 'pending'\).*"id" = 'id-1'.*"is_active" IS TRUE.* RETURNING "enrichment_attempts"`).
			WillReturnRows(sqlmock.NewRows([]string{"enrichment_attempts"}).AddRow(int64(2)))

		attempt, claimed, err := adapter.MarkEnriching(context.Background(), "id-1")
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, 2, attempt)
	})

	t.Run("already claimed elsewhere", func(t *testing.T) {
		adapter, mock := newTestDatasetAdapter(t)

		mock.ExpectQuery(`UPDATE "datasets"`).WillReturnRows(sqlmock.NewRows([]string{"enrichment_attempts"}))

		_, claimed, err := adapter.MarkEnriching(context.Background(), "id-1")
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}

func TestDatasetAdapter_MarkFailed(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	mock.ExpectExec(`UPDATE "datasets" SET .*"enrichment_status"='failed',"is_active"=FALSE,"last_enrichment_error"='boom'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, adapter.MarkFailed(context.Background(), "id-1", "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetAdapter_MarkEnrichedNotFound(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	mock.ExpectExec(`UPDATE "datasets" SET "embedding"='\[1,2\]',"enrichment_status"='enriched'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := adapter.MarkEnriched(context.Background(), "missing", []float32{1, 2})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDatasetAdapter_ReleaseStaleLeases(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	mock.ExpectExec(`UPDATE "datasets" SET "enrichment_status"=CASE WHEN source_meta->>'enrichment_source' = 'csv' THEN 'minimal' ELSE 'pending' END.*"enrichment_status" = 'enriching'.*"last_checked_at" IS NULL\) OR \("last_checked_at" <`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	released, err := adapter.ReleaseStaleLeases(context.Background(), entities.SourceKaggle, fixedNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, released)
}

func TestDatasetAdapter_CountByStatus(t *testing.T) {
	adapter, mock := newTestDatasetAdapter(t)

	mock.ExpectQuery(`SELECT "enrichment_status", COUNT\(\*\) FROM "datasets" WHERE \("source_name" = 'huggingface'\) GROUP BY "enrichment_status"`).
		WillReturnRows(sqlmock.NewRows([]string{"enrichment_status", "count"}).
			AddRow("pending", int64(7)).
			AddRow("enriched", int64(3)))

	counts, err := adapter.CountByStatus(context.Background(), entities.SourceHuggingFace)
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts[entities.EnrichmentStatusPending])
	assert.Equal(t, int64(3), counts[entities.EnrichmentStatusEnriched])
}

func TestDedupeByKey(t *testing.T) {
	a1 := &entities.Dataset{SourceName: entities.SourceKaggle, ExternalID: "a", Title: "1"}
	b := &entities.Dataset{SourceName: entities.SourceKaggle, ExternalID: "b"}
	a2 := &entities.Dataset{SourceName: entities.SourceKaggle, ExternalID: "a", Title: "2"}
	hf := &entities.Dataset{SourceName: entities.SourceHuggingFace, ExternalID: "a"}

	out := dedupeByKey([]*entities.Dataset{a1, b, nil, a2, hf})
	assert.Equal(t, []*entities.Dataset{a2, b, hf}, out)
}
