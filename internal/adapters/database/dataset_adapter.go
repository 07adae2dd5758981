package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/datasearch/pkg/errors"
)

const datasetsTable = "datasets"

var datasetColumns = []any{
	"id", "source_name", "external_id", "title", "url", "description", "tags",
	"license", "file_formats", "total_size_bytes", "column_names", "row_count",
	"download_count", "view_count", "like_count", "source_created_at",
	"source_updated_at", "embedding", "static_score", "is_active",
	"enrichment_status", "enrichment_attempts", "last_enrichment_error",
	"last_enriched_at", "last_checked_at", "source_meta", "created_at", "updated_at",
}

// DatasetAdapter implements DatasetRepository on PostgreSQL
type DatasetAdapter struct {
	client *postgres.Client
	db     *goqu.Database
	now    func() time.Time
}

// NewDatasetAdapter creates a new dataset adapter
func NewDatasetAdapter(client *postgres.Client) repositories.DatasetRepository {
	return newDatasetAdapter(client)
}

func newDatasetAdapter(client *postgres.Client) *DatasetAdapter {
	return &DatasetAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
		now:    time.Now,
	}
}

// GetByKey retrieves a dataset by its natural key
func (a *DatasetAdapter) GetByKey(ctx context.Context, source entities.Source, externalID string) (*entities.Dataset, error) {
	return a.getOne(ctx, goqu.Ex{"source_name": string(source), "external_id": externalID},
		fmt.Sprintf("dataset %s/%s not found", source, externalID))
}

// GetByID retrieves a dataset by storage id
func (a *DatasetAdapter) GetByID(ctx context.Context, id string) (*entities.Dataset, error) {
	return a.getOne(ctx, goqu.Ex{"id": id}, fmt.Sprintf("dataset with id %s not found", id))
}

func (a *DatasetAdapter) getOne(ctx context.Context, where goqu.Ex, notFound string) (*entities.Dataset, error) {
	query, args, err := a.db.From(datasetsTable).Select(datasetColumns...).Where(where).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	dataset, err := scanDataset(a.client.Conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(notFound)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get dataset", err)
	}
	return dataset, nil
}

// Upsert inserts or merges one dataset and returns the stored row
func (a *DatasetAdapter) Upsert(ctx context.Context, dataset *entities.Dataset) (*entities.Dataset, error) {
	query, args, err := a.upsertQuery([]*entities.Dataset{dataset}).Returning(datasetColumns...).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build upsert query", err)
	}

	stored, err := scanDataset(a.client.Conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		// The conflict guard declined the merge; the stored row is current.
		return a.GetByKey(ctx, dataset.SourceName, dataset.ExternalID)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to upsert dataset", err)
	}
	return stored, nil
}

// BulkUpsert inserts or merges a batch and returns rows inserted or updated
func (a *DatasetAdapter) BulkUpsert(ctx context.Context, datasets []*entities.Dataset) (int, error) {
	datasets = dedupeByKey(datasets)
	if len(datasets) == 0 {
		return 0, nil
	}

	query, args, err := a.upsertQuery(datasets).ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build bulk upsert query", err)
	}

	result, err := a.client.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to bulk upsert datasets", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to get rows affected", err)
	}
	return int(affected), nil
}

func (a *DatasetAdapter) upsertQuery(datasets []*entities.Dataset) *goqu.InsertDataset {
	now := a.now().UTC()
	rows := make([]any, 0, len(datasets))
	for _, d := range datasets {
		rows = append(rows, insertRecord(d, now))
	}

	excluded := func(col string) exp.IdentifierExpression { return goqu.I("excluded." + col) }
	update := goqu.Record{
		"title":             excluded("title"),
		"url":               excluded("url"),
		"description":       excluded("description"),
		"tags":              excluded("tags"),
		"license":           excluded("license"),
		"file_formats":      excluded("file_formats"),
		"total_size_bytes":  excluded("total_size_bytes"),
		"column_names":      excluded("column_names"),
		"row_count":         excluded("row_count"),
		"download_count":    excluded("download_count"),
		"view_count":        excluded("view_count"),
		"like_count":        excluded("like_count"),
		"source_created_at": excluded("source_created_at"),
		"source_updated_at": excluded("source_updated_at"),
		"static_score":      goqu.L("COALESCE(excluded.static_score, datasets.static_score)"),
		"source_meta":       goqu.L("datasets.source_meta || jsonb_strip_nulls(excluded.source_meta)"),
		"enrichment_status": goqu.L(
			"CASE WHEN datasets.enrichment_status = ? AND excluded.enrichment_status = ? THEN ? ELSE datasets.enrichment_status END",
			string(entities.EnrichmentStatusMinimal), string(entities.EnrichmentStatusPending), string(entities.EnrichmentStatusPending),
		),
		"updated_at": excluded("updated_at"),
	}

	// A MINIMAL seed row never overwrites anything richer than itself.
	guard := goqu.Or(
		excluded("enrichment_status").Neq(string(entities.EnrichmentStatusMinimal)),
		goqu.I("datasets.enrichment_status").Eq(string(entities.EnrichmentStatusMinimal)),
	)

	return a.db.Insert(datasetsTable).
		Rows(rows...).
		OnConflict(goqu.DoUpdate("source_name, external_id", update).Where(guard))
}

func insertRecord(d *entities.Dataset, now time.Time) goqu.Record {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := d.EnrichmentStatus
	if status == "" {
		status = entities.EnrichmentStatusPending
	}
	meta := d.SourceMeta
	if meta == nil {
		meta = entities.SourceMeta{}
	}

	return goqu.Record{
		"id":                id,
		"source_name":       string(d.SourceName),
		"external_id":       d.ExternalID,
		"title":             d.Title,
		"url":               d.URL,
		"description":       nullString(d.Description),
		"tags":              nullArray(d.Tags),
		"license":           nullString(d.License),
		"file_formats":      nullArray(d.FileFormats),
		"total_size_bytes":  nullInt64(d.TotalSizeBytes),
		"column_names":      nullArray(d.ColumnNames),
		"row_count":         nullInt64(d.RowCount),
		"download_count":    d.DownloadCount,
		"view_count":        d.ViewCount,
		"like_count":        d.LikeCount,
		"source_created_at": nullTime(d.SourceCreatedAt),
		"source_updated_at": nullTime(d.SourceUpdatedAt),
		"static_score":      nullFloat(d.StaticScore),
		"is_active":         true,
		"enrichment_status": string(status),
		"source_meta":       meta,
		"created_at":        now,
		"updated_at":        now,
	}
}

// ListPendingForEnrichment returns eligible records for a source, oldest first
func (a *DatasetAdapter) ListPendingForEnrichment(ctx context.Context, source entities.Source, limit, maxAttempts int) ([]*entities.Dataset, error) {
	query, args, err := a.db.From(datasetsTable).
		Select(datasetColumns...).
		Where(
			goqu.Ex{
				"source_name":       string(source),
				"is_active":         true,
				"enrichment_status": []string{string(entities.EnrichmentStatusMinimal), string(entities.EnrichmentStatusPending)},
			},
			goqu.C("enrichment_attempts").Lt(maxAttempts),
		).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}
	return a.list(ctx, query, args, "failed to list pending datasets")
}

// ListForEmbedding returns enriched records without a vector
func (a *DatasetAdapter) ListForEmbedding(ctx context.Context, limit int) ([]*entities.Dataset, error) {
	query, args, err := a.db.From(datasetsTable).
		Select(datasetColumns...).
		Where(
			goqu.Ex{"is_active": true, "enrichment_status": string(entities.EnrichmentStatusEnriched)},
			goqu.C("embedding").IsNull(),
		).
		Order(goqu.C("created_at").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}
	return a.list(ctx, query, args, "failed to list datasets for embedding")
}

// ListIndexable pages enriched records that carry a vector
func (a *DatasetAdapter) ListIndexable(ctx context.Context, limit, offset int) ([]*entities.Dataset, error) {
	query, args, err := a.db.From(datasetsTable).
		Select(datasetColumns...).
		Where(
			goqu.Ex{"is_active": true, "enrichment_status": string(entities.EnrichmentStatusEnriched)},
			goqu.C("embedding").IsNotNull(),
		).
		Order(goqu.C("id").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}
	return a.list(ctx, query, args, "failed to list indexable datasets")
}

func (a *DatasetAdapter) list(ctx context.Context, query string, args []any, failure string) ([]*entities.Dataset, error) {
	rows, err := a.client.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError(failure, err)
	}
	defer rows.Close()

	var datasets []*entities.Dataset
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan dataset", err)
		}
		datasets = append(datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError(failure, err)
	}
	return datasets, nil
}

// MarkEnriching claims an eligible record for enrichment
func (a *DatasetAdapter) MarkEnriching(ctx context.Context, id string) (int, bool, error) {
	now := a.now().UTC()
	query, args, err := a.db.Update(datasetsTable).
		Set(goqu.Record{
			"enrichment_status":   string(entities.EnrichmentStatusEnriching),
			"enrichment_attempts": goqu.L("enrichment_attempts + 1"),
			"last_checked_at":     now,
			"updated_at":          now,
		}).
		Where(goqu.Ex{
			"id":                id,
			"is_active":         true,
			"enrichment_status": []string{string(entities.EnrichmentStatusMinimal), string(entities.EnrichmentStatusPending)},
		}).
		Returning("enrichment_attempts").
		ToSQL()
	if err != nil {
		return 0, false, apperrors.NewInternalError("failed to build update query", err)
	}

	var attempt int
	err = a.client.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.NewInternalError("failed to mark dataset enriching", err)
	}
	return attempt, true, nil
}

// MarkEnriched sets ENRICHED and optionally attaches the embedding
func (a *DatasetAdapter) MarkEnriched(ctx context.Context, id string, embedding []float32) error {
	now := a.now().UTC()
	record := goqu.Record{
		"enrichment_status": string(entities.EnrichmentStatusEnriched),
		"last_enriched_at":  now,
		"updated_at":        now,
	}
	if embedding != nil {
		record["embedding"] = pgvector.NewVector(embedding)
	}
	return a.updateByID(ctx, id, record, "failed to mark dataset enriched")
}

// MarkFailed sets FAILED and deactivates the record
func (a *DatasetAdapter) MarkFailed(ctx context.Context, id string, message string) error {
	return a.updateByID(ctx, id, goqu.Record{
		"enrichment_status":     string(entities.EnrichmentStatusFailed),
		"is_active":             false,
		"last_enrichment_error": message,
		"updated_at":            a.now().UTC(),
	}, "failed to mark dataset failed")
}

func (a *DatasetAdapter) updateByID(ctx context.Context, id string, record goqu.Record, failure string) error {
	query, args, err := a.db.Update(datasetsTable).Set(record).Where(goqu.Ex{"id": id}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build update query", err)
	}

	result, err := a.client.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError(failure, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperrors.NewInternalError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("dataset with id %s not found", id))
	}
	return nil
}

// ReleaseStaleLeases returns expired ENRICHING records to their entry status
func (a *DatasetAdapter) ReleaseStaleLeases(ctx context.Context, source entities.Source, olderThan time.Time) (int, error) {
	query, args, err := a.db.Update(datasetsTable).
		Set(goqu.Record{
			"enrichment_status": goqu.L(
				"CASE WHEN source_meta->>? = ? THEN ? ELSE ? END",
				entities.MetaKeyEnrichmentSource, entities.EnrichmentSourceCSV,
				string(entities.EnrichmentStatusMinimal), string(entities.EnrichmentStatusPending),
			),
			"updated_at": a.now().UTC(),
		}).
		Where(
			goqu.Ex{
				"source_name":       string(source),
				"is_active":         true,
				"enrichment_status": string(entities.EnrichmentStatusEnriching),
			},
			goqu.Or(
				goqu.C("last_checked_at").IsNull(),
				goqu.C("last_checked_at").Lt(olderThan.UTC()),
			),
		).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build update query", err)
	}

	result, err := a.client.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to release stale leases", err)
	}
	released, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to get rows affected", err)
	}
	return int(released), nil
}

// CountByStatus counts records per status for a source
func (a *DatasetAdapter) CountByStatus(ctx context.Context, source entities.Source) (map[entities.EnrichmentStatus]int64, error) {
	query, args, err := a.db.From(datasetsTable).
		Select(goqu.C("enrichment_status"), goqu.COUNT("*")).
		Where(goqu.Ex{"source_name": string(source)}).
		GroupBy(goqu.C("enrichment_status")).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to count datasets", err)
	}
	defer rows.Close()

	counts := make(map[entities.EnrichmentStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.NewInternalError("failed to scan count", err)
		}
		counts[entities.EnrichmentStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to count datasets", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*entities.Dataset, error) {
	d := &entities.Dataset{}
	var (
		sourceName, status              string
		description, license, lastError sql.NullString
		totalSize, rowCount             sql.NullInt64
		staticScore                     sql.NullFloat64
		sourceCreated, sourceUpdated    sql.NullTime
		lastEnriched, lastChecked       sql.NullTime
		embedding                       *pgvector.Vector
		tags, fileFormats, columnNames  pq.StringArray
	)

	err := row.Scan(
		&d.ID, &sourceName, &d.ExternalID, &d.Title, &d.URL, &description, &tags,
		&license, &fileFormats, &totalSize, &columnNames, &rowCount,
		&d.DownloadCount, &d.ViewCount, &d.LikeCount, &sourceCreated,
		&sourceUpdated, &embedding, &staticScore, &d.IsActive,
		&status, &d.EnrichmentAttempts, &lastError,
		&lastEnriched, &lastChecked, &d.SourceMeta, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.SourceName = entities.Source(sourceName)
	d.EnrichmentStatus = entities.EnrichmentStatus(status)
	d.Description = fromNullString(description)
	d.License = fromNullString(license)
	d.LastEnrichmentError = fromNullString(lastError)
	d.TotalSizeBytes = fromNullInt64(totalSize)
	d.RowCount = fromNullInt64(rowCount)
	d.SourceCreatedAt = fromNullTime(sourceCreated)
	d.SourceUpdatedAt = fromNullTime(sourceUpdated)
	d.LastEnrichedAt = fromNullTime(lastEnriched)
	d.LastCheckedAt = fromNullTime(lastChecked)
	if staticScore.Valid {
		d.StaticScore = &staticScore.Float64
	}
	if embedding != nil {
		d.Embedding = embedding.Slice()
	}
	if len(tags) > 0 {
		d.Tags = []string(tags)
	}
	if len(fileFormats) > 0 {
		d.FileFormats = []string(fileFormats)
	}
	if len(columnNames) > 0 {
		d.ColumnNames = []string(columnNames)
	}
	return d, nil
}

// dedupeByKey keeps the last record per natural key, in first-seen order.
// Postgres rejects an INSERT .. ON CONFLICT that touches one row twice.
func dedupeByKey(datasets []*entities.Dataset) []*entities.Dataset {
	index := make(map[entities.DatasetKey]int, len(datasets))
	out := make([]*entities.Dataset, 0, len(datasets))
	for _, d := range datasets {
		if d == nil {
			continue
		}
		if i, ok := index[d.Key()]; ok {
			out[i] = d
			continue
		}
		index[d.Key()] = len(out)
		out = append(out, d)
	}
	return out
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullArray(values []string) any {
	if values == nil {
		return nil
	}
	return pq.Array(values)
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func fromNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
