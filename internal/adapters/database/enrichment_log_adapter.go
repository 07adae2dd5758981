package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/datasearch/pkg/errors"
)

const enrichmentLogsTable = "enrichment_logs"

// EnrichmentLogAdapter implements EnrichmentLogRepository
type EnrichmentLogAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewEnrichmentLogAdapter creates a new enrichment log adapter
func NewEnrichmentLogAdapter(client *postgres.Client) repositories.EnrichmentLogRepository {
	return &EnrichmentLogAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// Append records one attempt outcome
func (a *EnrichmentLogAdapter) Append(ctx context.Context, entry *entities.EnrichmentLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	record := goqu.Record{
		"id":             entry.ID,
		"dataset_id":     entry.DatasetID,
		"stage":          string(entry.Stage),
		"result":         string(entry.Result),
		"attempt_number": entry.AttemptNumber,
		"duration_ms":    nullInt64(entry.DurationMs),
		"error_message":  nullString(entry.ErrorMessage),
		"error_type":     nullString(entry.ErrorType),
		"created_at":     entry.CreatedAt,
	}

	query, args, err := a.db.Insert(enrichmentLogsTable).Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err := a.client.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to append enrichment log", err)
	}
	return nil
}

// StageStats aggregates entries per stage and result for a source
func (a *EnrichmentLogAdapter) StageStats(ctx context.Context, source entities.Source) ([]entities.EnrichmentStageStats, error) {
	query, args, err := a.db.From(goqu.T(enrichmentLogsTable).As("l")).
		Join(goqu.T(datasetsTable).As("d"), goqu.On(goqu.I("d.id").Eq(goqu.I("l.dataset_id")))).
		Select(goqu.I("l.stage"), goqu.I("l.result"), goqu.COUNT("*"), goqu.AVG(goqu.I("l.duration_ms"))).
		Where(goqu.I("d.source_name").Eq(string(source))).
		GroupBy(goqu.I("l.stage"), goqu.I("l.result")).
		Order(goqu.I("l.stage").Asc(), goqu.I("l.result").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to aggregate enrichment logs", err)
	}
	defer rows.Close()

	var stats []entities.EnrichmentStageStats
	for rows.Next() {
		var (
			stage, result string
			count         int64
			avg           sql.NullFloat64
		)
		if err := rows.Scan(&stage, &result, &count, &avg); err != nil {
			return nil, apperrors.NewInternalError("failed to scan stage stats", err)
		}
		s := entities.EnrichmentStageStats{
			Stage:  entities.EnrichmentStage(stage),
			Result: entities.EnrichmentResult(result),
			Count:  count,
		}
		if avg.Valid {
			s.AvgDurationMs = &avg.Float64
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to aggregate enrichment logs", err)
	}
	return stats, nil
}

// ErrorStats returns the most frequent failure types for a source
func (a *EnrichmentLogAdapter) ErrorStats(ctx context.Context, source entities.Source, limit int) ([]entities.ErrorStats, error) {
	countExpr := goqu.COUNT("*")
	query, args, err := a.db.From(goqu.T(enrichmentLogsTable).As("l")).
		Join(goqu.T(datasetsTable).As("d"), goqu.On(goqu.I("d.id").Eq(goqu.I("l.dataset_id")))).
		Select(goqu.I("l.error_type"), countExpr).
		Where(
			goqu.I("d.source_name").Eq(string(source)),
			goqu.I("l.result").Neq(string(entities.EnrichmentResultSuccess)),
			goqu.I("l.error_type").IsNotNull(),
		).
		GroupBy(goqu.I("l.error_type")).
		Order(countExpr.Desc(), goqu.I("l.error_type").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to aggregate error types", err)
	}
	defer rows.Close()

	var stats []entities.ErrorStats
	for rows.Next() {
		var s entities.ErrorStats
		if err := rows.Scan(&s.ErrorType, &s.Count); err != nil {
			return nil, apperrors.NewInternalError("failed to scan error stats", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to aggregate error types", err)
	}
	return stats, nil
}
