package repositories

import (
	"context"
	"time"

	"github.com/zatekoja/datasearch/internal/domain/entities"
)

// DatasetRepository defines the interface for dataset persistence
type DatasetRepository interface {
	// GetByKey retrieves a dataset by its natural key
	GetByKey(ctx context.Context, source entities.Source, externalID string) (*entities.Dataset, error)

	// GetByID retrieves a dataset by storage id
	GetByID(ctx context.Context, id string) (*entities.Dataset, error)

	// Upsert inserts or merges one dataset and returns the stored row
	Upsert(ctx context.Context, dataset *entities.Dataset) (*entities.Dataset, error)

	// BulkUpsert inserts or merges a batch and returns rows inserted or updated
	BulkUpsert(ctx context.Context, datasets []*entities.Dataset) (int, error)

	// ListPendingForEnrichment returns active MINIMAL/PENDING records below
	// the attempt ceiling, oldest first
	ListPendingForEnrichment(ctx context.Context, source entities.Source, limit, maxAttempts int) ([]*entities.Dataset, error)

	// ListForEmbedding returns active ENRICHED records without a vector
	ListForEmbedding(ctx context.Context, limit int) ([]*entities.Dataset, error)

	// ListIndexable pages active ENRICHED records that carry a vector
	ListIndexable(ctx context.Context, limit, offset int) ([]*entities.Dataset, error)

	// MarkEnriching claims an eligible record, bumping its attempt counter.
	// claimed is false when the record was no longer eligible.
	MarkEnriching(ctx context.Context, id string) (attempt int, claimed bool, err error)

	// MarkEnriched sets ENRICHED and, when embedding is non-nil, the vector
	MarkEnriched(ctx context.Context, id string, embedding []float32) error

	// MarkFailed sets FAILED, records the message and deactivates the record
	MarkFailed(ctx context.Context, id string, message string) error

	// ReleaseStaleLeases returns records stuck in ENRICHING since before
	// olderThan to their pre-claim status
	ReleaseStaleLeases(ctx context.Context, source entities.Source, olderThan time.Time) (int, error)

	// CountByStatus counts records per status for a source
	CountByStatus(ctx context.Context, source entities.Source) (map[entities.EnrichmentStatus]int64, error)
}

// EnrichmentLogRepository defines the interface for the enrichment audit log
type EnrichmentLogRepository interface {
	// Append records one attempt outcome
	Append(ctx context.Context, entry *entities.EnrichmentLogEntry) error

	// StageStats aggregates entries per stage and result for a source
	StageStats(ctx context.Context, source entities.Source) ([]entities.EnrichmentStageStats, error)

	// ErrorStats returns the most frequent error types for a source
	ErrorStats(ctx context.Context, source entities.Source, limit int) ([]entities.ErrorStats, error)
}

// Transactor runs fn inside one atomic unit. A nil return commits. Nested
// calls run as savepoints, so an inner failure can be isolated without
// losing the outer unit.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
