package entities

import (
	"fmt"
	"time"
)

// Source identifies an external catalog
type Source string

const (
	SourceKaggle      Source = "kaggle"
	SourceHuggingFace Source = "huggingface"
)

// AllSources lists every supported catalog
func AllSources() []Source {
	return []Source{SourceKaggle, SourceHuggingFace}
}

// ParseSource validates a catalog name
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceKaggle, SourceHuggingFace:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// EnrichmentStatus is the per-record state of the enrichment pipeline
type EnrichmentStatus string

const (
	// EnrichmentStatusMinimal is a CSV-seeded record with coarse metadata only
	EnrichmentStatusMinimal EnrichmentStatus = "minimal"
	// EnrichmentStatusPending has rich metadata but no embedding yet
	EnrichmentStatusPending EnrichmentStatus = "pending"
	// EnrichmentStatusEnriching is held while an enrichment call is in flight
	EnrichmentStatusEnriching EnrichmentStatus = "enriching"
	// EnrichmentStatusEnriched means metadata enrichment finished
	EnrichmentStatusEnriched EnrichmentStatus = "enriched"
	// EnrichmentStatusFailed is terminal and always paired with is_active=false
	EnrichmentStatusFailed EnrichmentStatus = "failed"
	// EnrichmentStatusSkipped is set only by operators
	EnrichmentStatusSkipped EnrichmentStatus = "skipped"
)

// AllStatuses lists every status in lifecycle order
func AllStatuses() []EnrichmentStatus {
	return []EnrichmentStatus{
		EnrichmentStatusMinimal,
		EnrichmentStatusPending,
		EnrichmentStatusEnriching,
		EnrichmentStatusEnriched,
		EnrichmentStatusFailed,
		EnrichmentStatusSkipped,
	}
}

// IsEligibleForEnrichment reports whether the enrichment stage may claim a
// record in this status.
func (s EnrichmentStatus) IsEligibleForEnrichment() bool {
	return s == EnrichmentStatusMinimal || s == EnrichmentStatusPending
}

// Valid reports whether s is a known status
func (s EnrichmentStatus) Valid() bool {
	for _, status := range AllStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// Dataset is the canonical record for one external catalog entry, keyed by
// (SourceName, ExternalID).
type Dataset struct {
	ID         string `json:"id"`
	SourceName Source `json:"source_name"`
	ExternalID string `json:"external_id"`

	Title          string   `json:"title"`
	URL            string   `json:"url"`
	Description    *string  `json:"description,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	License        *string  `json:"license,omitempty"`
	FileFormats    []string `json:"file_formats,omitempty"`
	TotalSizeBytes *int64   `json:"total_size_bytes,omitempty"`
	ColumnNames    []string `json:"column_names,omitempty"`
	RowCount       *int64   `json:"row_count,omitempty"`

	DownloadCount int64 `json:"download_count"`
	ViewCount     int64 `json:"view_count"`
	LikeCount     int64 `json:"like_count"`

	SourceCreatedAt *time.Time `json:"source_created_at,omitempty"`
	SourceUpdatedAt *time.Time `json:"source_updated_at,omitempty"`

	Embedding   []float32 `json:"-"`
	StaticScore *float64  `json:"static_score,omitempty"`
	IsActive    bool      `json:"is_active"`

	EnrichmentStatus    EnrichmentStatus `json:"enrichment_status"`
	EnrichmentAttempts  int              `json:"enrichment_attempts"`
	LastEnrichmentError *string          `json:"last_enrichment_error,omitempty"`
	LastEnrichedAt      *time.Time       `json:"last_enriched_at,omitempty"`
	LastCheckedAt       *time.Time       `json:"last_checked_at,omitempty"`

	SourceMeta SourceMeta `json:"source_meta"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the natural key used for merges
func (d *Dataset) Key() DatasetKey {
	return DatasetKey{Source: d.SourceName, ExternalID: d.ExternalID}
}

// HasEmbedding reports whether a vector is attached
func (d *Dataset) HasEmbedding() bool {
	return len(d.Embedding) > 0
}

// EmbeddingText is the text handed to the embedding model
func (d *Dataset) EmbeddingText() string {
	if d.Description == nil || *d.Description == "" {
		return d.Title
	}
	return d.Title + ". " + *d.Description
}

// MergeFrom applies an incoming record for the same natural key onto d.
// Identity, lifecycle bookkeeping and the embedding stay as stored.
// It reports false when the incoming record must not touch the stored one:
// a MINIMAL seed row only refreshes rows that are still MINIMAL.
func (d *Dataset) MergeFrom(in *Dataset) bool {
	if in.EnrichmentStatus == EnrichmentStatusMinimal && d.EnrichmentStatus != EnrichmentStatusMinimal {
		return false
	}

	d.Title = in.Title
	d.URL = in.URL
	d.Description = in.Description
	d.Tags = in.Tags
	d.License = in.License
	d.FileFormats = in.FileFormats
	d.TotalSizeBytes = in.TotalSizeBytes
	d.ColumnNames = in.ColumnNames
	d.RowCount = in.RowCount
	d.DownloadCount = in.DownloadCount
	d.ViewCount = in.ViewCount
	d.LikeCount = in.LikeCount
	d.SourceCreatedAt = in.SourceCreatedAt
	d.SourceUpdatedAt = in.SourceUpdatedAt
	if in.StaticScore != nil {
		d.StaticScore = in.StaticScore
	}
	d.SourceMeta = d.SourceMeta.Merge(in.SourceMeta)

	if d.EnrichmentStatus == EnrichmentStatusMinimal && in.EnrichmentStatus == EnrichmentStatusPending {
		d.EnrichmentStatus = EnrichmentStatusPending
	}
	return true
}

// DatasetKey is the natural key of a Dataset
type DatasetKey struct {
	Source     Source
	ExternalID string
}

func (k DatasetKey) String() string {
	return fmt.Sprintf("%s/%s", k.Source, k.ExternalID)
}
