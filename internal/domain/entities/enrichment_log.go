package entities

import "time"

// EnrichmentStage names the pipeline step an audit entry belongs to
type EnrichmentStage string

const (
	EnrichmentStageAPIMetadata EnrichmentStage = "api_metadata"
	EnrichmentStageEmbedding   EnrichmentStage = "embedding"
)

// EnrichmentResult is the outcome of one enrichment attempt
type EnrichmentResult string

const (
	EnrichmentResultSuccess     EnrichmentResult = "success"
	EnrichmentResultFailed      EnrichmentResult = "failed"
	EnrichmentResultRateLimited EnrichmentResult = "rate_limited"
	EnrichmentResultSkipped     EnrichmentResult = "skipped"
)

// EnrichmentLogEntry is an append-only audit row for one attempt outcome
type EnrichmentLogEntry struct {
	ID            string           `json:"id"`
	DatasetID     string           `json:"dataset_id"`
	Stage         EnrichmentStage  `json:"stage"`
	Result        EnrichmentResult `json:"result"`
	AttemptNumber int              `json:"attempt_number"`
	DurationMs    *int64           `json:"duration_ms,omitempty"`
	ErrorMessage  *string          `json:"error_message,omitempty"`
	ErrorType     *string          `json:"error_type,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}
