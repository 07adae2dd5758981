package entities

import "time"

// Stage names a pipeline entry point
type Stage string

const (
	StageSeed          Stage = "seed"
	StageFetchLatest   Stage = "fetch_latest"
	StageEnrich        Stage = "enrich"
	StageEmbed         Stage = "embed"
	StageIndex         Stage = "index"
	StageReleaseLeases Stage = "release_leases"
)

// IngestionResult is returned by the seed and direct-fetch stages
type IngestionResult struct {
	Fetched  int `json:"fetched"`
	Upserted int `json:"upserted"`
}

// EnrichmentRunResult is returned by the enrichment stage. Skipped counts
// records another worker claimed first.
type EnrichmentRunResult struct {
	Enriched    int  `json:"enriched"`
	Failed      int  `json:"failed"`
	Skipped     int  `json:"skipped"`
	Released    int  `json:"released_leases"`
	RateLimited bool `json:"rate_limited"`
}

// EmbeddingResult is returned by the embedding stage
type EmbeddingResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// IndexResult is returned by the search index sync
type IndexResult struct {
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// PipelineEventStatus describes how a stage invocation ended
type PipelineEventStatus string

const (
	PipelineEventCompleted PipelineEventStatus = "completed"
	PipelineEventFailed    PipelineEventStatus = "failed"
	PipelineEventSkipped   PipelineEventStatus = "skipped"
)

// PipelineEvent is published after every stage invocation
type PipelineEvent struct {
	ID         string              `json:"id"`
	Source     Source              `json:"source"`
	Stage      Stage               `json:"stage"`
	Status     PipelineEventStatus `json:"status"`
	Result     any                 `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}
