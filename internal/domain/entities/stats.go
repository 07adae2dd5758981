package entities

// SourceStats counts records per status for one source. It is derived on
// demand and never stored.
type SourceStats struct {
	Source    Source  `json:"source"`
	Total     int64   `json:"total"`
	Minimal   int64   `json:"minimal"`
	Pending   int64   `json:"pending"`
	Enriching int64   `json:"enriching"`
	Enriched  int64   `json:"enriched"`
	Failed    int64   `json:"failed"`
	Skipped   int64   `json:"skipped"`
	Progress  float64 `json:"enrichment_progress"`
}

// NewSourceStats builds stats from per-status counts
func NewSourceStats(source Source, counts map[EnrichmentStatus]int64) SourceStats {
	s := SourceStats{
		Source:    source,
		Minimal:   counts[EnrichmentStatusMinimal],
		Pending:   counts[EnrichmentStatusPending],
		Enriching: counts[EnrichmentStatusEnriching],
		Enriched:  counts[EnrichmentStatusEnriched],
		Failed:    counts[EnrichmentStatusFailed],
		Skipped:   counts[EnrichmentStatusSkipped],
	}
	s.Total = s.Minimal + s.Pending + s.Enriching + s.Enriched + s.Failed + s.Skipped
	s.Progress = s.EnrichmentProgress()
	return s
}

// EnrichmentProgress is enriched/total as a percentage, 0 for an empty source
func (s SourceStats) EnrichmentProgress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Enriched) / float64(s.Total) * 100
}

// EnrichmentStageStats aggregates audit entries per stage and result
type EnrichmentStageStats struct {
	Stage         EnrichmentStage  `json:"stage"`
	Result        EnrichmentResult `json:"result"`
	Count         int64            `json:"count"`
	AvgDurationMs *float64         `json:"avg_duration_ms,omitempty"`
}

// ErrorStats counts failures per error type
type ErrorStats struct {
	ErrorType string `json:"error_type"`
	Count     int64  `json:"count"`
}
