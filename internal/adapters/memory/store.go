// Package memory provides an in-process record store with the same merge and
// transaction semantics as the PostgreSQL adapters. It backs dry runs and
// service tests; it is not durable.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/repositories"
	apperrors "github.com/zatekoja/datasearch/pkg/errors"
)

var (
	_ repositories.DatasetRepository       = (*Store)(nil)
	_ repositories.EnrichmentLogRepository = (*Store)(nil)
	_ repositories.Transactor              = (*Store)(nil)
)

type state struct {
	datasets map[string]*entities.Dataset
	byKey    map[entities.DatasetKey]string
	seq      map[string]int64
	logs     []*entities.EnrichmentLogEntry
	nextSeq  int64
}

// Store is a map-backed record store
type Store struct {
	mu    sync.Mutex
	state state
	now   func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		state: state{
			datasets: make(map[string]*entities.Dataset),
			byKey:    make(map[entities.DatasetKey]string),
			seq:      make(map[string]int64),
		},
		now: time.Now,
	}
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// WithinTransaction snapshots the store and restores it when fn fails.
// Nested calls take their own snapshot, which gives savepoint behaviour.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// GetByKey retrieves a dataset by its natural key
func (s *Store) GetByKey(ctx context.Context, source entities.Source, externalID string) (*entities.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.state.byKey[entities.DatasetKey{Source: source, ExternalID: externalID}]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("dataset %s/%s not found", source, externalID))
	}
	return cloneDataset(s.state.datasets[id]), nil
}

// GetByID retrieves a dataset by storage id
func (s *Store) GetByID(ctx context.Context, id string) (*entities.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.state.datasets[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("dataset with id %s not found", id))
	}
	return cloneDataset(d), nil
}

// Upsert inserts or merges one dataset
func (s *Store) Upsert(ctx context.Context, dataset *entities.Dataset) (*entities.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := s.upsertLocked(dataset)
	return cloneDataset(s.state.datasets[id]), nil
}

// BulkUpsert inserts or merges a batch and returns rows inserted or updated
func (s *Store) BulkUpsert(ctx context.Context, datasets []*entities.Dataset) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Last record per key wins, as with the SQL adapter.
	latest := make(map[entities.DatasetKey]*entities.Dataset, len(datasets))
	var order []entities.DatasetKey
	for _, d := range datasets {
		if d == nil {
			continue
		}
		if _, seen := latest[d.Key()]; !seen {
			order = append(order, d.Key())
		}
		latest[d.Key()] = d
	}

	affected := 0
	for _, key := range order {
		if _, changed := s.upsertLocked(latest[key]); changed {
			affected++
		}
	}
	return affected, nil
}

func (s *Store) upsertLocked(in *entities.Dataset) (string, bool) {
	now := s.now().UTC()

	if id, ok := s.state.byKey[in.Key()]; ok {
		stored := s.state.datasets[id]
		if !stored.MergeFrom(cloneDataset(in)) {
			return id, false
		}
		stored.UpdatedAt = now
		return id, true
	}

	d := cloneDataset(in)
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.EnrichmentStatus == "" {
		d.EnrichmentStatus = entities.EnrichmentStatusPending
	}
	if d.SourceMeta == nil {
		d.SourceMeta = entities.SourceMeta{}
	}
	d.IsActive = true
	d.EnrichmentAttempts = 0
	d.LastEnrichmentError = nil
	d.LastEnrichedAt = nil
	d.LastCheckedAt = nil
	d.Embedding = nil
	d.CreatedAt = now
	d.UpdatedAt = now

	s.state.datasets[d.ID] = d
	s.state.byKey[d.Key()] = d.ID
	s.state.nextSeq++
	s.state.seq[d.ID] = s.state.nextSeq
	return d.ID, true
}

// ListPendingForEnrichment returns eligible records, oldest first
func (s *Store) ListPendingForEnrichment(ctx context.Context, source entities.Source, limit, maxAttempts int) ([]*entities.Dataset, error) {
	return s.filter(limit, 0, func(d *entities.Dataset) bool {
		return d.SourceName == source &&
			d.IsActive &&
			d.EnrichmentStatus.IsEligibleForEnrichment() &&
			d.EnrichmentAttempts < maxAttempts
	}), nil
}

// ListForEmbedding returns enriched records without a vector
func (s *Store) ListForEmbedding(ctx context.Context, limit int) ([]*entities.Dataset, error) {
	return s.filter(limit, 0, func(d *entities.Dataset) bool {
		return d.IsActive && d.EnrichmentStatus == entities.EnrichmentStatusEnriched && !d.HasEmbedding()
	}), nil
}

// ListIndexable pages enriched records that carry a vector
func (s *Store) ListIndexable(ctx context.Context, limit, offset int) ([]*entities.Dataset, error) {
	return s.filter(limit, offset, func(d *entities.Dataset) bool {
		return d.IsActive && d.EnrichmentStatus == entities.EnrichmentStatusEnriched && d.HasEmbedding()
	}), nil
}

func (s *Store) filter(limit, offset int, keep func(*entities.Dataset) bool) []*entities.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*entities.Dataset
	for _, d := range s.state.datasets {
		if keep(d) {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return s.state.seq[matched[i].ID] < s.state.seq[matched[j].ID]
	})

	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*entities.Dataset, len(matched))
	for i, d := range matched {
		out[i] = cloneDataset(d)
	}
	return out
}

// MarkEnriching claims an eligible record
func (s *Store) MarkEnriching(ctx context.Context, id string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.state.datasets[id]
	if !ok || !d.IsActive || !d.EnrichmentStatus.IsEligibleForEnrichment() {
		return 0, false, nil
	}
	now := s.now().UTC()
	d.EnrichmentStatus = entities.EnrichmentStatusEnriching
	d.EnrichmentAttempts++
	d.LastCheckedAt = &now
	d.UpdatedAt = now
	return d.EnrichmentAttempts, true, nil
}

// MarkEnriched sets ENRICHED and optionally attaches the embedding
func (s *Store) MarkEnriched(ctx context.Context, id string, embedding []float32) error {
	return s.update(id, func(d *entities.Dataset, now time.Time) {
		d.EnrichmentStatus = entities.EnrichmentStatusEnriched
		d.LastEnrichedAt = &now
		if embedding != nil {
			d.Embedding = slices.Clone(embedding)
		}
	})
}

// MarkFailed sets FAILED and deactivates the record
func (s *Store) MarkFailed(ctx context.Context, id string, message string) error {
	return s.update(id, func(d *entities.Dataset, now time.Time) {
		d.EnrichmentStatus = entities.EnrichmentStatusFailed
		d.IsActive = false
		d.LastEnrichmentError = &message
	})
}

// SetStatus is an operator override, used to park records as SKIPPED
func (s *Store) SetStatus(ctx context.Context, id string, status entities.EnrichmentStatus) error {
	return s.update(id, func(d *entities.Dataset, now time.Time) {
		d.EnrichmentStatus = status
	})
}

func (s *Store) update(id string, apply func(d *entities.Dataset, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.state.datasets[id]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("dataset with id %s not found", id))
	}
	now := s.now().UTC()
	apply(d, now)
	d.UpdatedAt = now
	return nil
}

// ReleaseStaleLeases returns expired ENRICHING records to their entry status
func (s *Store) ReleaseStaleLeases(ctx context.Context, source entities.Source, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	now := s.now().UTC()
	for _, d := range s.state.datasets {
		if d.SourceName != source || !d.IsActive || d.EnrichmentStatus != entities.EnrichmentStatusEnriching {
			continue
		}
		if d.LastCheckedAt != nil && !d.LastCheckedAt.Before(olderThan) {
			continue
		}
		if d.SourceMeta.EnrichmentSource() == entities.EnrichmentSourceCSV {
			d.EnrichmentStatus = entities.EnrichmentStatusMinimal
		} else {
			d.EnrichmentStatus = entities.EnrichmentStatusPending
		}
		d.UpdatedAt = now
		released++
	}
	return released, nil
}

// CountByStatus counts records per status for a source
func (s *Store) CountByStatus(ctx context.Context, source entities.Source) (map[entities.EnrichmentStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[entities.EnrichmentStatus]int64)
	for _, d := range s.state.datasets {
		if d.SourceName == source {
			counts[d.EnrichmentStatus]++
		}
	}
	return counts, nil
}

// Append records one attempt outcome
func (s *Store) Append(ctx context.Context, entry *entities.EnrichmentLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	copied := *entry
	s.state.logs = append(s.state.logs, &copied)
	return nil
}

// Logs returns every audit entry in append order
func (s *Store) Logs() []entities.EnrichmentLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entities.EnrichmentLogEntry, len(s.state.logs))
	for i, l := range s.state.logs {
		out[i] = *l
	}
	return out
}

// StageStats aggregates entries per stage and result for a source
func (s *Store) StageStats(ctx context.Context, source entities.Source) ([]entities.EnrichmentStageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		stage  entities.EnrichmentStage
		result entities.EnrichmentResult
	}
	type agg struct {
		count, timed, total int64
	}
	groups := make(map[key]*agg)
	for _, l := range s.state.logs {
		d, ok := s.state.datasets[l.DatasetID]
		if !ok || d.SourceName != source {
			continue
		}
		k := key{l.Stage, l.Result}
		g := groups[k]
		if g == nil {
			g = &agg{}
			groups[k] = g
		}
		g.count++
		if l.DurationMs != nil {
			g.timed++
			g.total += *l.DurationMs
		}
	}

	stats := make([]entities.EnrichmentStageStats, 0, len(groups))
	for k, g := range groups {
		st := entities.EnrichmentStageStats{Stage: k.stage, Result: k.result, Count: g.count}
		if g.timed > 0 {
			avg := float64(g.total) / float64(g.timed)
			st.AvgDurationMs = &avg
		}
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Stage != stats[j].Stage {
			return stats[i].Stage < stats[j].Stage
		}
		return stats[i].Result < stats[j].Result
	})
	return stats, nil
}

// ErrorStats returns the most frequent failure types for a source
func (s *Store) ErrorStats(ctx context.Context, source entities.Source, limit int) ([]entities.ErrorStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64)
	for _, l := range s.state.logs {
		d, ok := s.state.datasets[l.DatasetID]
		if !ok || d.SourceName != source || l.Result == entities.EnrichmentResultSuccess || l.ErrorType == nil {
			continue
		}
		counts[*l.ErrorType]++
	}

	stats := make([]entities.ErrorStats, 0, len(counts))
	for errType, count := range counts {
		stats = append(stats, entities.ErrorStats{ErrorType: errType, Count: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].ErrorType < stats[j].ErrorType
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

func (st state) clone() state {
	out := state{
		datasets: make(map[string]*entities.Dataset, len(st.datasets)),
		byKey:    maps.Clone(st.byKey),
		seq:      maps.Clone(st.seq),
		logs:     slices.Clone(st.logs),
		nextSeq:  st.nextSeq,
	}
	for id, d := range st.datasets {
		out.datasets[id] = cloneDataset(d)
	}
	return out
}

func cloneDataset(d *entities.Dataset) *entities.Dataset {
	if d == nil {
		return nil
	}
	c := *d
	c.Tags = slices.Clone(d.Tags)
	c.FileFormats = slices.Clone(d.FileFormats)
	c.ColumnNames = slices.Clone(d.ColumnNames)
	c.Embedding = slices.Clone(d.Embedding)
	if d.SourceMeta != nil {
		c.SourceMeta = maps.Clone(d.SourceMeta)
	}
	return &c
}
