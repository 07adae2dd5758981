package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Keys in SourceMeta read by the pipeline itself
const (
	MetaKeyRef              = "ref"
	MetaKeyCSVID            = "csv_id"
	MetaKeyEnrichmentSource = "enrichment_source"

	EnrichmentSourceCSV = "csv"
	EnrichmentSourceAPI = "api"
)

// SourceMeta holds source-specific auxiliary fields. It is schema-less so a
// new catalog can stash whatever it needs for later re-enrichment.
type SourceMeta map[string]any

// NativeRef returns the catalog's own reference for the record: the explicit
// ref, then the legacy CSV id, then fallback.
func (m SourceMeta) NativeRef(fallback string) string {
	if ref := m.String(MetaKeyRef); ref != "" {
		return ref
	}
	if id := m.CSVID(); id != "" {
		return id
	}
	return fallback
}

// CSVID returns the Meta Kaggle numeric id as a string
func (m SourceMeta) CSVID() string {
	return m.String(MetaKeyCSVID)
}

// EnrichmentSource reports which ingestion path produced the record
func (m SourceMeta) EnrichmentSource() string {
	return m.String(MetaKeyEnrichmentSource)
}

// String reads key as a string. Numbers are formatted without exponent so
// ids survive a JSON round trip.
func (m SourceMeta) String(key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Merge returns a copy of m overlaid with other. Keys absent from other keep
// their stored values, so a CSV id survives API enrichment.
func (m SourceMeta) Merge(other SourceMeta) SourceMeta {
	out := make(SourceMeta, len(m)+len(other))
	maps.Copy(out, m)
	for k, v := range other {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer for jsonb columns
func (m SourceMeta) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for jsonb columns
func (m *SourceMeta) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = SourceMeta{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported source_meta type %T", src)
	}
	out := SourceMeta{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to decode source_meta: %w", err)
	}
	*m = out
	return nil
}
