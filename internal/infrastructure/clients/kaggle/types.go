package kaggle

import (
	"strconv"
	"strings"
	"time"
)

// MetaDataset is one row of the Meta Kaggle Datasets.csv export
type MetaDataset struct {
	ID                         int64
	CreatorUserID              *int64
	OwnerUserID                *int64
	OwnerOrganizationID        *int64
	CurrentDatasetVersionID    *int64
	CurrentDatasourceVersionID *int64
	ForumID                    *int64
	Type                       *int64
	CreationDate               *time.Time
	LastActivityDate           *time.Time
	TotalViews                 int64
	TotalDownloads             int64
	TotalVotes                 int64
	TotalKernels               int64
}

// ExternalID is the natural key used for seeded rows
func (m MetaDataset) ExternalID() string {
	return strconv.FormatInt(m.ID, 10)
}

// Dataset is the dataset shape returned by the Kaggle REST API
type Dataset struct {
	ID            int64   `json:"id"`
	Ref           string  `json:"ref"`
	Title         string  `json:"title"`
	Subtitle      string  `json:"subtitle"`
	CreatorName   string  `json:"creatorName"`
	TotalBytes    int64   `json:"totalBytes"`
	URL           string  `json:"url"`
	LastUpdated   string  `json:"lastUpdated"`
	DownloadCount int64   `json:"downloadCount"`
	VoteCount     int64   `json:"voteCount"`
	ViewCount     int64   `json:"viewCount"`
	UsabilityRate float64 `json:"usabilityRating"`
	LicenseName   string  `json:"licenseName"`
	Description   string  `json:"description"`
	Files         []File  `json:"files"`
	Tags          []Tag   `json:"tags"`
}

// File describes one file in a dataset version
type File struct {
	Name         string   `json:"name"`
	TotalBytes   int64    `json:"totalBytes"`
	CreationDate string   `json:"creationDate"`
	Columns      []Column `json:"columns"`
}

// Column is a column of a tabular file
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Tag is a Kaggle dataset tag
type Tag struct {
	Ref  string `json:"ref"`
	Name string `json:"name"`
}

// ColumnNames returns column names across files, first occurrence wins
func (d *Dataset) ColumnNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, f := range d.Files {
		for _, c := range f.Columns {
			name := strings.TrimSpace(c.Name)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"2006-01-02",
}

// ParseTime accepts the timestamp layouts used by the API and the Meta
// Kaggle export. Unparseable or empty values yield nil.
func ParseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
