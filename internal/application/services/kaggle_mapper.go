package services

import (
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/kaggle"
)

const maxFileFormatLength = 10

// MapKaggleMetaToDataset converts a Meta Kaggle CSV row into a MINIMAL
// dataset that still needs API enrichment.
func MapKaggleMetaToDataset(row kaggle.MetaDataset) *entities.Dataset {
	id := row.ExternalID()
	return &entities.Dataset{
		SourceName:       entities.SourceKaggle,
		ExternalID:       id,
		Title:            fmt.Sprintf("Kaggle Dataset %s", id),
		URL:              fmt.Sprintf("https://www.kaggle.com/datasets/%s", id),
		DownloadCount:    row.TotalDownloads,
		ViewCount:        row.TotalViews,
		LikeCount:        row.TotalVotes,
		SourceCreatedAt:  row.CreationDate,
		SourceUpdatedAt:  row.LastActivityDate,
		IsActive:         true,
		EnrichmentStatus: entities.EnrichmentStatusMinimal,
		SourceMeta: entities.SourceMeta{
			entities.MetaKeyCSVID:           id,
			"creator_user_id":               optionalID(row.CreatorUserID),
			"owner_user_id":                 optionalID(row.OwnerUserID),
			"owner_organization_id":         optionalID(row.OwnerOrganizationID),
			"current_dataset_version_id":    optionalID(row.CurrentDatasetVersionID),
			"current_datasource_version_id": optionalID(row.CurrentDatasourceVersionID),
			"forum_id":                      optionalID(row.ForumID),
			"type":                          optionalID(row.Type),
			"total_kernels":                 row.TotalKernels,
			entities.MetaKeyEnrichmentSource: entities.EnrichmentSourceCSV,
		},
	}
}

// MapKaggleToDataset converts a Kaggle API dataset into a PENDING dataset.
// The numeric id is the natural key when present so API rows merge onto
// their seeded counterparts.
func MapKaggleToDataset(d *kaggle.Dataset) *entities.Dataset {
	externalID := d.Ref
	if d.ID != 0 {
		externalID = strconv.FormatInt(d.ID, 10)
	}

	url := d.URL
	if url == "" && d.Ref != "" {
		url = "https://www.kaggle.com/datasets/" + d.Ref
	}

	dataset := &entities.Dataset{
		SourceName:       entities.SourceKaggle,
		ExternalID:       externalID,
		Title:            d.Title,
		URL:              url,
		Description:      nonEmpty(d.Description),
		Tags:             kaggleTags(d.Tags),
		License:          nonEmpty(d.LicenseName),
		FileFormats:      kaggleFileFormats(d.Files),
		ColumnNames:      d.ColumnNames(),
		DownloadCount:    d.DownloadCount,
		ViewCount:        d.ViewCount,
		LikeCount:        d.VoteCount,
		SourceUpdatedAt:  kaggle.ParseTime(d.LastUpdated),
		IsActive:         true,
		EnrichmentStatus: entities.EnrichmentStatusPending,
		SourceMeta: entities.SourceMeta{
			entities.MetaKeyRef:              d.Ref,
			"creator_name":                   d.CreatorName,
			"subtitle":                       d.Subtitle,
			"files":                          kaggleFileMeta(d.Files),
			entities.MetaKeyEnrichmentSource: entities.EnrichmentSourceAPI,
		},
	}
	if d.TotalBytes > 0 {
		size := d.TotalBytes
		dataset.TotalSizeBytes = &size
	}
	if d.UsabilityRate > 0 {
		score := d.UsabilityRate
		dataset.StaticScore = &score
	}
	return dataset
}

func kaggleFileFormats(files []kaggle.File) []string {
	var formats []string
	for _, f := range files {
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(f.Name)), ".")
		if ext == "" || len(ext) > maxFileFormatLength {
			continue
		}
		formats = append(formats, ext)
	}
	return sortedUnique(formats)
}

func kaggleTags(tags []kaggle.Tag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = strings.TrimSpace(t.Ref)
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return sortedUnique(out)
}

func kaggleFileMeta(files []kaggle.File) []map[string]any {
	if len(files) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{
			"name":        f.Name,
			"total_bytes": f.TotalBytes,
		})
	}
	return out
}

func optionalID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// sortedUnique returns the distinct values in ascending order, nil when empty
func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	out = slices.Compact(out)
	return out
}
