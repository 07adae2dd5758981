package services

import (
	"strings"

	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/infrastructure/clients/huggingface"
)

var huggingFaceFormats = []string{"parquet", "csv", "json", "text", "arrow", "webdataset"}

// MapHuggingFaceToDataset converts a Hub dataset into a PENDING dataset.
// The Hub listing already carries full metadata.
func MapHuggingFaceToDataset(d *huggingface.Dataset) *entities.Dataset {
	var datasetInfo any
	if d.CardData != nil {
		datasetInfo = d.CardData["dataset_info"]
	}

	meta := entities.SourceMeta{
		"sha":                            d.SHA,
		"tags":                           d.Tags,
		entities.MetaKeyEnrichmentSource: entities.EnrichmentSourceAPI,
	}
	if d.CardData != nil {
		meta["card_data"] = d.CardData
	}
	if datasetInfo != nil {
		meta["dataset_info"] = datasetInfo
	}

	return &entities.Dataset{
		SourceName:       entities.SourceHuggingFace,
		ExternalID:       d.ID,
		Title:            d.ID,
		URL:              "https://huggingface.co/datasets/" + d.ID,
		Description:      nonEmpty(d.Description),
		Tags:             huggingFaceTaskCategories(d.Tags),
		License:          huggingFaceLicense(d),
		FileFormats:      huggingFaceFileFormats(d.Tags),
		DownloadCount:    d.Downloads,
		LikeCount:        d.Likes,
		SourceCreatedAt:  d.CreatedAtTime(),
		SourceUpdatedAt:  d.LastModifiedTime(),
		IsActive:         true,
		EnrichmentStatus: entities.EnrichmentStatusPending,
		SourceMeta:       meta,
	}
}

func huggingFaceTaskCategories(tags []string) []string {
	var categories []string
	for _, tag := range tags {
		if !strings.HasPrefix(tag, "task_categories:") && !strings.HasPrefix(tag, "task_ids:") {
			continue
		}
		_, category, _ := strings.Cut(tag, ":")
		if category != "" {
			categories = append(categories, category)
		}
	}
	return sortedUnique(categories)
}

// huggingFaceFileFormats takes the first known format named by each tag
func huggingFaceFileFormats(tags []string) []string {
	var formats []string
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		for _, format := range huggingFaceFormats {
			if strings.Contains(lower, format) {
				formats = append(formats, format)
				break
			}
		}
	}
	return sortedUnique(formats)
}

func huggingFaceLicense(d *huggingface.Dataset) *string {
	for _, tag := range d.Tags {
		if license, ok := strings.CutPrefix(tag, "license:"); ok && license != "" {
			return &license
		}
	}
	if d.CardData == nil {
		return nil
	}
	switch v := d.CardData["license"].(type) {
	case string:
		return nonEmpty(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				return &s
			}
		}
	}
	return nil
}
