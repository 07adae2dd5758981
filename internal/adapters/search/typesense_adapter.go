package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
	"github.com/zatekoja/datasearch/internal/domain/entities"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	tsclient "github.com/zatekoja/datasearch/internal/infrastructure/clients/typesense"
)

// CollectionName is the Typesense collection holding embedded datasets
const CollectionName = "datasets"

// TypesenseAdapter mirrors datasets into Typesense
type TypesenseAdapter struct {
	client     *tsclient.Client
	dimensions int
}

var _ providers.SearchIndex = (*TypesenseAdapter)(nil)

// NewTypesenseAdapter creates a new Typesense adapter. dimensions sets
// num_dim on the embedding field; 0 stores the vector as a plain float array.
func NewTypesenseAdapter(client *tsclient.Client, dimensions int) *TypesenseAdapter {
	return &TypesenseAdapter{client: client, dimensions: dimensions}
}

// EnsureSchema ensures the collection exists
func (a *TypesenseAdapter) EnsureSchema(ctx context.Context) error {
	_, err := a.client.Client().Collection(CollectionName).Retrieve(ctx)
	if err == nil {
		return nil
	}
	var httpErr *typesense.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusNotFound {
		return fmt.Errorf("failed to retrieve typesense collection: %w", err)
	}

	if _, err := a.client.Client().Collections().Create(ctx, a.schema()); err != nil {
		return fmt.Errorf("failed to create typesense collection: %w", err)
	}

	log.Info().Str("collection", CollectionName).Msg("Created Typesense collection")
	return nil
}

func (a *TypesenseAdapter) schema() *api.CollectionSchema {
	embedding := api.Field{Name: "embedding", Type: "float[]", Optional: pointer.True()}
	if a.dimensions > 0 {
		embedding.NumDim = pointer.Int(a.dimensions)
	}

	return &api.CollectionSchema{
		Name: CollectionName,
		Fields: []api.Field{
			{Name: "id", Type: "string"},
			{Name: "source_name", Type: "string", Facet: pointer.True()},
			{Name: "external_id", Type: "string"},
			{Name: "title", Type: "string"},
			{Name: "description", Type: "string", Optional: pointer.True()},
			{Name: "url", Type: "string", Index: pointer.False(), Optional: pointer.True()},
			{Name: "tags", Type: "string[]", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "license", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "file_formats", Type: "string[]", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "download_count", Type: "int64"},
			{Name: "like_count", Type: "int64"},
			{Name: "static_score", Type: "float", Optional: pointer.True()},
			{Name: "updated_at", Type: "int64"},
			embedding,
		},
		DefaultSortingField: pointer.String("updated_at"),
	}
}

// Upsert indexes one dataset
func (a *TypesenseAdapter) Upsert(ctx context.Context, dataset *entities.Dataset) error {
	_, err := a.client.Client().Collection(CollectionName).Documents().Upsert(ctx, buildDocument(dataset))
	if err != nil {
		return fmt.Errorf("failed to index dataset %s: %w", dataset.Key(), err)
	}
	return nil
}

func buildDocument(d *entities.Dataset) map[string]interface{} {
	doc := map[string]interface{}{
		"id":             d.ID,
		"source_name":    string(d.SourceName),
		"external_id":    d.ExternalID,
		"title":          d.Title,
		"url":            d.URL,
		"download_count": d.DownloadCount,
		"like_count":     d.LikeCount,
		"updated_at":     d.UpdatedAt.Unix(),
	}
	if d.Description != nil {
		doc["description"] = *d.Description
	}
	if len(d.Tags) > 0 {
		doc["tags"] = d.Tags
	}
	if d.License != nil {
		doc["license"] = *d.License
	}
	if len(d.FileFormats) > 0 {
		doc["file_formats"] = d.FileFormats
	}
	if d.StaticScore != nil {
		doc["static_score"] = *d.StaticScore
	}
	if d.HasEmbedding() {
		doc["embedding"] = d.Embedding
	}
	return doc
}
