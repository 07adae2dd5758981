package providers

import (
	"context"

	"github.com/zatekoja/datasearch/internal/domain/entities"
)

// SearchIndex mirrors embedded datasets into the search engine
type SearchIndex interface {
	// EnsureSchema creates the collection when missing
	EnsureSchema(ctx context.Context) error

	// Upsert writes one dataset document
	Upsert(ctx context.Context, dataset *entities.Dataset) error
}
