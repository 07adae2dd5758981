package providers

import "context"

// EmbeddingInput is one (title, description) pair to encode
type EmbeddingInput struct {
	Title       string
	Description string
}

// Text joins title and description the way stored records are embedded
func (in EmbeddingInput) Text() string {
	if in.Description == "" {
		return in.Title
	}
	return in.Title + ". " + in.Description
}

// EmbeddingProvider turns text into vectors
type EmbeddingProvider interface {
	// BatchEncode returns one vector per input, calling the model in chunks
	// of subBatchSize
	BatchEncode(ctx context.Context, inputs []EmbeddingInput, subBatchSize int) ([][]float32, error)
}
