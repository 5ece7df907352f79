package embedding

import (
	"context"

	"github.com/hyperjump/kioku/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests and model-less setups.
// Each normalised word is hashed into a bucket, so texts sharing words have
// positive cosine similarity and identical texts have identical vectors.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Embed returns a unit-length bag-of-words vector for text.
func (e *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	emb := make([]float32, e.dimensions)
	for _, word := range SplitWords(utils.NormalizeText(text)) {
		h := HashString(word)
		sign := float32(1)
		if (h/e.dimensions)%2 == 1 {
			sign = -1
		}
		emb[h%e.dimensions] += sign
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}
