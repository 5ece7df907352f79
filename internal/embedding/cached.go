package embedding

import "context"

// CachedEmbedder wraps an Embedder with an EmbeddingCache.
type CachedEmbedder struct {
	inner Embedder
	cache *EmbeddingCache
}

// NewCachedEmbedder returns inner wrapped by an LRU of the given capacity.
func NewCachedEmbedder(inner Embedder, capacity int) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: NewEmbeddingCache(capacity)}
}

// Embed returns the cached vector for text, computing and storing it on a miss.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v, nil
	}
	v, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, v)
	return v, nil
}

// EmbedBatch embeds each text through the cache.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *CachedEmbedder) Close() error { return e.inner.Close() }

// Cache exposes the underlying cache for stats reporting.
func (e *CachedEmbedder) Cache() *EmbeddingCache { return e.cache }
