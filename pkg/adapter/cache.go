package adapter

import (
	"context"
	"slices"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
)

// CachedEmbedder memoizes embeddings of an underlying Embedder. Queries repeat
// often within a conversation (recall and knowledge search embed the same user
// message), so a small in-process cache saves provider round trips.
type CachedEmbedder struct {
	embedder Embedder
	cache    *ristretto.Cache
}

// NewCachedEmbedder wraps embedder with a cache bounded to maxBytes of vectors
func NewCachedEmbedder(embedder Embedder, maxBytes int64) (*CachedEmbedder, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}

	// NumCounters ~10x the expected number of entries
	entries := maxBytes / int64(embedder.Dimensions()*4+1)
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: entries*10 + 100,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}

	return &CachedEmbedder{
		embedder: embedder,
		cache:    cache,
	}, nil
}

// Embed implements Embedder. The returned vector is a copy and may be
// modified by the caller. Stored entries become visible asynchronously.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return slices.Clone(vec), nil
		}
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if !c.cache.Set(text, slices.Clone(vec), int64(len(vec)*4)) {
		logging.From(ctx).Debug("embedding cache dropped entry", "text_len", len(text))
	}

	return vec, nil
}

// Wait blocks until pending cache writes are applied
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Dimensions implements Embedder
func (c *CachedEmbedder) Dimensions() int {
	return c.embedder.Dimensions()
}

// Close releases the cache
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
