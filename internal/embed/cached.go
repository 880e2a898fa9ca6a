package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Cached memoises vectors by exact text. Post-processing and context queries
// embed the same statements repeatedly; hits skip the remote call.
type Cached struct {
	inner Embedder
	cache *cache.Cache
}

// NewCached wraps e with an in-memory cache whose entries expire after ttl.
func NewCached(e Embedder, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cached{inner: e, cache: cache.New(ttl, 2*ttl)}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, vec)
	return vec, nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if v, ok := c.cache.Get(cacheKey(text)); ok {
			out[i] = v.([]float32)
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(missTexts), len(vecs))
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		if vec != nil {
			c.cache.SetDefault(cacheKey(missTexts[j]), vec)
		}
	}
	return out, nil
}

func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Len reports the number of cached vectors.
func (c *Cached) Len() int { return c.cache.ItemCount() }

// limited throttles an Embedder with a shared token bucket.
type limited struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewLimited wraps e so every remote call first waits on limiter. A nil
// limiter returns e unchanged.
func NewLimited(e Embedder, limiter *rate.Limiter) Embedder {
	if limiter == nil {
		return e
	}
	return &limited{inner: e, limiter: limiter}
}

func (l *limited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return l.inner.Embed(ctx, text)
}

func (l *limited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return l.inner.EmbedBatch(ctx, texts)
}

func (l *limited) Dimensions() int { return l.inner.Dimensions() }
