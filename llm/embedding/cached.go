package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BaSui01/ddrflow/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Store is the cache backend. *cache.Manager satisfies it.
type Store interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CacheStats counts cache outcomes.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// CachedEmbedder caches query vectors and collapses concurrent identical lookups.
// A nil store disables caching but keeps single-flight.
type CachedEmbedder struct {
	inner  Embedder
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64

	// OnLookup is called with true on a cache hit and false on a miss.
	OnLookup func(hit bool)
}

// NewCachedEmbedder wraps inner.
func NewCachedEmbedder(inner Embedder, store Store, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{
		inner:  inner,
		store:  store,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}
}

func (c *CachedEmbedder) Name() string  { return "cached(" + c.inner.Name() + ")" }
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// CacheKey returns the cache key for text under model.
func CacheKey(model, text string) string {
	sum := md5.Sum([]byte(model + "\x00" + strings.TrimSpace(text)))
	return "emb:" + hex.EncodeToString(sum[:])
}

// EmbedQuery returns the cached vector or computes and stores it.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	key := CacheKey(c.inner.Model(), text)

	if c.store != nil {
		var vec []float64
		err := c.store.GetJSON(ctx, key, &vec)
		switch {
		case err == nil && len(vec) > 0:
			c.hits.Add(1)
			c.observe(true)
			return vec, nil
		case err != nil && !cache.IsCacheMiss(err):
			c.errs.Add(1)
			c.logger.Warn("embedding cache read failed", zap.Error(err))
		}
	}
	c.misses.Add(1)
	c.observe(false)

	v, err, shared := c.group.Do(key, func() (any, error) {
		vec, err := c.inner.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		if c.store != nil {
			if err := c.store.SetJSON(ctx, key, vec, c.ttl); err != nil {
				c.errs.Add(1)
				c.logger.Warn("embedding cache write failed", zap.Error(err))
			}
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("embedding lookup shared", zap.String("key", key))
	}
	return v.([]float64), nil
}

// Stats returns cache counters.
func (c *CachedEmbedder) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.errs.Load()}
}

func (c *CachedEmbedder) observe(hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(hit)
	}
}
