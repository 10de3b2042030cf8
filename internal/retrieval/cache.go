package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zulandar/citeline/internal/metrics"
	"github.com/zulandar/citeline/internal/observability"
)

// DefaultCacheTTL is how long a retrieval result stays cached.
const DefaultCacheTTL = 5 * time.Minute

// CacheStore persists serialized retrieval results.
type CacheStore interface {
	// Get returns the value for key, or ok=false when it is absent or
	// expired at now.
	Get(ctx context.Context, key string, now time.Time) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error
}

// NopStore never stores anything. It backs a disabled cache.
type NopStore struct{}

// Get implements CacheStore.
func (NopStore) Get(context.Context, string, time.Time) ([]byte, bool, error) { return nil, false, nil }

// Set implements CacheStore.
func (NopStore) Set(context.Context, string, []byte, time.Time) error { return nil }

// Params are the retrieval parameters that change the result of a query.
// All of them are part of the cache key.
type Params struct {
	MaxChunks      int
	Rerank         bool
	PerDocumentCap int
	Recency        bool
	MinScore       float64
}

// NormalizeQuery lower-cases a query and collapses its whitespace.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// cacheKeyFields is hashed as JSON so every field is quoted or delimited
// and floats keep their shortest exact form.
type cacheKeyFields struct {
	Org            string  `json:"org"`
	Query          string  `json:"query"`
	MaxChunks      int     `json:"max_chunks"`
	Rerank         bool    `json:"rerank"`
	PerDocumentCap int     `json:"per_document_cap"`
	Recency        bool    `json:"recency"`
	MinScore       float64 `json:"min_score"`
}

// CacheKey derives the cache key for a query in an organization. Results
// are never shared across organizations.
func CacheKey(orgID, query string, p Params) string {
	raw, err := json.Marshal(cacheKeyFields{
		Org:            orgID,
		Query:          NormalizeQuery(query),
		MaxChunks:      p.MaxChunks,
		Rerank:         p.Rerank,
		PerDocumentCap: p.PerDocumentCap,
		Recency:        p.Recency,
		MinScore:       p.MinScore,
	})
	if err != nil {
		// Only NaN or Inf scores fail to encode.
		raw = []byte(fmt.Sprintf("%q|%q|%d|%t|%d|%t|%v",
			orgID, NormalizeQuery(query), p.MaxChunks, p.Rerank, p.PerDocumentCap, p.Recency, p.MinScore))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// Cache memoizes retrieval results in a CacheStore. A failing store never
// fails a request: the error is logged and counted and the result is
// computed without the cache.
type Cache struct {
	store   CacheStore
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// CacheOpts holds parameters for creating a Cache.
type CacheOpts struct {
	Store   CacheStore    // defaults to NopStore
	TTL     time.Duration // defaults to DefaultCacheTTL
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewCache creates a Cache.
func NewCache(opts CacheOpts) *Cache {
	c := &Cache{
		store:   opts.Store,
		ttl:     opts.TTL,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if c.store == nil {
		c.store = NopStore{}
	}
	if c.ttl <= 0 {
		c.ttl = DefaultCacheTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// GetOrCompute returns the cached chunks for key, or calls compute and
// caches its result. hit reports whether the value came from the cache.
// Errors from compute are returned and never cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) ([]Chunk, error)) (chunks []Chunk, hit bool, err error) {
	log := observability.LoggerFromContext(ctx).With("cache_key", key[:min(12, len(key))])
	now := c.now().UTC()

	data, ok, err := c.store.Get(ctx, key, now)
	switch {
	case err != nil:
		c.recordError("get")
		log.Warn("retrieval cache read failed", "error", err)
	case ok:
		jerr := json.Unmarshal(data, &chunks)
		if jerr == nil {
			c.hits.Add(1)
			c.metrics.CacheHit()
			return chunks, true, nil
		}
		c.recordError("decode")
		log.Warn("retrieval cache entry undecodable", "error", jerr)
	}

	c.misses.Add(1)
	c.metrics.CacheMiss()
	chunks, err = compute(ctx)
	if err != nil {
		return nil, false, err
	}

	data, err = json.Marshal(chunks)
	if err != nil {
		c.recordError("encode")
		log.Warn("retrieval cache encode failed", "error", err)
		return chunks, false, nil
	}
	if err := c.store.Set(ctx, key, data, now.Add(c.ttl)); err != nil {
		c.recordError("set")
		log.Warn("retrieval cache write failed", "error", err)
	}
	return chunks, false, nil
}

// Stats returns the hit, miss and error counts since the cache was created.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

func (c *Cache) recordError(op string) {
	c.errors.Add(1)
	c.metrics.CacheError(op)
}
