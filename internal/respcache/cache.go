// Package respcache stores generated responses and serves them back for
// identical or sufficiently similar prompts under the same model.
package respcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/internal/config"
	"github.com/kiranshivaraju/inferencehub/internal/metrics"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

var ErrCacheUnavailable = errors.New("response cache unavailable")

const evictionErrorBackoff = 5 * time.Minute

const (
	lookupExact   = "exact"
	lookupSimilar = "similar"
	lookupMiss    = "miss"
)

// Hit is a cached response returned by Lookup.
type Hit struct {
	EntryID    uuid.UUID
	Response   string
	ModelID    uuid.UUID
	Similarity float64
	Exact      bool
}

// ResponseCache is safe for concurrent use. Entries are never edited after
// insert except for the hit counter and a missing cache key.
type ResponseCache struct {
	store     store.CacheStore
	embedder  Embedder
	enabled   bool
	ttl       time.Duration
	threshold float64
	now       func() time.Time
}

type Option func(*ResponseCache)

func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) { c.now = now }
}

func New(s store.CacheStore, embedder Embedder, cfg config.CacheConfig, opts ...Option) *ResponseCache {
	c := &ResponseCache{
		store:     s,
		embedder:  embedder,
		enabled:   cfg.Enabled,
		ttl:       cfg.TTL,
		threshold: cfg.SimilarityThreshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ResponseCache) Enabled() bool { return c.enabled }

// Lookup returns a cached response for prompt under modelID, or nil on a
// miss. The exact cacheKey is tried first; otherwise active entries are
// scanned in insertion order and the first one at or above the similarity
// threshold wins. A hit bumps that entry's counter by one.
func (c *ResponseCache) Lookup(ctx context.Context, prompt string, modelID uuid.UUID, cacheKey string) (*Hit, error) {
	if !c.enabled {
		return nil, nil
	}
	now := c.now()

	if cacheKey != "" {
		entry, err := c.store.GetCacheEntryByKey(ctx, cacheKey, modelID, now)
		switch {
		case err == nil:
			if err := c.store.RecordCacheHit(ctx, entry.ID, nil); err == nil {
				metrics.CacheLookup(lookupExact)
				return &Hit{EntryID: entry.ID, Response: entry.Response, ModelID: entry.ModelID, Similarity: 1, Exact: true}, nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: recording hit: %v", ErrCacheUnavailable, err)
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: key lookup: %v", ErrCacheUnavailable, err)
		}
	}

	vec, err := c.embedder.Embed(prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding prompt: %v", ErrCacheUnavailable, err)
	}

	entries, err := c.store.ListActiveCacheEntries(ctx, modelID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: listing entries: %v", ErrCacheUnavailable, err)
	}

	var keyArg *string
	if cacheKey != "" {
		keyArg = &cacheKey
	}
	for _, entry := range entries {
		if len(entry.Embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(vec, entry.Embedding)
		if sim < c.threshold {
			continue
		}
		if err := c.store.RecordCacheHit(ctx, entry.ID, keyArg); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("%w: recording hit: %v", ErrCacheUnavailable, err)
		}
		slog.Debug("response cache hit", "entry_id", entry.ID, "similarity", sim)
		metrics.CacheLookup(lookupSimilar)
		return &Hit{EntryID: entry.ID, Response: entry.Response, ModelID: entry.ModelID, Similarity: sim}, nil
	}

	metrics.CacheLookup(lookupMiss)
	return nil, nil
}

// Store records a response for later lookups. It is a no-op when the cache
// is disabled.
func (c *ResponseCache) Store(ctx context.Context, prompt, response string, modelID uuid.UUID, cacheKey string) error {
	if !c.enabled {
		return nil
	}
	vec, err := c.embedder.Embed(prompt)
	if err != nil {
		return fmt.Errorf("%w: embedding prompt: %v", ErrCacheUnavailable, err)
	}

	now := c.now()
	entry := &models.CacheEntry{
		ID:        uuid.New(),
		Prompt:    prompt,
		Embedding: vec,
		Response:  response,
		ModelID:   modelID,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if cacheKey != "" {
		entry.CacheKey = &cacheKey
	}
	if err := c.store.CreateCacheEntry(ctx, entry); err != nil {
		return fmt.Errorf("%w: storing entry: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// EvictExpired deletes every entry expired at the current time.
func (c *ResponseCache) EvictExpired(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpiredCacheEntries(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("%w: evicting: %v", ErrCacheUnavailable, err)
	}
	metrics.CacheEvicted(n)
	slog.Info("evicted expired cache entries", "count", n)
	return n, nil
}

// RunEviction evicts immediately and then once per interval until ctx is
// done. After a failure the next attempt comes sooner.
func (c *ResponseCache) RunEviction(ctx context.Context, interval time.Duration) {
	backoff := evictionErrorBackoff
	if interval < backoff {
		backoff = interval
	}

	for {
		wait := interval
		if _, err := c.EvictExpired(ctx); err != nil {
			slog.Error("cache eviction failed", "error", err)
			wait = backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stats reports occupancy and hit totals along with the active settings.
func (c *ResponseCache) Stats(ctx context.Context) (*models.CacheStats, error) {
	stats, err := c.store.CacheStats(ctx, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %v", ErrCacheUnavailable, err)
	}
	stats.SimilarityThreshold = c.threshold
	stats.TTLSeconds = int(c.ttl / time.Second)
	return stats, nil
}
