package search

import (
	"context"
	"sync"
	"time"
)

const defaultCacheEntries = 512

// Clock supplies the current time. Injectable so eviction and expiry
// are testable without sleeping.
type Clock func() time.Time

// AnalysisCache is a size-bounded TTL cache of query analyses keyed by
// raw query text. Reads refresh recency; at capacity the least
// recently used entry is evicted.
type AnalysisCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	ttl        time.Duration
	maxEntries int
	now        Clock
}

type cacheEntry struct {
	analysis     *Analysis
	expiresAt    time.Time
	lastAccessed time.Time
}

// NewAnalysisCache creates a cache holding up to maxEntries analyses
// for ttl each. A nil clock uses time.Now; maxEntries below one falls
// back to the default.
func NewAnalysisCache(ttl time.Duration, maxEntries int, now Clock) *AnalysisCache {
	if now == nil {
		now = time.Now
	}
	if maxEntries < 1 {
		maxEntries = defaultCacheEntries
	}
	return &AnalysisCache{
		entries:    make(map[string]*cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
	}
}

// Get returns the cached analysis for the query. Expired entries are
// removed on read and count as misses.
func (c *AnalysisCache) Get(query string) (*Analysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[query]
	if !ok {
		return nil, false
	}
	t := c.now()
	if t.After(entry.expiresAt) {
		delete(c.entries, query)
		AnalysisCacheSize.Set(float64(len(c.entries)))
		return nil, false
	}
	entry.lastAccessed = t
	return entry.analysis, true
}

// Set stores an analysis, evicting the least recently used entry when
// the cache is full.
func (c *AnalysisCache) Set(query string, analysis *Analysis) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if _, exists := c.entries[query]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[query] = &cacheEntry{
		analysis:     analysis,
		expiresAt:    t.Add(c.ttl),
		lastAccessed: t,
	}
	AnalysisCacheSize.Set(float64(len(c.entries)))
}

// Len reports the number of entries, expired ones included.
func (c *AnalysisCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge removes expired entries and reports how many were dropped.
func (c *AnalysisCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	removed := 0
	for query, entry := range c.entries {
		if t.After(entry.expiresAt) {
			delete(c.entries, query)
			removed++
		}
	}
	if removed > 0 {
		AnalysisCacheSize.Set(float64(len(c.entries)))
	}
	return removed
}

// evictOldest removes the least recently used entry. Linear scan under
// the lock; the cache is small.
func (c *AnalysisCache) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, entry := range c.entries {
		if !found || entry.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccessed
			found = true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// CachedAnalyzer memoizes another analyzer through an AnalysisCache.
type CachedAnalyzer struct {
	inner Analyzer
	cache *AnalysisCache
}

var _ Analyzer = (*CachedAnalyzer)(nil)

// NewCachedAnalyzer wraps inner with the given cache.
func NewCachedAnalyzer(inner Analyzer, cache *AnalysisCache) *CachedAnalyzer {
	return &CachedAnalyzer{inner: inner, cache: cache}
}

func (a *CachedAnalyzer) Analyze(ctx context.Context, query string) (*Analysis, error) {
	if analysis, ok := a.cache.Get(query); ok {
		AnalysisCacheHits.Inc()
		return analysis, nil
	}
	AnalysisCacheMisses.Inc()
	analysis, err := a.inner.Analyze(ctx, query)
	if err != nil {
		return nil, err
	}
	a.cache.Set(query, analysis)
	return analysis, nil
}
