package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisCache_HitAndExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewAnalysisCache(time.Minute, 10, func() time.Time { return now })

	cache.Set("query", &Analysis{Query: "query"})

	got, ok := cache.Get("query")
	require.True(t, ok)
	assert.Equal(t, "query", got.Query)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get("query")
	assert.False(t, ok)
	assert.Zero(t, cache.Len(), "expired entry should be removed on read")
}

func TestAnalysisCache_EvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewAnalysisCache(time.Hour, 2, func() time.Time { return now })

	cache.Set("a", &Analysis{Query: "a"})
	now = now.Add(time.Second)
	cache.Set("b", &Analysis{Query: "b"})

	// Touch a so b becomes the oldest.
	now = now.Add(time.Second)
	_, ok := cache.Get("a")
	require.True(t, ok)

	now = now.Add(time.Second)
	cache.Set("c", &Analysis{Query: "c"})

	_, ok = cache.Get("a")
	assert.True(t, ok)
	_, ok = cache.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestAnalysisCache_UpdateDoesNotEvict(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewAnalysisCache(time.Hour, 2, func() time.Time { return now })

	cache.Set("a", &Analysis{Query: "a"})
	cache.Set("b", &Analysis{Query: "b"})
	cache.Set("a", &Analysis{Query: "a2"})

	got, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a2", got.Query)
	_, ok = cache.Get("b")
	assert.True(t, ok)
}

func TestAnalysisCache_Purge(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewAnalysisCache(time.Minute, 10, func() time.Time { return now })

	cache.Set("old1", &Analysis{})
	cache.Set("old2", &Analysis{})
	now = now.Add(30 * time.Second)
	cache.Set("fresh", &Analysis{})
	now = now.Add(45 * time.Second)

	assert.Equal(t, 2, cache.Purge())
	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Get("fresh")
	assert.True(t, ok)
}

func TestCachedAnalyzer_Memoizes(t *testing.T) {
	inner := &countingAnalyzer{}
	cache := NewAnalysisCache(time.Minute, 10, nil)
	analyzer := NewCachedAnalyzer(inner, cache)

	for i := 0; i < 3; i++ {
		analysis, err := analyzer.Analyze(context.Background(), "same query")
		require.NoError(t, err)
		assert.Equal(t, "same query", analysis.Query)
	}
	assert.Equal(t, 1, inner.callCount())

	_, err := analyzer.Analyze(context.Background(), "different query")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.callCount())
}

func TestCachedAnalyzer_ErrorNotCached(t *testing.T) {
	inner := &countingAnalyzer{fail: errors.New("analysis failed")}
	cache := NewAnalysisCache(time.Minute, 10, nil)
	analyzer := NewCachedAnalyzer(inner, cache)

	_, err := analyzer.Analyze(context.Background(), "query")
	require.Error(t, err)
	_, err = analyzer.Analyze(context.Background(), "query")
	require.Error(t, err)

	assert.Equal(t, 2, inner.callCount())
	assert.Zero(t, cache.Len())
}

func TestCachedAnalyzer_ExpiryReanalyzes(t *testing.T) {
	now := time.Unix(1000, 0)
	inner := &countingAnalyzer{}
	cache := NewAnalysisCache(time.Minute, 10, func() time.Time { return now })
	analyzer := NewCachedAnalyzer(inner, cache)

	_, err := analyzer.Analyze(context.Background(), "query")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = analyzer.Analyze(context.Background(), "query")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.callCount())
}
