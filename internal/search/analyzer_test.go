package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityAnalyzer(t *testing.T) {
	analysis, err := IdentityAnalyzer{}.Analyze(context.Background(), "  what did we decide  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"what did we decide"}, analysis.Variants)
	assert.Empty(t, analysis.Vectors)
}

func TestIdentityAnalyzer_BlankQuery(t *testing.T) {
	analysis, err := IdentityAnalyzer{}.Analyze(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, analysis.Variants)
}

func TestEmbedAnalyzer_EmbedsVariants(t *testing.T) {
	embedder := &fakeEmbedder{}
	analyzer := NewEmbedAnalyzer(nil, embedder)

	analysis, err := analyzer.Analyze(context.Background(), "query")
	require.NoError(t, err)
	require.Len(t, analysis.Vectors, 1)
	assert.Equal(t, 1, embedder.callCount())
}

func TestEmbedAnalyzer_SkipsBlankQuery(t *testing.T) {
	embedder := &fakeEmbedder{}
	analyzer := NewEmbedAnalyzer(nil, embedder)

	analysis, err := analyzer.Analyze(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, analysis.Vectors)
	assert.Zero(t, embedder.callCount())
}

func TestEmbedAnalyzer_WrapsEmbedderError(t *testing.T) {
	embedder := &fakeEmbedder{fail: errors.New("service unavailable")}
	analyzer := NewEmbedAnalyzer(nil, embedder)

	_, err := analyzer.Analyze(context.Background(), "query")
	require.Error(t, err)
	assert.ErrorContains(t, err, "service unavailable")
}
