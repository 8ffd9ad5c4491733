package search

import (
	"context"
	"fmt"
	"strings"
)

// Analysis is the analyzed form of one text query: the phrasings to
// search and, once embedded, one vector per phrasing.
type Analysis struct {
	Query    string
	Variants []string
	Vectors  [][]float32
}

// Analyzer prepares a raw text query for the fan-out.
type Analyzer interface {
	Analyze(ctx context.Context, query string) (*Analysis, error)
}

// Embedder turns texts into vectors. Satisfied by the embedding
// service client.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// IdentityAnalyzer passes the trimmed query through as its only
// variant. A blank query yields no variants, which downstream turns
// into an empty result without any index I/O.
type IdentityAnalyzer struct{}

var _ Analyzer = IdentityAnalyzer{}

func (IdentityAnalyzer) Analyze(_ context.Context, query string) (*Analysis, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &Analysis{Query: query}, nil
	}
	return &Analysis{Query: query, Variants: []string{trimmed}}, nil
}

// EmbedAnalyzer embeds every variant produced by an inner analyzer.
type EmbedAnalyzer struct {
	inner    Analyzer
	embedder Embedder
}

var _ Analyzer = (*EmbedAnalyzer)(nil)

// NewEmbedAnalyzer chains variant generation and embedding. A nil
// inner analyzer defaults to IdentityAnalyzer.
func NewEmbedAnalyzer(inner Analyzer, embedder Embedder) *EmbedAnalyzer {
	if inner == nil {
		inner = IdentityAnalyzer{}
	}
	return &EmbedAnalyzer{inner: inner, embedder: embedder}
}

func (a *EmbedAnalyzer) Analyze(ctx context.Context, query string) (*Analysis, error) {
	analysis, err := a.inner.Analyze(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(analysis.Variants) == 0 || len(analysis.Vectors) > 0 {
		return analysis, nil
	}
	vectors, err := a.embedder.Embed(ctx, analysis.Variants)
	if err != nil {
		return nil, fmt.Errorf("embedding %d query variants: %w", len(analysis.Variants), err)
	}
	if len(vectors) != len(analysis.Variants) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d variants", len(vectors), len(analysis.Variants))
	}
	analysis.Vectors = vectors
	return analysis, nil
}
