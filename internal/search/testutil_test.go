package search

import (
	"context"
	"sync"
	"time"

	"github.com/mruwnik/memory-sub003/internal/index"
)

// fakeIndex is an in-memory index.Client. Stored points are filtered
// through index.Filter.Matches on search, so tests exercise compiled
// filters end to end. Failures and delays are configured per
// collection.
type fakeIndex struct {
	mu     sync.Mutex
	points map[string][]*index.ScoredPoint
	fail   map[string]error
	delay  map[string]time.Duration
	calls  []fakeCall
}

type fakeCall struct {
	collection string
	vector     []float32
	limit      uint64
	filter     *index.Filter
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		points: make(map[string][]*index.ScoredPoint),
		fail:   make(map[string]error),
		delay:  make(map[string]time.Duration),
	}
}

func (f *fakeIndex) add(collection, id string, score float32, payload map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[collection] = append(f.points[collection], &index.ScoredPoint{
		Point: index.Point{ID: id, Payload: payload},
		Score: score,
	})
}

func (f *fakeIndex) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeIndex) recordedCalls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall{}, f.calls...)
}

func (f *fakeIndex) Search(ctx context.Context, collection string, vector []float32, limit uint64, filter *index.Filter) ([]*index.ScoredPoint, error) {
	f.mu.Lock()
	delay := f.delay[collection]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{collection: collection, vector: vector, limit: limit, filter: filter})
	if err := f.fail[collection]; err != nil {
		return nil, err
	}
	var out []*index.ScoredPoint
	for _, p := range f.points[collection] {
		if filter == nil || filter.Matches(p.Payload) {
			out = append(out, p)
		}
		if uint64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeIndex) EnsureCollection(ctx context.Context, name string, vectorSize uint64) error {
	return nil
}

func (f *fakeIndex) DeleteCollection(ctx context.Context, name string) error { return nil }

func (f *fakeIndex) CollectionExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.points[name]
	return ok, nil
}

func (f *fakeIndex) ListCollections(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.points))
	for name := range f.points {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeIndex) Upsert(ctx context.Context, collection string, points []*index.Point) error {
	return nil
}

func (f *fakeIndex) Retrieve(ctx context.Context, collection string, ids []string) ([]*index.Point, error) {
	return nil, nil
}

func (f *fakeIndex) Delete(ctx context.Context, collection string, ids []string) error { return nil }

func (f *fakeIndex) Health(ctx context.Context) error { return nil }

func (f *fakeIndex) Close() error { return nil }

// fakeEmbedder returns deterministic vectors and counts calls.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countingAnalyzer counts how often the inner analysis actually runs.
type countingAnalyzer struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (a *countingAnalyzer) Analyze(_ context.Context, query string) (*Analysis, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail != nil {
		return nil, a.fail
	}
	return &Analysis{
		Query:    query,
		Variants: []string{query},
		Vectors:  [][]float32{{0.1, 0.2, 0.3}},
	}, nil
}

func (a *countingAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// captureAuditor records audit events for assertions.
type captureAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (c *captureAuditor) SearchCompleted(_ context.Context, event AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureAuditor) last() (AuditEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return AuditEvent{}, false
	}
	return c.events[len(c.events)-1], true
}
