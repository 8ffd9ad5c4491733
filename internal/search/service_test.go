package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mruwnik/memory-sub003/internal/access"
)

func newTestService(fake *fakeIndex) (*Service, *captureAuditor) {
	auditor := &captureAuditor{}
	executor := NewExecutor(fake, 4, nil, nil)
	return NewService(executor, nil, nil, auditor, nil), auditor
}

func contributorOn(projectID int64) access.Filter {
	return access.NewFilter(access.Condition{ProjectID: projectID, Levels: access.RoleContributor.Levels()})
}

func TestService_DeniedBeforeFanout(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "c1", 0.9, map[string]interface{}{"project_id": 1, "sensitivity": "public"})
	svc, auditor := newTestService(fake)

	results, err := svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{FilterKeyAccess: access.NewFilter()},
	})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fake.callCount(), "no index I/O for a filter that matches nothing")

	event, ok := auditor.last()
	require.True(t, ok)
	assert.True(t, event.Denied)
}

func TestService_AccessClauseExcludes(t *testing.T) {
	fake := newFakeIndex()
	// Ranked first by the index, but above the contributor tier.
	fake.add("chunks", "secret", 0.99, map[string]interface{}{"project_id": 1, "sensitivity": "internal"})
	fake.add("chunks", "memo", 0.5, map[string]interface{}{"project_id": 1, "sensitivity": "public"})
	svc, _ := newTestService(fake)

	results, err := svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{FilterKeyAccess: contributorOn(1)},
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, float32(0.5), results["memo"])
}

func TestService_NullProjectOnlyForUnrestricted(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "orphan", 0.9, map[string]interface{}{"sensitivity": "public"})
	svc, _ := newTestService(fake)

	results, err := svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{FilterKeyAccess: access.Unrestricted()},
	})
	require.NoError(t, err)
	assert.Contains(t, results, "orphan")

	results, err = svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{FilterKeyAccess: contributorOn(1)},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestService_PersonFilter(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "unattributed", 0.9, map[string]interface{}{"text": "note"})
	fake.add("chunks", "someone_else", 0.9, map[string]interface{}{"people": []interface{}{5}})
	fake.add("chunks", "about_them", 0.9, map[string]interface{}{"people": []interface{}{9}})
	svc, _ := newTestService(fake)

	results, err := svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{
			FilterKeyAccess: access.Unrestricted(),
			FilterKeyPerson: 9,
		},
	})

	require.NoError(t, err)
	assert.Contains(t, results, "unattributed")
	assert.Contains(t, results, "about_them")
	assert.NotContains(t, results, "someone_else")
}

func TestService_MergeKeepsMaxScore(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "dup", 0.5, nil)
	fake.add("mail", "dup", 0.8, nil)
	svc, _ := newTestService(fake)

	results, err := svc.Search(context.Background(), Request{
		Collections: []string{"chunks", "mail"},
		Vectors:     [][]float32{{0.1}},
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, float32(0.8), results["dup"])
}

func TestService_LimitClamping(t *testing.T) {
	fake := newFakeIndex()
	svc, _ := newTestService(fake)

	for _, limit := range []int{0, 50, 1000} {
		_, err := svc.Search(context.Background(), Request{
			Vectors: [][]float32{{0.1}},
			Limit:   limit,
		})
		require.NoError(t, err)
	}

	calls := fake.recordedCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, uint64(20), calls[0].limit, "zero uses the default")
	assert.Equal(t, uint64(50), calls[1].limit)
	assert.Equal(t, uint64(100), calls[2].limit, "values above max are clamped")
}

func TestService_UnknownKeysNeverReachIndex(t *testing.T) {
	fake := newFakeIndex()
	svc, _ := newTestService(fake)

	_, err := svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{"$where": "this.password.length > 0"},
	})
	require.NoError(t, err)

	calls := fake.recordedCalls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].filter, "a dropped key leaves nothing to filter on")

	_, err = svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{
			"$where": "evil",
			"tags":   []interface{}{"meeting"},
		},
	})
	require.NoError(t, err)

	calls = fake.recordedCalls()
	require.Len(t, calls, 2)
	require.NotNil(t, calls[1].filter)
	raw, marshalErr := json.Marshal(calls[1].filter)
	require.NoError(t, marshalErr)
	assert.NotContains(t, string(raw), "$where")
	assert.Contains(t, string(raw), "tags")
}

func TestService_WrongTypedAccessFilterDenies(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "c1", 0.9, map[string]interface{}{"project_id": 1, "sensitivity": "public"})
	svc, _ := newTestService(fake)

	results, err := svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{FilterKeyAccess: "not a filter"},
	})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fake.callCount())
}

func TestService_MissingAccessFilterAppliesNoClause(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "p1", 0.9, map[string]interface{}{"project_id": 1, "sensitivity": "confidential"})
	fake.add("chunks", "p2", 0.9, map[string]interface{}{"project_id": 2, "sensitivity": "public"})
	svc, _ := newTestService(fake)

	results, err := svc.Search(context.Background(), Request{Vectors: [][]float32{{0.1}}})

	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestService_AuditEvent(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "memo", 0.5, map[string]interface{}{"project_id": 1, "sensitivity": "public"})
	svc, auditor := newTestService(fake)

	af := access.NewFilter(
		access.Condition{ProjectID: 1, Levels: access.RoleContributor.Levels()},
		access.Condition{ProjectID: 2, Levels: access.RoleManager.Levels()},
	)
	_, err := svc.Search(context.Background(), Request{
		Vectors: [][]float32{{0.1}},
		Filters: map[string]interface{}{
			FilterKeyAccess: af,
			FilterKeyPerson: int64(9),
		},
	})
	require.NoError(t, err)

	event, ok := auditor.last()
	require.True(t, ok)
	assert.Equal(t, "single", event.Kind)
	assert.False(t, event.Unrestricted)
	assert.Equal(t, []int64{1, 2}, event.ProjectIDs)
	require.NotNil(t, event.PersonID)
	assert.Equal(t, int64(9), *event.PersonID)
	assert.Equal(t, []string{"chunks"}, event.Collections)
	assert.Equal(t, 1, event.Hits)
	assert.False(t, event.Denied)
}

func TestSearchHybrid_OneFailingPathReturnsOther(t *testing.T) {
	fake := newFakeIndex()
	fake.fail["chunks"] = errors.New("connection refused")
	fake.add("images", "img1", 0.9, nil)
	fake.add("images", "img2", 0.8, nil)
	svc, _ := newTestService(fake)

	results, err := svc.SearchHybrid(context.Background(), HybridRequest{
		TextVectors:       [][]float32{{0.1}},
		MultimodalVectors: [][]float32{{0.2}},
		Filters:           map[string]interface{}{FilterKeyAccess: access.Unrestricted()},
	})

	require.NoError(t, err, "a failing path must not surface an error")
	assert.Len(t, results, 2)
	assert.Contains(t, results, "img1")
	assert.Contains(t, results, "img2")
}

func TestSearchHybrid_PathTimeoutDegrades(t *testing.T) {
	fake := newFakeIndex()
	fake.delay["chunks"] = 2 * time.Second
	fake.add("images", "img1", 0.9, nil)
	svc, auditor := newTestService(fake)

	tun := svc.Tuning()
	tun.TextTimeout = 50 * time.Millisecond
	svc.UpdateTuning(tun)

	results, err := svc.SearchHybrid(context.Background(), HybridRequest{
		TextVectors:       [][]float32{{0.1}},
		MultimodalVectors: [][]float32{{0.2}},
	})

	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Contains(t, results, "img1")

	event, ok := auditor.last()
	require.True(t, ok)
	assert.Contains(t, event.Degraded, "text_timeout")
	assert.NotContains(t, event.Degraded, "multimodal_timeout")
}

func TestSearchHybrid_BothPathsTimeout(t *testing.T) {
	fake := newFakeIndex()
	fake.delay["chunks"] = 2 * time.Second
	fake.delay["images"] = 2 * time.Second
	svc, auditor := newTestService(fake)

	tun := svc.Tuning()
	tun.TextTimeout = 50 * time.Millisecond
	tun.MultimodalTimeout = 50 * time.Millisecond
	svc.UpdateTuning(tun)

	results, err := svc.SearchHybrid(context.Background(), HybridRequest{
		TextVectors:       [][]float32{{0.1}},
		MultimodalVectors: [][]float32{{0.2}},
	})

	require.NoError(t, err, "total degradation is an empty result, not an error")
	assert.Empty(t, results)

	event, ok := auditor.last()
	require.True(t, ok)
	assert.Contains(t, event.Degraded, "text_timeout")
	assert.Contains(t, event.Degraded, "multimodal_timeout")
}

func TestSearchHybrid_NoVectorsSchedulesNothing(t *testing.T) {
	fake := newFakeIndex()
	svc, _ := newTestService(fake)

	results, err := svc.SearchHybrid(context.Background(), HybridRequest{})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fake.callCount())
}

func TestSearchText_FullPipeline(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "hit", 0.9, nil)
	embedder := &fakeEmbedder{}
	executor := NewExecutor(fake, 4, nil, nil)
	svc := NewService(executor, nil, NewEmbedAnalyzer(nil, embedder), nil, nil)

	results, err := svc.SearchText(context.Background(), TextRequest{Query: "what did we decide"})

	require.NoError(t, err)
	assert.Contains(t, results, "hit")
	assert.Equal(t, 1, embedder.callCount())

	calls := fake.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, calls[0].vector)
}

func TestSearchText_NoAnalyzerConfigured(t *testing.T) {
	svc, _ := newTestService(newFakeIndex())

	_, err := svc.SearchText(context.Background(), TextRequest{Query: "anything"})
	assert.ErrorIs(t, err, ErrNoAnalyzer)
}

func TestSearchText_BlankQueryShortCircuits(t *testing.T) {
	fake := newFakeIndex()
	embedder := &fakeEmbedder{}
	executor := NewExecutor(fake, 4, nil, nil)
	svc := NewService(executor, nil, NewEmbedAnalyzer(nil, embedder), nil, nil)

	results, err := svc.SearchText(context.Background(), TextRequest{Query: "   "})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, embedder.callCount())
	assert.Zero(t, fake.callCount())
}

func TestSearchText_AnalysisErrorSurfaces(t *testing.T) {
	fake := newFakeIndex()
	embedder := &fakeEmbedder{fail: errors.New("embedding service down")}
	executor := NewExecutor(fake, 4, nil, nil)
	svc := NewService(executor, nil, NewEmbedAnalyzer(nil, embedder), nil, nil)

	_, err := svc.SearchText(context.Background(), TextRequest{Query: "query"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "embedding service down")
	assert.Zero(t, fake.callCount())
}

func TestSearchText_CachedAnalysisSkipsEmbedding(t *testing.T) {
	fake := newFakeIndex()
	fake.add("chunks", "hit", 0.9, nil)
	embedder := &fakeEmbedder{}
	analyzer := NewCachedAnalyzer(NewEmbedAnalyzer(nil, embedder), NewAnalysisCache(time.Minute, 10, nil))
	executor := NewExecutor(fake, 4, nil, nil)
	svc := NewService(executor, nil, analyzer, nil, nil)

	for i := 0; i < 3; i++ {
		results, err := svc.SearchText(context.Background(), TextRequest{Query: "same question"})
		require.NoError(t, err)
		assert.Contains(t, results, "hit")
	}
	assert.Equal(t, 1, embedder.callCount())
}

func TestService_UpdateTuningSwaps(t *testing.T) {
	svc, _ := newTestService(newFakeIndex())

	tun := svc.Tuning()
	tun.DefaultLimit = 5
	tun.TextMinScore = 0.9
	svc.UpdateTuning(tun)

	got := svc.Tuning()
	assert.Equal(t, 5, got.DefaultLimit)
	assert.Equal(t, float32(0.9), got.TextMinScore)
}

func TestMergeScores(t *testing.T) {
	a := map[string]float32{"x": 0.5, "y": 0.7}
	b := map[string]float32{"y": 0.9, "z": 0.3}

	merged := mergeScores(a, b)
	assert.Equal(t, map[string]float32{"x": 0.5, "y": 0.9, "z": 0.3}, merged)

	// Order independent.
	assert.Equal(t, merged, mergeScores(b, a))

	// Idempotent.
	assert.Equal(t, a, mergeScores(a, a))

	// Nil maps contribute nothing.
	assert.Empty(t, mergeScores(nil, nil))
}
