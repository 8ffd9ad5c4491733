package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mruwnik/memory-sub003/internal/access"
	"github.com/mruwnik/memory-sub003/internal/config"
	"github.com/mruwnik/memory-sub003/internal/index"
	"github.com/mruwnik/memory-sub003/internal/logging"
)

var tracer = otel.Tracer("memoryd/search")

// ErrNoAnalyzer is returned by SearchText when the service was built
// without a query analyzer.
var ErrNoAnalyzer = errors.New("search: no query analyzer configured")

// Path selects which modality defaults govern a single-path search.
type Path string

const (
	PathText       Path = "text"
	PathMultimodal Path = "multimodal"
)

// Tuning is the runtime-adjustable part of search behavior. The
// service holds it behind an atomic pointer so a config reload swaps
// it without interrupting in-flight searches.
type Tuning struct {
	DefaultLimit          int
	MaxLimit              int
	TextTimeout           time.Duration
	MultimodalTimeout     time.Duration
	TextMinScore          float32
	MultimodalMinScore    float32
	TextCollections       []string
	MultimodalCollections []string
}

// TuningFromConfig maps the search config section onto a Tuning.
func TuningFromConfig(cfg config.SearchConfig) Tuning {
	return Tuning{
		DefaultLimit:          cfg.DefaultLimit,
		MaxLimit:              cfg.MaxLimit,
		TextTimeout:           cfg.TextTimeout.Duration(),
		MultimodalTimeout:     cfg.MultimodalTimeout.Duration(),
		TextMinScore:          float32(cfg.TextMinScore),
		MultimodalMinScore:    float32(cfg.MultimodalMinScore),
		TextCollections:       cfg.TextCollections,
		MultimodalCollections: cfg.MultimodalCollections,
	}
}

// DefaultTuning returns the tuning derived from config defaults.
func DefaultTuning() Tuning {
	return TuningFromConfig(config.NewDefault().Search)
}

func (t Tuning) collectionsFor(p Path) []string {
	if p == PathMultimodal {
		return t.MultimodalCollections
	}
	return t.TextCollections
}

func (t Tuning) minScoreFor(p Path) float32 {
	if p == PathMultimodal {
		return t.MultimodalMinScore
	}
	return t.TextMinScore
}

func (t Tuning) timeoutFor(p Path) time.Duration {
	if p == PathMultimodal {
		return t.MultimodalTimeout
	}
	return t.TextTimeout
}

func (t Tuning) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return t.DefaultLimit
	case t.MaxLimit > 0 && limit > t.MaxLimit:
		return t.MaxLimit
	default:
		return limit
	}
}

// AuditEvent describes one completed search for the audit trail. Actor
// identity travels on the context; sinks stamp it themselves.
type AuditEvent struct {
	Kind         string
	Unrestricted bool
	ProjectIDs   []int64
	PersonID     *int64
	Collections  []string
	Hits         int
	Denied       bool
	Degraded     []string
	Duration     time.Duration
}

// Auditor receives search audit events. Implementations must not
// block the search path.
type Auditor interface {
	SearchCompleted(ctx context.Context, event AuditEvent)
}

// Request is one single-path search over already-embedded vectors.
//
// Filters may carry the reserved access_filter (access.Filter) and
// person_id (int64) keys. A missing access filter applies no access
// clause, so anything serving external callers must attach one.
type Request struct {
	Path        Path                   // defaults to PathText
	Collections []string               // overrides the path's default collections
	Vectors     [][]float32            // one per query variant
	Filters     map[string]interface{} // closed caller vocabulary plus reserved keys
	Limit       int                    // 0 uses the default, values above MaxLimit are clamped
}

// HybridRequest runs the text and multimodal paths concurrently under
// independent timeouts and thresholds, merging both by max score.
type HybridRequest struct {
	TextVectors       [][]float32
	MultimodalVectors [][]float32
	Filters           map[string]interface{}
	Limit             int
}

// TextRequest is a raw text query, analyzed and embedded before the
// text path runs.
type TextRequest struct {
	Query   string
	Filters map[string]interface{}
	Limit   int
}

// Service is the retrieval entry point. It resolves the access filter,
// compiles caller filters, fans out across collections, and merges the
// per-collection buckets into one chunk-id to score map.
//
// Search is best effort: degraded paths and failing sub-queries shrink
// the result instead of surfacing errors, and an access filter that
// matches nothing answers empty before any index I/O.
type Service struct {
	executor *Executor
	compiler *Compiler
	analyzer Analyzer
	auditor  Auditor
	logger   *logging.Logger

	tuning atomic.Pointer[Tuning]
}

// NewService wires the orchestrator. analyzer may be nil when only the
// vector entry points are used; auditor may be nil to disable
// auditing; a nil logger disables logging.
func NewService(executor *Executor, compiler *Compiler, analyzer Analyzer, auditor Auditor, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	if compiler == nil {
		compiler = NewCompiler(logger)
	}
	s := &Service{
		executor: executor,
		compiler: compiler,
		analyzer: analyzer,
		auditor:  auditor,
		logger:   logger,
	}
	t := DefaultTuning()
	s.tuning.Store(&t)
	return s
}

// UpdateTuning replaces the runtime tuning. Safe to call concurrently
// with searches.
func (s *Service) UpdateTuning(t Tuning) {
	s.tuning.Store(&t)
	s.logger.Info(context.Background(), "Search tuning updated",
		zap.Int("default_limit", t.DefaultLimit),
		zap.Int("max_limit", t.MaxLimit),
		zap.Duration("text_timeout", t.TextTimeout),
		zap.Duration("multimodal_timeout", t.MultimodalTimeout))
}

// Tuning returns the current runtime tuning.
func (s *Service) Tuning() Tuning {
	return *s.tuning.Load()
}

// Search runs one single-path search. See Request for semantics.
func (s *Service) Search(ctx context.Context, req Request) (map[string]float32, error) {
	return s.search(ctx, "single", req)
}

// SearchText analyzes and embeds a raw text query, then runs the text
// path. Analysis failure is returned to the caller since no search can
// run without vectors; a blank query returns empty without index I/O.
func (s *Service) SearchText(ctx context.Context, req TextRequest) (map[string]float32, error) {
	if s.analyzer == nil {
		return nil, ErrNoAnalyzer
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "search.text")
	defer span.End()

	analysis, err := s.analyzer.Analyze(ctx, req.Query)
	if err != nil {
		span.RecordError(err)
		RecordSearch("text", "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(analysis.Vectors) == 0 {
		RecordSearch("text", "ok", time.Since(start).Seconds())
		return map[string]float32{}, nil
	}
	return s.search(ctx, "text", Request{
		Path:    PathText,
		Vectors: analysis.Vectors,
		Filters: req.Filters,
		Limit:   req.Limit,
	})
}

func (s *Service) search(ctx context.Context, kind string, req Request) (map[string]float32, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "search.single")
	defer span.End()

	tun := *s.tuning.Load()
	path := req.Path
	if path == "" {
		path = PathText
	}
	collections := req.Collections
	if len(collections) == 0 {
		collections = tun.collectionsFor(path)
	}
	limit := tun.clampLimit(req.Limit)

	span.SetAttributes(
		attribute.String("path", string(path)),
		attribute.Int("collections", len(collections)),
		attribute.Int("vectors", len(req.Vectors)),
		attribute.Int("limit", limit),
	)

	filters, personID, af := s.splitFilters(ctx, req.Filters)
	event := AuditEvent{
		Kind:         kind,
		Unrestricted: af.IsUnrestricted(),
		ProjectIDs:   af.ProjectIDs(),
		PersonID:     personID,
		Collections:  collections,
	}

	if af.IsEmpty() {
		s.denied(ctx, span, kind, event, start)
		return map[string]float32{}, nil
	}

	filter := s.compiler.Assemble(ctx, filters, personID, af)

	merged, timedOut := s.runPath(ctx, path, collections, req.Vectors, filter, limit, tun.minScoreFor(path), tun.timeoutFor(path))
	if timedOut {
		event.Degraded = append(event.Degraded, string(path)+"_timeout")
	}
	if merged == nil {
		merged = map[string]float32{}
	}

	event.Hits = len(merged)
	event.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("hits", len(merged)))
	RecordSearch(kind, "ok", event.Duration.Seconds())
	s.audit(ctx, event)
	return merged, nil
}

// SearchHybrid runs the text and multimodal paths concurrently. A
// timeout or failure on one path degrades only that path; both paths
// timing out yields an empty result, never an error.
func (s *Service) SearchHybrid(ctx context.Context, req HybridRequest) (map[string]float32, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "search.hybrid")
	defer span.End()

	tun := *s.tuning.Load()
	limit := tun.clampLimit(req.Limit)

	span.SetAttributes(
		attribute.Int("text.vectors", len(req.TextVectors)),
		attribute.Int("multimodal.vectors", len(req.MultimodalVectors)),
		attribute.Int("limit", limit),
	)

	filters, personID, af := s.splitFilters(ctx, req.Filters)
	event := AuditEvent{
		Kind:         "hybrid",
		Unrestricted: af.IsUnrestricted(),
		ProjectIDs:   af.ProjectIDs(),
		PersonID:     personID,
		Collections:  append(append([]string{}, tun.TextCollections...), tun.MultimodalCollections...),
	}

	if af.IsEmpty() {
		s.denied(ctx, span, "hybrid", event, start)
		return map[string]float32{}, nil
	}

	filter := s.compiler.Assemble(ctx, filters, personID, af)

	var wg sync.WaitGroup
	var textRes, mmRes map[string]float32
	var textTimed, mmTimed bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		textRes, textTimed = s.runPath(ctx, PathText, tun.TextCollections, req.TextVectors, filter, limit, tun.TextMinScore, tun.TextTimeout)
	}()
	go func() {
		defer wg.Done()
		mmRes, mmTimed = s.runPath(ctx, PathMultimodal, tun.MultimodalCollections, req.MultimodalVectors, filter, limit, tun.MultimodalMinScore, tun.MultimodalTimeout)
	}()
	wg.Wait()

	if textTimed {
		event.Degraded = append(event.Degraded, "text_timeout")
	}
	if mmTimed {
		event.Degraded = append(event.Degraded, "multimodal_timeout")
	}

	merged := mergeScores(textRes, mmRes)
	event.Hits = len(merged)
	event.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("hits", len(merged)))
	RecordSearch("hybrid", "ok", event.Duration.Seconds())
	s.audit(ctx, event)
	return merged, nil
}

// runPath executes one modality path under its own timeout and
// flattens the buckets. Reports whether the path's deadline expired.
func (s *Service) runPath(ctx context.Context, path Path, collections []string, vectors [][]float32, filter *index.Filter, limit int, minScore float32, timeout time.Duration) (map[string]float32, bool) {
	if len(collections) == 0 || len(vectors) == 0 {
		return nil, false
	}

	pathCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pathCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	buckets := s.executor.Execute(pathCtx, collections, vectors, filter, uint64(limit), minScore)

	timedOut := errors.Is(pathCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut {
		PathTimeoutsTotal.WithLabelValues(string(path)).Inc()
		s.logger.Warn(ctx, "Search path timed out",
			zap.String("path", string(path)),
			zap.Duration("timeout", timeout))
	}
	return flattenBuckets(buckets), timedOut
}

// splitFilters pops the reserved keys out of the caller filter mapping
// without mutating it.
//
// A missing access filter applies no access clause. A present but
// wrong-typed one compiles to "matches nothing": a caller that meant
// to scope the search gets no results rather than everyone's.
func (s *Service) splitFilters(ctx context.Context, filters map[string]interface{}) (rest map[string]interface{}, personID *int64, af access.Filter) {
	af = access.Unrestricted()
	if len(filters) == 0 {
		return nil, nil, af
	}
	rest = make(map[string]interface{}, len(filters))
	for key, value := range filters {
		switch key {
		case FilterKeyAccess:
			switch v := value.(type) {
			case access.Filter:
				af = v
			case *access.Filter:
				if v != nil {
					af = *v
				}
			default:
				s.logger.Warn(ctx, "Access filter has unusable type, denying",
					zap.String("value_type", fmt.Sprintf("%T", value)))
				af = access.NewFilter()
			}
		case FilterKeyPerson:
			switch v := value.(type) {
			case int64:
				id := v
				personID = &id
			case int:
				id := int64(v)
				personID = &id
			case *int64:
				personID = v
			case float64:
				if v == float64(int64(v)) {
					id := int64(v)
					personID = &id
				} else {
					s.logger.Warn(ctx, "Person id is not an integer, ignoring")
				}
			default:
				s.logger.Warn(ctx, "Person id has unusable type, ignoring",
					zap.String("value_type", fmt.Sprintf("%T", value)))
			}
		default:
			rest[key] = value
		}
	}
	return rest, personID, af
}

func (s *Service) denied(ctx context.Context, span trace.Span, kind string, event AuditEvent, start time.Time) {
	DeniedShortCircuitsTotal.Inc()
	s.logger.Info(ctx, "Search denied before fan-out: access filter matches nothing",
		zap.String("kind", kind))
	span.SetAttributes(attribute.Bool("denied", true))

	event.Denied = true
	event.Duration = time.Since(start)
	RecordSearch(kind, "denied", event.Duration.Seconds())
	s.audit(ctx, event)
}

func (s *Service) audit(ctx context.Context, event AuditEvent) {
	if s.auditor == nil {
		return
	}
	s.auditor.SearchCompleted(ctx, event)
}

// flattenBuckets folds per-collection buckets into one chunk-id to
// score map, keeping the maximum score on collision.
func flattenBuckets(buckets map[string][]*index.ScoredPoint) map[string]float32 {
	merged := make(map[string]float32)
	for _, points := range buckets {
		for _, p := range points {
			if score, ok := merged[p.ID]; !ok || p.Score > score {
				merged[p.ID] = p.Score
			}
		}
	}
	return merged
}

// mergeScores folds score maps together, keeping the maximum score per
// chunk. Commutative, so path completion order does not matter.
func mergeScores(maps ...map[string]float32) map[string]float32 {
	merged := make(map[string]float32)
	for _, m := range maps {
		for id, score := range m {
			if prev, ok := merged[id]; !ok || score > prev {
				merged[id] = score
			}
		}
	}
	return merged
}
