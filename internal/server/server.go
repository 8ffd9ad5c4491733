// Package server exposes the search core over HTTP.
//
// The surface is deliberately thin: a health check, Prometheus metrics,
// and one search endpoint. Caller identity arrives from the trusted
// fronting gateway via headers; per-request project roles resolve
// through a RoleSource so authorization state is never cached here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mruwnik/memory-sub003/internal/access"
	"github.com/mruwnik/memory-sub003/internal/config"
	"github.com/mruwnik/memory-sub003/internal/logging"
	"github.com/mruwnik/memory-sub003/internal/search"
)

// Identity headers set by the fronting gateway. X-Actor-Scopes is a
// comma-separated list and may be empty; scopes then come from the
// role source alone.
const (
	HeaderActorID     = "X-Actor-Id"
	HeaderActorScopes = "X-Actor-Scopes"
)

// requestIDPattern bounds what caller-supplied request ids may look
// like before they reach log fields.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// Searcher is the slice of the search service the HTTP layer uses.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (map[string]float32, error)
	SearchHybrid(ctx context.Context, req search.HybridRequest) (map[string]float32, error)
	SearchText(ctx context.Context, req search.TextRequest) (map[string]float32, error)
}

// Server is the memoryd HTTP server.
type Server struct {
	echo     *echo.Echo
	searcher Searcher
	roles    RoleSource
	logger   *logging.Logger
	config   config.ServerConfig
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg config.ServerConfig, searcher Searcher, roles RoleSource, logger *logging.Logger) (*Server, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher cannot be nil")
	}
	if roles == nil {
		return nil, fmt.Errorf("role source cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout.Duration()
	e.Server.WriteTimeout = cfg.WriteTimeout.Duration()

	s := &Server{
		echo:     e,
		searcher: searcher,
		roles:    roles,
		logger:   logger,
		config:   cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.New().String() },
	}))
	e.Use(s.requestContext)
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/search", s.handleSearch)
}

// requestContext stamps the request id onto the request context so
// every log line and audit event in the request carries it.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		if requestIDPattern.MatchString(requestID) {
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))
		}
		return next(c)
	}
}

// requestLogger logs one line per request and feeds the HTTP metrics.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		duration := time.Since(start)

		status := c.Response().Status
		route := c.Path()
		recordRequest(c.Request().Method, route, status, duration.Seconds())

		s.logger.Info(c.Request().Context(), "HTTP request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.Duration("duration", duration))
		return nil
	}
}

// SearchRequest is the request body for POST /v1/search.
//
// Exactly one query form must be supplied: a raw text query (analyzed
// and embedded server-side), pre-embedded text-path vectors, or both
// text and multimodal vectors for a hybrid search. Filters use the
// closed caller vocabulary; access control is attached server-side from
// the caller's identity and is never accepted from the body.
type SearchRequest struct {
	Query             string                 `json:"query,omitempty"`
	Vectors           [][]float32            `json:"vectors,omitempty"`
	MultimodalVectors [][]float32            `json:"multimodal_vectors,omitempty"`
	Filters           map[string]interface{} `json:"filters,omitempty"`
	PersonID          *int64                 `json:"person_id,omitempty"`
	Limit             int                    `json:"limit,omitempty"`
}

// SearchHit is one result in a SearchResponse.
type SearchHit struct {
	ChunkID string  `json:"chunk_id"`
	Score   float32 `json:"score"`
}

// SearchResponse is the response body for POST /v1/search. Hits are
// ordered by descending score.
type SearchResponse struct {
	Hits  []SearchHit `json:"hits"`
	Count int         `json:"count"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "memoryd"})
}

// handleSearch authorizes the caller, attaches the compiled access
// filter, and dispatches to the matching search entry point.
func (s *Server) handleSearch(c echo.Context) error {
	ctx := c.Request().Context()

	requester, err := s.requesterFrom(c)
	if err != nil {
		return err
	}
	ctx = logging.WithActorID(ctx, requester.ID)

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(ctx, "Invalid search request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	grants, err := s.roles.GrantsFor(ctx, requester.ID)
	if err != nil {
		s.logger.Error(ctx, "Role resolution failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "authorization unavailable")
	}
	requester.Scopes = append(requester.Scopes, grants.Scopes...)

	// The access filter is rebuilt from current grants on every
	// request. Anything the body tries to smuggle under the reserved
	// keys is overwritten here.
	filters := make(map[string]interface{}, len(req.Filters)+2)
	for k, v := range req.Filters {
		filters[k] = v
	}
	filters[search.FilterKeyAccess] = access.BuildFilter(requester, grants.Roles)
	delete(filters, search.FilterKeyPerson)
	if req.PersonID != nil {
		filters[search.FilterKeyPerson] = *req.PersonID
	}

	scores, err := s.dispatch(ctx, req, filters)
	if err != nil {
		if httpErr, ok := err.(*echo.HTTPError); ok {
			return httpErr
		}
		s.logger.Error(ctx, "Search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	return c.JSON(http.StatusOK, toResponse(scores))
}

// dispatch picks the search entry point for the supplied query form.
func (s *Server) dispatch(ctx context.Context, req SearchRequest, filters map[string]interface{}) (map[string]float32, error) {
	switch {
	case len(req.MultimodalVectors) > 0:
		return s.searcher.SearchHybrid(ctx, search.HybridRequest{
			TextVectors:       req.Vectors,
			MultimodalVectors: req.MultimodalVectors,
			Filters:           filters,
			Limit:             req.Limit,
		})
	case len(req.Vectors) > 0:
		return s.searcher.Search(ctx, search.Request{
			Path:    search.PathText,
			Vectors: req.Vectors,
			Filters: filters,
			Limit:   req.Limit,
		})
	case strings.TrimSpace(req.Query) != "":
		return s.searcher.SearchText(ctx, search.TextRequest{
			Query:   req.Query,
			Filters: filters,
			Limit:   req.Limit,
		})
	default:
		return nil, echo.NewHTTPError(http.StatusBadRequest, "query, vectors, or multimodal_vectors required")
	}
}

// requesterFrom builds the caller identity from the gateway headers.
func (s *Server) requesterFrom(c echo.Context) (access.Requester, error) {
	raw := c.Request().Header.Get(HeaderActorID)
	if raw == "" {
		return access.Requester{}, echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderActorID+" header")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return access.Requester{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid "+HeaderActorID+" header")
	}

	var scopes []string
	if raw := c.Request().Header.Get(HeaderActorScopes); raw != "" {
		for _, scope := range strings.Split(raw, ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				scopes = append(scopes, scope)
			}
		}
	}
	return access.Requester{ID: id, Scopes: scopes}, nil
}

// toResponse orders the merged score map best-first. Ties break on
// chunk id so responses are deterministic.
func toResponse(scores map[string]float32) SearchResponse {
	hits := make([]SearchHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, SearchHit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	return SearchResponse{Hits: hits, Count: len(hits)}
}

// Start starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully within the configured timeout. Returns
// http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "HTTP server listening", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes next to the core surface.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
