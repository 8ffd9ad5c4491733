// Memoryd is the access-controlled semantic search daemon for the
// multi-tenant knowledge base.
//
// The daemon exposes one HTTP surface: health, Prometheus metrics, and
// a search endpoint that compiles the caller's grants into an access
// filter before any index I/O happens.
//
// Configuration is loaded from ~/.config/memoryd/config.yaml (or the
// -config flag) with MEMORYD_* environment overrides. See
// internal/config for the full schema.
//
// Usage:
//
//	# Start with defaults (embedded index, no collector)
//	memoryd
//
//	# Explicit config file
//	memoryd -config /etc/memoryd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mruwnik/memory-sub003/internal/audit"
	"github.com/mruwnik/memory-sub003/internal/config"
	"github.com/mruwnik/memory-sub003/internal/embeddings"
	"github.com/mruwnik/memory-sub003/internal/index"
	"github.com/mruwnik/memory-sub003/internal/logging"
	"github.com/mruwnik/memory-sub003/internal/search"
	"github.com/mruwnik/memory-sub003/internal/server"
	"github.com/mruwnik/memory-sub003/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/memoryd/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  memoryd            Start the search daemon\n")
			fmt.Fprintf(os.Stderr, "  memoryd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("memoryd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("memoryd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is cancelled:
//
//  1. Load and validate configuration
//  2. Initialize telemetry, then the logger (its OTEL core needs the
//     log provider)
//  3. Connect infrastructure: index backend, embedding client, NATS
//  4. Assemble the search service
//  5. Watch the config file for search-tuning reloads
//  6. Serve HTTP until shutdown
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	logger, err := logging.NewLogger(loggingConfig(cfg), tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort flush on shutdown
	}()

	logger.Info(ctx, "Starting memoryd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("index_provider", cfg.Index.Provider))

	if health := tel.Health(); health.Degraded {
		logger.Warn(ctx, "Telemetry degraded", zap.String("reason", health.Reason))
	}

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn(context.Background(), "Dependency shutdown", zap.Error(err))
		}
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(context.Background(), "Telemetry shutdown", zap.Error(err))
		}
	}()

	svc := initSearchService(cfg, deps, logger)

	roles := server.NewStaticRoleSource(cfg.Roles, logger)
	srv, err := server.NewServer(cfg.Server, svc, roles, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Hot-reload search tuning on config file changes. A watch that
	// cannot start degrades to static tuning rather than killing the
	// daemon.
	if err := config.Watch(ctx, configPath,
		func(updated *config.Config) {
			svc.UpdateTuning(search.TuningFromConfig(updated.Search))
		},
		func(err error) {
			logger.Warn(ctx, "Config reload failed, keeping previous tuning", zap.Error(err))
		},
	); err != nil {
		logger.Warn(ctx, "Config watch unavailable", zap.Error(err))
	}

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("search_endpoint", "/v1/search"),
		zap.String("metrics_endpoint", "/metrics"))

	return srv.Start(ctx)
}

// dependencies holds the daemon's infrastructure clients.
type dependencies struct {
	indexClient index.Client
	embedder    *embeddings.Client
	auditor     *audit.Publisher
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() error {
	var errs []error
	if d.auditor != nil {
		if err := d.auditor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	if d.indexClient != nil {
		if err := d.indexClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("index: %w", err))
		}
	}
	return errors.Join(errs...)
}

// initDependencies connects the index backend, the embedding client,
// and (when enabled) the audit publisher, and makes sure the default
// text collections exist.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	vectorSize := cfg.Index.VectorSize
	if vectorSize == 0 {
		vectorSize = vectorSizeForModel(cfg.Embed.Model)
	}

	indexClient, err := index.New(index.Config{
		Provider: cfg.Index.Provider,
		Qdrant: index.QdrantConfig{
			Host:           cfg.Index.Qdrant.Host,
			Port:           cfg.Index.Qdrant.Port,
			UseTLS:         cfg.Index.Qdrant.UseTLS,
			APIKey:         cfg.Index.Qdrant.APIKey.Value(),
			DialTimeout:    cfg.Index.Qdrant.DialTimeout.Duration(),
			RequestTimeout: cfg.Index.Qdrant.RequestTimeout.Duration(),
			RetryAttempts:  cfg.Index.Qdrant.RetryAttempts,
		},
		Chromem: index.ChromemConfig{
			Path:       cfg.Index.Chromem.Path,
			Compress:   cfg.Index.Chromem.Compress,
			VectorSize: vectorSize,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating index client: %w", err)
	}

	logger.Info(ctx, "Index client ready",
		zap.String("provider", cfg.Index.Provider),
		zap.Int("vector_size", vectorSize))

	// Text collections are created up front so a fresh install can
	// search immediately. Multimodal collections use a different
	// embedding dimension owned by the ingestion side; they are only
	// ensured when the size is configured explicitly.
	collections := append([]string{}, cfg.Search.TextCollections...)
	if cfg.Index.VectorSize > 0 {
		collections = append(collections, cfg.Search.MultimodalCollections...)
	}
	for _, name := range collections {
		if err := indexClient.EnsureCollection(ctx, name, uint64(vectorSize)); err != nil {
			_ = indexClient.Close()
			return nil, fmt.Errorf("ensuring collection %s: %w", name, err)
		}
	}

	embedder, err := embeddings.NewClient(cfg.Embed, logger)
	if err != nil {
		_ = indexClient.Close()
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	logger.Info(ctx, "Embedding client ready",
		zap.String("base_url", cfg.Embed.BaseURL),
		zap.String("model", cfg.Embed.Model))

	deps := &dependencies{
		indexClient: indexClient,
		embedder:    embedder,
	}

	if cfg.Audit.Enabled {
		auditor, err := audit.Connect(cfg.Audit, logger)
		if err != nil {
			_ = indexClient.Close()
			return nil, fmt.Errorf("connecting audit publisher: %w", err)
		}
		deps.auditor = auditor
		logger.Info(ctx, "Audit publisher connected",
			zap.String("url", cfg.Audit.URL),
			zap.String("subject", cfg.Audit.Subject))
	}

	return deps, nil
}

// initSearchService assembles the analyzer chain, executor, and
// orchestrator from config.
func initSearchService(cfg *config.Config, deps *dependencies, logger *logging.Logger) *search.Service {
	var analyzer search.Analyzer = search.NewEmbedAnalyzer(search.IdentityAnalyzer{}, deps.embedder)
	if cfg.Search.Cache.Enabled {
		cache := search.NewAnalysisCache(cfg.Search.Cache.TTL.Duration(), cfg.Search.Cache.MaxEntries, nil)
		analyzer = search.NewCachedAnalyzer(analyzer, cache)
	}

	var limiter *rate.Limiter
	if cfg.Search.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Search.RatePerSecond), cfg.Search.RateBurst)
	}

	executor := search.NewExecutor(deps.indexClient, cfg.Search.MaxConcurrent, limiter, logger)
	compiler := search.NewCompiler(logger)

	// A nil *audit.Publisher must stay a nil Auditor, not a typed nil
	// inside the interface.
	var auditor search.Auditor
	if deps.auditor != nil {
		auditor = deps.auditor
	}

	svc := search.NewService(executor, compiler, analyzer, auditor, logger)
	svc.UpdateTuning(search.TuningFromConfig(cfg.Search))
	return svc
}

// loggingConfig maps the logging section of the daemon config onto the
// logging package's own config.
func loggingConfig(cfg *config.Config) *logging.Config {
	lc := logging.NewDefaultConfig()
	if level, err := logging.LevelFromString(cfg.Logging.Level); err == nil {
		lc.Level = level
	}
	if cfg.Logging.Format != "" {
		lc.Format = cfg.Logging.Format
	}
	lc.Output.OTEL = cfg.Logging.OTEL
	return lc
}

// telemetryConfig maps the telemetry section of the daemon config onto
// the telemetry package's own config.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Protocol = cfg.Telemetry.Protocol
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = cfg.Telemetry.ServiceVersion
	tc.Insecure = cfg.Telemetry.Insecure
	tc.SampleRate = cfg.Telemetry.SampleRate
	tc.Metrics.ExportInterval = cfg.Telemetry.MetricsInterval
	return tc
}

// vectorSizeForModel returns the embedding dimension for the configured
// model. Unknown models default to BGE-small dimensions; deployments
// with other models set index.vector_size explicitly.
func vectorSizeForModel(model string) int {
	switch model {
	case "BAAI/bge-small-en-v1.5":
		return 384
	case "BAAI/bge-base-en-v1.5":
		return 768
	case "BAAI/bge-large-en-v1.5", "intfloat/e5-large-v2":
		return 1024
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	default:
		return 384
	}
}
