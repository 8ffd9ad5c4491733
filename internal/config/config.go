// Package config provides configuration loading for memoryd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. Every section has defaults that work for local development
// against an embedded index; production deployments override the index,
// embedding, and audit sections.
//
// Sections that other packages own (logging, telemetry) appear here as
// thin mirrors with plain fields; the composition root maps them onto
// the owning package's config so this package never imports siblings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// hostPattern matches hostnames and IP literals. Hosts reach dial
// strings verbatim, so anything with shell metacharacters or whitespace
// is rejected.
var hostPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

// Config holds the complete memoryd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Index     IndexConfig     `koanf:"index"`
	Embed     EmbedConfig     `koanf:"embed"`
	Search    SearchConfig    `koanf:"search"`
	Audit     AuditConfig     `koanf:"audit"`
	Roles     RolesConfig     `koanf:"roles"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
}

// LoggingConfig mirrors the fields of internal/logging that are
// settable from the config file. The logging package owns the full
// config; the composition root copies these over its defaults.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig mirrors the fields of internal/telemetry settable
// from the config file.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // "grpc" or "http/protobuf"
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	Insecure        bool     `koanf:"insecure"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// IndexConfig selects and configures the vector index backend.
type IndexConfig struct {
	// Provider selects the backend: "qdrant" or "chromem".
	// Default: "chromem" (embedded, no external dependencies).
	Provider string `koanf:"provider"`

	// VectorSize is the embedding dimension used when creating
	// collections. Zero means derive it from the embedding model.
	VectorSize int `koanf:"vector_size"`

	Qdrant  QdrantConfig  `koanf:"qdrant"`
	Chromem ChromemConfig `koanf:"chromem"`
}

// QdrantConfig holds connection settings for a Qdrant cluster.
type QdrantConfig struct {
	Host           string   `koanf:"host"`
	Port           int      `koanf:"port"` // gRPC port, not the HTTP REST port
	UseTLS         bool     `koanf:"use_tls"`
	APIKey         Secret   `koanf:"api_key"`
	DialTimeout    Duration `koanf:"dial_timeout"`
	RequestTimeout Duration `koanf:"request_timeout"`
	RetryAttempts  int      `koanf:"retry_attempts"`
}

// ChromemConfig holds settings for the embedded chromem backend.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// EmbedConfig holds settings for the external embedding service
// (TEI-compatible HTTP API).
type EmbedConfig struct {
	BaseURL  string   `koanf:"base_url"`
	Model    string   `koanf:"model"`
	APIKey   Secret   `koanf:"api_key"`
	Timeout  Duration `koanf:"timeout"`
	MaxBatch int      `koanf:"max_batch"`
}

// SearchConfig holds search tuning. This section is hot-reloadable:
// the daemon watches the config file and swaps these values into the
// running search service without a restart.
type SearchConfig struct {
	// DefaultLimit is the result cap when the caller does not set one.
	DefaultLimit int `koanf:"default_limit"`

	// MaxLimit caps caller-requested limits.
	MaxLimit int `koanf:"max_limit"`

	// MaxConcurrent bounds concurrent index searches during fan-out.
	MaxConcurrent int `koanf:"max_concurrent"`

	// RatePerSecond paces index calls across all searches.
	// Zero disables rate limiting.
	RatePerSecond float64 `koanf:"rate_per_second"`

	// RateBurst is the limiter burst size when rate limiting is on.
	RateBurst int `koanf:"rate_burst"`

	// TextTimeout and MultimodalTimeout bound each path of a hybrid
	// search independently.
	TextTimeout       Duration `koanf:"text_timeout"`
	MultimodalTimeout Duration `koanf:"multimodal_timeout"`

	// TextMinScore and MultimodalMinScore drop low-scoring points per
	// path. Multimodal embeddings score systematically higher, so the
	// multimodal threshold defaults higher to keep selectivity
	// comparable.
	TextMinScore       float64 `koanf:"text_min_score"`
	MultimodalMinScore float64 `koanf:"multimodal_min_score"`

	// TextCollections and MultimodalCollections are the default
	// collection sets for each path.
	TextCollections       []string `koanf:"text_collections"`
	MultimodalCollections []string `koanf:"multimodal_collections"`

	Cache CacheConfig `koanf:"cache"`
}

// CacheConfig holds query analysis cache settings.
type CacheConfig struct {
	Enabled    bool     `koanf:"enabled"`
	TTL        Duration `koanf:"ttl"`
	MaxEntries int      `koanf:"max_entries"`
}

// AuditConfig holds audit event publishing settings.
type AuditConfig struct {
	Enabled        bool     `koanf:"enabled"`
	URL            string   `koanf:"url"`
	Subject        string   `koanf:"subject"`
	PublishTimeout Duration `koanf:"publish_timeout"`
}

// RolesConfig holds the static role grants served by the config-backed
// role source. Production deployments resolve roles from an external
// directory; this section covers development and tests.
type RolesConfig struct {
	Actors []ActorGrant `koanf:"actors"`
}

// ActorGrant assigns scopes and per-project roles to one actor.
// Project keys are decimal project ids; YAML map keys are strings.
type ActorGrant struct {
	ID       int64             `koanf:"id"`
	Scopes   []string          `koanf:"scopes"`
	Projects map[string]string `koanf:"projects"`
}

// NewDefault returns a Config with every section at its default value.
func NewDefault() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in unset fields across all sections.
func (c *Config) ApplyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(30 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(30 * time.Second)
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Telemetry defaults
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4317"
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "memoryd"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "0.1.0"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	if c.Telemetry.MetricsInterval == 0 {
		c.Telemetry.MetricsInterval = Duration(15 * time.Second)
	}

	// Index defaults (chromem is default: embedded, no external deps)
	if c.Index.Provider == "" {
		c.Index.Provider = "chromem"
	}
	if c.Index.Qdrant.Host == "" {
		c.Index.Qdrant.Host = "localhost"
	}
	if c.Index.Qdrant.Port == 0 {
		c.Index.Qdrant.Port = 6334
	}
	if c.Index.Qdrant.DialTimeout == 0 {
		c.Index.Qdrant.DialTimeout = Duration(5 * time.Second)
	}
	if c.Index.Qdrant.RequestTimeout == 0 {
		c.Index.Qdrant.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Index.Qdrant.RetryAttempts == 0 {
		c.Index.Qdrant.RetryAttempts = 3
	}
	if c.Index.Chromem.Path == "" {
		c.Index.Chromem.Path = "~/.config/memoryd/index"
	}

	// Embedding defaults
	if c.Embed.BaseURL == "" {
		c.Embed.BaseURL = "http://localhost:8080"
	}
	if c.Embed.Model == "" {
		c.Embed.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embed.Timeout == 0 {
		c.Embed.Timeout = Duration(30 * time.Second)
	}
	if c.Embed.MaxBatch == 0 {
		c.Embed.MaxBatch = 32
	}

	// Search defaults
	if c.Search.DefaultLimit == 0 {
		c.Search.DefaultLimit = 20
	}
	if c.Search.MaxLimit == 0 {
		c.Search.MaxLimit = 100
	}
	if c.Search.MaxConcurrent == 0 {
		c.Search.MaxConcurrent = 8
	}
	if c.Search.RateBurst == 0 {
		c.Search.RateBurst = 16
	}
	if c.Search.TextTimeout == 0 {
		c.Search.TextTimeout = Duration(5 * time.Second)
	}
	if c.Search.MultimodalTimeout == 0 {
		c.Search.MultimodalTimeout = Duration(5 * time.Second)
	}
	if c.Search.TextMinScore == 0 {
		c.Search.TextMinScore = 0.25
	}
	if c.Search.MultimodalMinScore == 0 {
		c.Search.MultimodalMinScore = 0.4
	}
	if len(c.Search.TextCollections) == 0 {
		c.Search.TextCollections = []string{"chunks"}
	}
	if len(c.Search.MultimodalCollections) == 0 {
		c.Search.MultimodalCollections = []string{"images"}
	}
	if c.Search.Cache.TTL == 0 {
		c.Search.Cache.TTL = Duration(5 * time.Minute)
	}
	if c.Search.Cache.MaxEntries == 0 {
		c.Search.Cache.MaxEntries = 512
	}

	// Audit defaults
	if c.Audit.URL == "" {
		c.Audit.URL = "nats://localhost:4222"
	}
	if c.Audit.Subject == "" {
		c.Audit.Subject = "memory.audit.search"
	}
	if c.Audit.PublishTimeout == 0 {
		c.Audit.PublishTimeout = Duration(2 * time.Second)
	}
}

// Validate validates the configuration across all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := c.Embed.Validate(); err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if err := c.Roles.Validate(); err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	return nil
}

// Validate validates the server section.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid http_port: %d (must be 1-65535)", s.Port)
	}
	if s.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}

// Validate validates the telemetry section.
func (t *TelemetryConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.ServiceName == "" {
		return errors.New("service_name required when telemetry is enabled")
	}
	if t.Protocol != "grpc" && t.Protocol != "http/protobuf" {
		return fmt.Errorf("unsupported protocol: %q (grpc or http/protobuf)", t.Protocol)
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("sample_rate %v out of range [0,1]", t.SampleRate)
	}
	return nil
}

// Validate validates the index section.
func (i *IndexConfig) Validate() error {
	switch i.Provider {
	case "qdrant":
		if !hostPattern.MatchString(i.Qdrant.Host) {
			return fmt.Errorf("invalid qdrant host: %q", i.Qdrant.Host)
		}
		if i.Qdrant.Port < 1 || i.Qdrant.Port > 65535 {
			return fmt.Errorf("invalid qdrant port: %d", i.Qdrant.Port)
		}
	case "chromem":
		if i.Chromem.Path == "" {
			return errors.New("chromem path is required")
		}
	default:
		return fmt.Errorf("unsupported provider: %q (qdrant or chromem)", i.Provider)
	}
	if i.VectorSize < 0 {
		return fmt.Errorf("vector_size must not be negative: %d", i.VectorSize)
	}
	return nil
}

// Validate validates the embed section.
func (e *EmbedConfig) Validate() error {
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base_url scheme: %q (http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url missing host: %q", e.BaseURL)
	}
	if e.Model == "" {
		return errors.New("model is required")
	}
	if e.MaxBatch < 1 {
		return fmt.Errorf("max_batch must be positive: %d", e.MaxBatch)
	}
	return nil
}

// Validate validates the search section.
func (s *SearchConfig) Validate() error {
	if s.DefaultLimit < 1 {
		return fmt.Errorf("default_limit must be positive: %d", s.DefaultLimit)
	}
	if s.MaxLimit < s.DefaultLimit {
		return fmt.Errorf("max_limit %d below default_limit %d", s.MaxLimit, s.DefaultLimit)
	}
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive: %d", s.MaxConcurrent)
	}
	if s.RatePerSecond < 0 {
		return fmt.Errorf("rate_per_second must not be negative: %v", s.RatePerSecond)
	}
	if s.TextTimeout <= 0 || s.MultimodalTimeout <= 0 {
		return errors.New("path timeouts must be positive")
	}
	if s.TextMinScore < 0 || s.TextMinScore > 1 {
		return fmt.Errorf("text_min_score %v out of range [0,1]", s.TextMinScore)
	}
	if s.MultimodalMinScore < 0 || s.MultimodalMinScore > 1 {
		return fmt.Errorf("multimodal_min_score %v out of range [0,1]", s.MultimodalMinScore)
	}
	if s.Cache.Enabled {
		if s.Cache.TTL <= 0 {
			return errors.New("cache ttl must be positive")
		}
		if s.Cache.MaxEntries < 1 {
			return fmt.Errorf("cache max_entries must be positive: %d", s.Cache.MaxEntries)
		}
	}
	return nil
}

// Validate validates the audit section.
func (a *AuditConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	u, err := url.Parse(a.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "nats" && u.Scheme != "tls" {
		return fmt.Errorf("invalid url scheme: %q (nats or tls)", u.Scheme)
	}
	if a.Subject == "" {
		return errors.New("subject is required")
	}
	return nil
}

// Validate validates the roles section. Role names are not checked
// here: unknown names are skipped with a warning by the role source, so
// a typo denies access instead of failing startup.
func (r *RolesConfig) Validate() error {
	seen := make(map[int64]bool, len(r.Actors))
	for _, a := range r.Actors {
		if a.ID <= 0 {
			return fmt.Errorf("actor id must be positive: %d", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate actor id: %d", a.ID)
		}
		seen[a.ID] = true
		for key := range a.Projects {
			if _, err := strconv.ParseInt(key, 10, 64); err != nil {
				return fmt.Errorf("actor %d: project key %q is not an integer", a.ID, key)
			}
		}
	}
	return nil
}
