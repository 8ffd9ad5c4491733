// Package embeddings provides query embedding via a TEI-compatible
// HTTP endpoint.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mruwnik/memory-sub003/internal/config"
	"github.com/mruwnik/memory-sub003/internal/logging"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrEmbedFailed indicates the embedding endpoint rejected or
	// failed the request.
	ErrEmbedFailed = errors.New("embedding generation failed")
)

const defaultMaxBatch = 32

// Client calls a TEI-compatible /embed endpoint.
type Client struct {
	baseURL  string
	model    string
	apiKey   config.Secret
	maxBatch int
	http     *http.Client
	logger   *logging.Logger
}

// NewClient builds a client from the embed config section. A nil
// logger disables logging.
func NewClient(cfg config.EmbedConfig, logger *logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embeddings: base URL required")
	}
	maxBatch := cfg.MaxBatch
	if maxBatch < 1 {
		maxBatch = defaultMaxBatch
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		maxBatch: maxBatch,
		http:     &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:   logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// Embed generates one vector per input text, batching requests to the
// configured batch size.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	if len(texts) == 0 {
		recordEmbed("embed", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	vectors := make([][]float32, 0, len(texts))
	for from := 0; from < len(texts); from += c.maxBatch {
		to := from + c.maxBatch
		if to > len(texts) {
			to = len(texts)
		}
		batch, err := c.post(ctx, texts[from:to])
		if err != nil {
			recordEmbed("embed", "error", time.Since(start).Seconds())
			return nil, err
		}
		if len(batch) != to-from {
			recordEmbed("embed", "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbedFailed, len(batch), to-from)
		}
		vectors = append(vectors, batch...)
	}

	c.logger.Debug(ctx, "Embedded texts",
		zap.Int("count", len(texts)),
		zap.Duration("duration", time.Since(start)))
	recordEmbed("embed", "success", time.Since(start).Seconds())
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	if text == "" {
		recordEmbed("embed_query", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	vectors, err := c.post(ctx, []string{text})
	if err != nil {
		recordEmbed("embed_query", "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(vectors) == 0 {
		recordEmbed("embed_query", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: empty response", ErrEmbedFailed)
	}
	recordEmbed("embed_query", "success", time.Since(start).Seconds())
	return vectors[0], nil
}

func (c *Client) post(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.apiKey.Value())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbedFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return vectors, nil
}
