package index

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mruwnik/memory-sub003/internal/logging"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// payloadMetadataKey is the chromem metadata entry holding the JSON
// payload. chromem metadata is flat string-to-string, which cannot
// carry nullable project ids or people lists, so the whole payload
// travels as one JSON document and filters run against the decoded form.
const payloadMetadataKey = "payload"

// ChromemConfig configures the embedded chromem backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means a
	// purely in-memory store (used by tests).
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Default: 1024
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.VectorSize == 0 {
		c.VectorSize = 1024
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", c.VectorSize)
	}
	return nil
}

// ChromemClient implements Client on an embedded chromem-go store.
//
// chromem always searches exhaustively (no ANN index), so filtered
// queries fetch every stored point, evaluate the filter tree locally
// with Filter.Matches, and truncate afterwards. That keeps filtered
// recall exact at the corpus sizes local mode is meant for.
//
// Vectors arrive precomputed from the embedding service; the store
// never embeds text itself.
type ChromemClient struct {
	db     *chromem.DB
	config ChromemConfig
	logger *logging.Logger
}

// NewChromemClient creates an embedded index client. With a configured
// path the store persists across restarts; without one it lives in
// memory only.
func NewChromemClient(config ChromemConfig, logger *logging.Logger) (*ChromemClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = path
	}

	logger.Info(context.Background(), "chromem index initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemClient{db: db, config: config, logger: logger}, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc satisfies chromem's collection API. Text embedding is
// the embedding service's job; reaching this function means a caller
// bypassed it.
func (c *ChromemClient) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("store holds externally computed embeddings; text queries are not supported")
	}
}

// EnsureCollection creates the collection if it does not already exist.
func (c *ChromemClient) EnsureCollection(ctx context.Context, name string, vectorSize uint64) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if vectorSize != 0 && int(vectorSize) != c.config.VectorSize {
		return fmt.Errorf("vector size %d does not match configured size %d", vectorSize, c.config.VectorSize)
	}

	if _, err := c.db.GetOrCreateCollection(name, nil, c.embeddingFunc()); err != nil {
		return fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	return nil
}

// DeleteCollection deletes a collection and all its points.
func (c *ChromemClient) DeleteCollection(ctx context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if err := c.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	return nil
}

// CollectionExists checks if a collection exists.
func (c *ChromemClient) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	// Must pass the embedding function: chromem falls back to its
	// OpenAI default when given nil for persisted collections.
	return c.db.GetCollection(name, c.embeddingFunc()) != nil, nil
}

// ListCollections returns a list of all collection names.
func (c *ChromemClient) ListCollections(ctx context.Context) ([]string, error) {
	collections := c.db.ListCollections()
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	return names, nil
}

// Upsert inserts or replaces points. Vectors must be precomputed.
func (c *ChromemClient) Upsert(ctx context.Context, collection string, points []*Point) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	col, err := c.db.GetOrCreateCollection(collection, nil, c.embeddingFunc())
	if err != nil {
		return fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		if len(p.Vector) == 0 {
			return fmt.Errorf("point %q has no vector", p.ID)
		}
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload for point %q: %w", p.ID, err)
		}
		content, _ := p.Payload["content"].(string)
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   content,
			Metadata:  map[string]string{payloadMetadataKey: string(raw)},
			Embedding: p.Vector,
		}
	}

	// Concurrency of 1: embeddings are already present, so the workers
	// would only copy data around.
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	c.logger.Debug(ctx, "upserted points into chromem",
		zap.String("collection", collection),
		zap.Int("count", len(points)),
	)
	return nil
}

// Search runs a similarity query with local filter evaluation.
func (c *ChromemClient) Search(ctx context.Context, collection string, vector []float32, limit uint64, filter *Filter) ([]*ScoredPoint, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}

	col := c.db.GetCollection(collection, c.embeddingFunc())
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	count := col.Count()
	if count == 0 || limit == 0 {
		return []*ScoredPoint{}, nil
	}

	// With a filter, fetch everything and filter locally; a top-k cut
	// before filtering would silently drop qualifying points. Without
	// one, plain top-k suffices (capped: chromem rejects k > count).
	k := int(limit)
	if filter != nil && !filter.IsZero() {
		k = count
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	out := make([]*ScoredPoint, 0, limit)
	for _, r := range results {
		payload, err := decodePayload(r.Metadata)
		if err != nil {
			c.logger.Warn(ctx, "skipping point with undecodable payload",
				zap.String("collection", collection),
				zap.String("id", r.ID),
				zap.Error(err),
			)
			continue
		}
		if filter != nil && !filter.Matches(payload) {
			continue
		}
		out = append(out, &ScoredPoint{
			Point: Point{ID: r.ID, Vector: r.Embedding, Payload: payload},
			Score: r.Similarity,
		})
		if uint64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

// Retrieve fetches points by id. Missing ids are skipped.
func (c *ChromemClient) Retrieve(ctx context.Context, collection string, ids []string) ([]*Point, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	col := c.db.GetCollection(collection, c.embeddingFunc())
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	out := make([]*Point, 0, len(ids))
	for _, id := range ids {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		payload, err := decodePayload(doc.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decoding payload for point %q: %w", id, err)
		}
		out = append(out, &Point{ID: doc.ID, Vector: doc.Embedding, Payload: payload})
	}
	return out, nil
}

// Delete removes points by id.
func (c *ChromemClient) Delete(ctx context.Context, collection string, ids []string) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	col := c.db.GetCollection(collection, c.embeddingFunc())
	if col == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Health always succeeds; the store is in-process.
func (c *ChromemClient) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op; chromem persists on every write.
func (c *ChromemClient) Close() error {
	return nil
}

func decodePayload(metadata map[string]string) (map[string]interface{}, error) {
	raw, ok := metadata[payloadMetadataKey]
	if !ok {
		return map[string]interface{}{}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Ensure ChromemClient implements the Client interface
var _ Client = (*ChromemClient)(nil)
