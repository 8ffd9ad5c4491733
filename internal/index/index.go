// Package index provides access to the vector index that backs semantic
// search. The index is consumed as a service: this package owns the
// client interface, the typed filter tree sent with every query, and the
// two backends (a remote Qdrant cluster over gRPC and an embedded
// chromem store for local mode and tests).
//
// Callers never build index payloads or filters from raw maps. Filters
// are constructed through the typed API in filter.go so the set of
// expressible conditions stays closed.
package index

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors shared by all backends.
var (
	// ErrInvalidCollectionName indicates a collection name that fails validation.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrCollectionNotFound indicates an operation against a collection that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrEmptyVector indicates a search with a zero-length query vector.
	ErrEmptyVector = errors.New("query vector is empty")
)

// collectionNamePattern matches valid collection names: lowercase
// alphanumeric with underscores, 1-64 chars. Collection names reach the
// index verbatim, so they are validated like any other identifier that
// crosses a trust boundary.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,62}[a-z0-9]?$`)

// ValidateCollectionName checks that a collection name is safe to send
// to a backend.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must be lowercase alphanumeric with underscores (1-64 chars)", ErrInvalidCollectionName, name)
	}
	return nil
}

// Client is the operation surface the search layer depends on. Both
// backends implement it; tests substitute fakes.
type Client interface {
	// EnsureCollection creates the collection if it does not exist.
	// Existing collections are left untouched regardless of their
	// vector configuration.
	EnsureCollection(ctx context.Context, name string, vectorSize uint64) error

	// DeleteCollection removes a collection and all its points.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists reports whether the collection exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, collection string, points []*Point) error

	// Search runs a similarity query and returns up to limit points,
	// best first. A nil filter matches everything.
	Search(ctx context.Context, collection string, vector []float32, limit uint64, filter *Filter) ([]*ScoredPoint, error)

	// Retrieve fetches points by id. Missing ids are skipped, not errors.
	Retrieve(ctx context.Context, collection string, ids []string) ([]*Point, error)

	// Delete removes points by id.
	Delete(ctx context.Context, collection string, ids []string) error

	// Health checks connectivity to the backend.
	Health(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// Point is a stored vector with its payload.
//
// Payloads for knowledge-base chunks carry the access fields the search
// layer filters on: project_id (integer or null), sensitivity (level
// name), people (integer list or null), tags (string list), plus
// source-specific fields.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	Point
	Score float32
}
