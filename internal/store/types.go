// Package store provides the persistence layer for the index: an HNSW
// vector store and a SQLite metadata store tracking files and index entries.
package store

import (
	"context"
	"fmt"
	"time"
)

// IndexEntry couples a code unit identity with its indexed state. The store
// is the single owner of entries: at most one entry exists per unit ID, and
// entries are replaced atomically on re-index.
type IndexEntry struct {
	UnitID      string
	Path        string
	Language    string
	Kind        string
	StartByte   int
	EndByte     int
	StartLine   int
	EndLine     int
	Symbol      string
	Content     string
	ContentHash string
	IndexedAt   time.Time
}

// VectorHit is a single nearest-neighbor result.
type VectorHit struct {
	ID string
	// Score is cosine similarity in [-1, 1]; higher is more similar.
	Score float32
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension; fixed per deployment.
	Dimensions int

	// Metric is the distance metric: "cos" (default) or "l2".
	Metric string

	// M is HNSW max connections per layer.
	M int

	// EfSearch is HNSW query-time search width.
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   64,
	}
}

// VectorStore is the opaque key -> vector store with nearest-neighbor
// search. Upserts are atomic per key: a concurrent search observes either
// the old or the new vector for an ID, never a torn write.
type VectorStore interface {
	// Upsert inserts vectors with their IDs, replacing existing entries.
	Upsert(ctx context.Context, ids []string, vectors [][]float32) error

	// Delete removes vectors by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// Rekey moves the vector stored under oldID to newID without touching
	// the vector itself. Returns false when oldID holds no vector.
	Rekey(ctx context.Context, oldID, newID string) (bool, error)

	// Search finds the k nearest neighbors of query, best first.
	Search(ctx context.Context, query []float32, k int) ([]*VectorHit, error)

	// Count returns the number of stored vectors.
	Count() int

	// Persistence.
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates a vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (reindex with --force)", e.Expected, e.Got)
}
