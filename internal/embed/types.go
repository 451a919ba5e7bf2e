// Package embed provides vector embedding generation for code units and
// queries. The Embedder interface is the opaque Embed capability consumed by
// the indexer and the query orchestrator; providers are Ollama (default) and
// a deterministic static fallback.
package embed

import (
	"context"
	"math"
	"time"
)

// Defaults shared by embedder implementations.
const (
	// DefaultBatchSize is the number of texts per provider request.
	DefaultBatchSize = 32

	// DefaultTimeout bounds one provider request.
	DefaultTimeout = 60 * time.Second

	// StaticDimensions is the dimensionality of the static embedder.
	StaticDimensions = 256
)

// Embedder generates vector embeddings for text. Vector dimensionality is
// fixed per deployment.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}

// normalize scales a vector to unit length in place.
func normalize(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
