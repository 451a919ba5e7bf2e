package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"unicode"
)

// StaticEmbedder produces deterministic embeddings from token hashes.
// Quality is far below a real model, but it needs no external process,
// which makes it the offline fallback and the test double of choice.
type StaticEmbedder struct {
	dims int
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{dims: StaticDimensions}
}

// Embed generates a deterministic embedding for the text.
func (e *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		sum := sha256.Sum256([]byte(token))
		// Fold the digest into the vector: each 4-byte word bumps one
		// dimension, signed by its low bit.
		for i := 0; i+4 <= len(sum); i += 4 {
			word := binary.LittleEndian.Uint32(sum[i : i+4])
			idx := int(word % uint32(e.dims))
			if word&1 == 0 {
				vec[idx] += 1
			} else {
				vec[idx] -= 1
			}
		}
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string { return "static" }

// Close is a no-op.
func (e *StaticEmbedder) Close() error { return nil }

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
