package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder records how many texts reach the underlying provider.
type countingEmbedder struct {
	*StaticEmbedder
	embedCalls int
	batchTexts int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedCalls++
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchTexts += len(texts)
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder_SecondCallHitsCache(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	e, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)

	first, err := e.Embed(context.Background(), "query text")
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), "query text")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.embedCalls)
}

func TestCachedEmbedder_BatchOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	e, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)

	// Prime the cache with one of the three texts.
	_, err = e.Embed(context.Background(), "b")
	require.NoError(t, err)

	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 2, inner.batchTexts)

	// Results stay aligned with the input order despite the cache hit.
	for i, text := range []string{"a", "b", "c"} {
		want, err := inner.StaticEmbedder.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, want, out[i])
	}
}

func TestCachedEmbedder_AllHitsSkipProvider(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	e, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)

	_, err = e.EmbedBatch(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	inner.batchTexts = 0

	_, err = e.EmbedBatch(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Zero(t, inner.batchTexts)
}

type erroringEmbedder struct{ *StaticEmbedder }

func (e *erroringEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}

func TestCachedEmbedder_ProviderErrorNotCached(t *testing.T) {
	e, err := NewCachedEmbedder(&erroringEmbedder{NewStaticEmbedder()}, 16)
	require.NoError(t, err)

	_, err = e.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestCachedEmbedder_DelegatesMetadata(t *testing.T) {
	e, err := NewCachedEmbedder(NewStaticEmbedder(), 16)
	require.NoError(t, err)

	assert.Equal(t, StaticDimensions, e.Dimensions())
	assert.Equal(t, "static", e.ModelName())
	assert.NoError(t, e.Close())
}
