package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescope/codescope/internal/embed"
	scoperr "github.com/codescope/codescope/internal/errors"
	"github.com/codescope/codescope/internal/store"
	"github.com/codescope/codescope/internal/unit"
)

func newTestIndexer(t *testing.T, embedder embed.Embedder) *Indexer {
	t.Helper()
	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	require.NoError(t, err)
	meta, err := store.OpenMetadataStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = vectors.Close()
		_ = meta.Close()
	})
	return New(vectors, meta, embedder, Options{
		Workers: 2,
		Retry:   scoperr.RetryConfig{MaxRetries: 1, InitialDelay: 1, MaxDelay: 1},
	}, nil)
}

func makeUnit(path, content string) *unit.CodeUnit {
	return &unit.CodeUnit{
		ID:          unit.Identity(path, "go", unit.KindFunction, 0, len(content)),
		Path:        path,
		Language:    "go",
		Kind:        unit.KindFunction,
		StartByte:   0,
		EndByte:     len(content),
		StartLine:   1,
		EndLine:     1,
		Content:     content,
		ContentHash: unit.HashBytes([]byte(content)),
		Symbol:      "F",
	}
}

func liveSet(paths ...string) map[string]struct{} {
	live := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		live[p] = struct{}{}
	}
	return live
}

func TestIndexer_ReindexIsIdempotent(t *testing.T) {
	ix := newTestIndexer(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	units := []*unit.CodeUnit{
		makeUnit("a.go", "func A() {}"),
		makeUnit("b.go", "func B() {}"),
	}
	hashes := map[string]string{"a.go": "h1", "b.go": "h2"}

	stats, err := ix.Reindex(ctx, units, hashes, liveSet("a.go", "b.go"))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Added)

	// Same content again: nothing to do.
	stats, err = ix.Reindex(ctx, units, hashes, liveSet("a.go", "b.go"))
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIndexer_ChangedContentIsUpdated(t *testing.T) {
	ix := newTestIndexer(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	u := makeUnit("a.go", "func A() { one() }")
	_, err := ix.Reindex(ctx, []*unit.CodeUnit{u}, map[string]string{"a.go": "h1"}, liveSet("a.go"))
	require.NoError(t, err)

	// Same identity, new content.
	changed := makeUnit("a.go", "func A() { two() }")
	changed.ID = u.ID
	changed.ContentHash = unit.HashBytes([]byte(changed.Content))

	stats, err := ix.Reindex(ctx, []*unit.CodeUnit{changed}, map[string]string{"a.go": "h2"}, liveSet("a.go"))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Added)
	assert.Equal(t, 1, stats.Updated)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIndexer_DeletedFileIsPruned(t *testing.T) {
	ix := newTestIndexer(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	units := []*unit.CodeUnit{
		makeUnit("a.go", "func A() {}"),
		makeUnit("b.go", "func B() {}"),
	}
	_, err := ix.Reindex(ctx, units, map[string]string{"a.go": "h1", "b.go": "h2"}, liveSet("a.go", "b.go"))
	require.NoError(t, err)

	// b.go vanished.
	stats, err := ix.Reindex(ctx, nil, map[string]string{}, liveSet("a.go"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	paths, err := ix.Paths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, paths)
}

func TestIndexer_StaleUnitsInReextractedFile(t *testing.T) {
	ix := newTestIndexer(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	// a.go initially has two functions.
	u1 := makeUnit("a.go", "func A() {}")
	u2 := &unit.CodeUnit{
		ID:          unit.Identity("a.go", "go", unit.KindFunction, 100, 120),
		Path:        "a.go",
		Language:    "go",
		Kind:        unit.KindFunction,
		StartByte:   100,
		EndByte:     120,
		StartLine:   5,
		EndLine:     7,
		Content:     "func Gone() {}",
		ContentHash: unit.HashBytes([]byte("func Gone() {}")),
		Symbol:      "Gone",
	}
	_, err := ix.Reindex(ctx, []*unit.CodeUnit{u1, u2}, map[string]string{"a.go": "h1"}, liveSet("a.go"))
	require.NoError(t, err)

	// Re-extraction of a.go yields only the first unit.
	stats, err := ix.Reindex(ctx, []*unit.CodeUnit{u1}, map[string]string{"a.go": "h2"}, liveSet("a.go"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIndexer_DuplicateIDsCollapse(t *testing.T) {
	ix := newTestIndexer(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	u := makeUnit("a.go", "func A() {}")
	dup := *u

	stats, err := ix.Reindex(ctx, []*unit.CodeUnit{u, &dup}, map[string]string{"a.go": "h1"}, liveSet("a.go"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
}

func TestIndexer_SearchFindsSimilarContent(t *testing.T) {
	ix := newTestIndexer(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	units := []*unit.CodeUnit{
		makeUnit("parse.go", "func ParseConfig(path string) (*Config, error) { yaml unmarshal config }"),
		makeUnit("render.go", "func RenderTemplate(w io.Writer, tmpl string) error { html template execute }"),
	}
	_, err := ix.Reindex(ctx, units, map[string]string{"parse.go": "h1", "render.go": "h2"}, liveSet("parse.go", "render.go"))
	require.NoError(t, err)

	embedder := embed.NewStaticEmbedder()
	vec, err := embedder.Embed(ctx, "yaml unmarshal config parse")
	require.NoError(t, err)

	matches, err := ix.Search(ctx, vec, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "parse.go", matches[0].Entry.Path)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	for _, m := range matches {
		assert.NotNil(t, m.Entry)
	}
}

// failingEmbedder always fails with a retryable error.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, scoperr.Newf(scoperr.ErrCodeEmbeddingUnavailable, "provider down")
}
func (f failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, scoperr.Newf(scoperr.ErrCodeEmbeddingUnavailable, "provider down")
}
func (failingEmbedder) Dimensions() int   { return 8 }
func (failingEmbedder) ModelName() string { return "failing" }
func (failingEmbedder) Close() error      { return nil }

// flakyEmbedder embeds normally until down is set.
type flakyEmbedder struct {
	*embed.StaticEmbedder
	down bool
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.down {
		return nil, scoperr.Newf(scoperr.ErrCodeEmbeddingUnavailable, "provider down")
	}
	return f.StaticEmbedder.Embed(ctx, text)
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.down {
		return nil, scoperr.Newf(scoperr.ErrCodeEmbeddingUnavailable, "provider down")
	}
	return f.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestIndexer_FailedFileKeepsOldEntriesAndHash(t *testing.T) {
	embedder := &flakyEmbedder{StaticEmbedder: embed.NewStaticEmbedder()}
	ix := newTestIndexer(t, embedder)
	ctx := context.Background()

	u1 := makeUnit("a.go", "func A() { one() }")
	_, err := ix.Reindex(ctx, []*unit.CodeUnit{u1}, map[string]string{"a.go": "hash-v1"}, liveSet("a.go"))
	require.NoError(t, err)

	// The file changed, but the provider is down for the whole pass.
	embedder.down = true
	u2 := makeUnit("a.go", "func A() { two(); cleanup() }")
	stats, err := ix.Reindex(ctx, []*unit.CodeUnit{u2}, map[string]string{"a.go": "hash-v2"}, liveSet("a.go"))
	require.Error(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Removed)

	// The old entry survives the failed pass, and the old file hash stays
	// recorded so the next pass re-extracts the file.
	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	hashes, err := ix.meta.FileHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash-v1", hashes["a.go"])

	// Provider recovers: the retried pass replaces the old unit.
	embedder.down = false
	stats, err = ix.Reindex(ctx, []*unit.CodeUnit{u2}, map[string]string{"a.go": "hash-v2"}, liveSet("a.go"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, 1, stats.Removed)
	hashes, err = ix.meta.FileHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash-v2", hashes["a.go"])
}

// countingEmbedder records how many batch calls reached the provider.
type countingEmbedder struct {
	*embed.StaticEmbedder
	batchCalls int
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchCalls++
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestIndexer_ShiftedUnchangedUnitIsRekeyed(t *testing.T) {
	embedder := &countingEmbedder{StaticEmbedder: embed.NewStaticEmbedder()}
	ix := newTestIndexer(t, embedder)
	ctx := context.Background()

	content := "func A() { stable() }"
	u := makeUnit("a.go", content)
	_, err := ix.Reindex(ctx, []*unit.CodeUnit{u}, map[string]string{"a.go": "h1"}, liveSet("a.go"))
	require.NoError(t, err)
	require.Equal(t, 1, embedder.batchCalls)

	before, err := ix.meta.EntriesByPath(ctx, "a.go")
	require.NoError(t, err)
	require.Len(t, before, 1)

	// An edit above the function pushed it down 40 bytes; its text is
	// untouched, but the byte range (and so the unit ID) changed.
	shifted := makeUnit("a.go", content)
	shifted.StartByte = 40
	shifted.EndByte = 40 + len(content)
	shifted.StartLine = 3
	shifted.EndLine = 3
	shifted.ID = unit.Identity("a.go", "go", unit.KindFunction, shifted.StartByte, shifted.EndByte)
	require.NotEqual(t, u.ID, shifted.ID)

	stats, err := ix.Reindex(ctx, []*unit.CodeUnit{shifted}, map[string]string{"a.go": "h2"}, liveSet("a.go"))
	require.NoError(t, err)

	// The stored entry is re-keyed, not re-embedded: no new provider
	// calls, no stat movement, and the original IndexedAt carries over.
	assert.Equal(t, &Stats{}, stats)
	assert.Equal(t, 1, embedder.batchCalls)

	after, err := ix.meta.EntriesByPath(ctx, "a.go")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, shifted.ID, after[0].UnitID)
	assert.Equal(t, 40, after[0].StartByte)
	assert.True(t, after[0].IndexedAt.Equal(before[0].IndexedAt))

	// The re-keyed vector still answers searches under the new ID.
	vec, err := embedder.Embed(ctx, content)
	require.NoError(t, err)
	matches, err := ix.Search(ctx, vec, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, shifted.ID, matches[0].Entry.UnitID)
}

func TestIndexer_EmbeddingFailureCountsFailed(t *testing.T) {
	ix := newTestIndexer(t, failingEmbedder{})
	ctx := context.Background()

	units := []*unit.CodeUnit{
		makeUnit("a.go", "func A() {}"),
		makeUnit("b.go", "func B() {}"),
	}
	stats, err := ix.Reindex(ctx, units, map[string]string{"a.go": "h1", "b.go": "h2"}, liveSet("a.go", "b.go"))

	// Every unit failed, so the pass surfaces the error with the counts.
	require.Error(t, err)
	assert.True(t, scoperr.IsCode(err, scoperr.ErrCodeEmbeddingUnavailable))
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 0, stats.Added)

	n, cerr := ix.Count(ctx)
	require.NoError(t, cerr)
	assert.Equal(t, 0, n)
}
