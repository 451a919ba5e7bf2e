// Package index maintains the semantic index: it embeds code units, writes
// vectors and metadata atomically per unit, and serves nearest-neighbor
// search over the indexed corpus.
package index

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codescope/codescope/internal/embed"
	scoperr "github.com/codescope/codescope/internal/errors"
	"github.com/codescope/codescope/internal/store"
	"github.com/codescope/codescope/internal/unit"
)

// embedBatchSize is the number of units embedded per provider call.
const embedBatchSize = 32

// Options configures the indexer.
type Options struct {
	// Workers bounds concurrent embedding batches.
	Workers int

	// Retry governs embedding retries. Zero value uses defaults.
	Retry scoperr.RetryConfig
}

// Stats summarizes one reindex pass.
type Stats struct {
	Added   int
	Updated int
	Removed int
	Failed  int
}

// Match is one search result: an index entry with its similarity score.
type Match struct {
	Entry *store.IndexEntry
	Score float32
}

// Indexer owns the vector store and metadata store and keeps them
// consistent: for every unit either both stores hold the new state or both
// hold the old one.
type Indexer struct {
	vectors  store.VectorStore
	meta     *store.MetadataStore
	embedder embed.Embedder
	workers  int
	retry    scoperr.RetryConfig
	locks    *keyLock
	logger   *slog.Logger
}

// New creates an indexer over the given stores and embedder.
func New(vectors store.VectorStore, meta *store.MetadataStore, embedder embed.Embedder, opts Options, logger *slog.Logger) *Indexer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = scoperr.DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		vectors:  vectors,
		meta:     meta,
		embedder: embedder,
		workers:  opts.Workers,
		retry:    opts.Retry,
		locks:    newKeyLock(256),
		logger:   logger,
	}
}

// Reindex applies an extraction result to the index. units are the units of
// the (re-)extracted files, fileHashes maps those files to their content
// hashes, and live is the complete set of paths that currently exist; files
// indexed earlier but absent from live are pruned.
//
// Unchanged units (same ID, same content hash) are skipped, and a unit whose
// byte range shifted without a content change adopts its old entry instead
// of re-embedding, so reindexing identical content is a no-op. Embedding
// failures degrade to partial results: the failed units are counted, their
// files keep their previous entries and file hash, and the next pass retries
// them.
func (ix *Indexer) Reindex(ctx context.Context, units []*unit.CodeUnit, fileHashes map[string]string, live map[string]struct{}) (*Stats, error) {
	stats := &Stats{}

	// Duplicate IDs collapse to one entry.
	seen := make(map[string]struct{}, len(units))
	deduped := units[:0:0]
	for _, u := range units {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		deduped = append(deduped, u)
	}

	stored, err := ix.meta.ContentHashes(ctx)
	if err != nil {
		return nil, err
	}

	var pending []*unit.CodeUnit
	isNew := make(map[string]bool)
	adoptable := make(map[string]map[string][]*store.IndexEntry)
	for _, u := range deduped {
		prev, exists := stored[u.ID]
		switch {
		case exists && prev == u.ContentHash:
			// Unchanged.
		case exists:
			stats.Updated++
			pending = append(pending, u)
		default:
			adopted, err := ix.adopt(ctx, u, seen, adoptable)
			if err != nil {
				return stats, err
			}
			if adopted {
				continue
			}
			stats.Added++
			isNew[u.ID] = true
			pending = append(pending, u)
		}
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	failedPaths := make(map[string]struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)

	for start := 0; start < len(pending); start += embedBatchSize {
		end := min(start+embedBatchSize, len(pending))
		batch := pending[start:end]
		g.Go(func() error {
			if err := ix.indexBatch(gctx, batch); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				ix.logger.Warn("batch indexing failed",
					slog.Int("units", len(batch)),
					slog.String("error", err.Error()))
				mu.Lock()
				stats.Failed += len(batch)
				for _, u := range batch {
					failedPaths[u.Path] = struct{}{}
					if isNew[u.ID] {
						stats.Added--
					} else {
						stats.Updated--
					}
				}
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	// Stale units inside re-extracted files: stored entries whose ID no
	// longer appears in the file's extraction. A file with failed units
	// keeps its stale entries; deleting them would leave a hole until the
	// provider recovers.
	for path := range fileHashes {
		if _, failed := failedPaths[path]; failed {
			continue
		}
		existing, err := ix.meta.EntriesByPath(ctx, path)
		if err != nil {
			return stats, err
		}
		var stale []string
		for _, e := range existing {
			if _, ok := seen[e.UnitID]; !ok {
				stale = append(stale, e.UnitID)
			}
		}
		if len(stale) > 0 {
			if err := ix.deleteUnits(ctx, stale); err != nil {
				return stats, err
			}
			stats.Removed += len(stale)
		}
	}

	// Files that vanished since the last pass.
	indexedPaths, err := ix.meta.Paths(ctx)
	if err != nil {
		return stats, err
	}
	for _, path := range indexedPaths {
		if _, ok := live[path]; ok {
			continue
		}
		n, err := ix.removePath(ctx, path)
		if err != nil {
			return stats, err
		}
		stats.Removed += n
	}

	// A file with failed units keeps its old hash so the extractor does
	// not skip it on the next pass.
	for path, hash := range fileHashes {
		if _, failed := failedPaths[path]; failed {
			continue
		}
		if err := ix.meta.SaveFileHash(ctx, path, hash); err != nil {
			return stats, err
		}
	}

	if stats.Added+stats.Updated == 0 && stats.Failed > 0 {
		return stats, firstErr
	}
	return stats, nil
}

// adopt re-keys a stored entry onto a unit whose ID is new but whose content
// matches an entry of the same file that no current unit claims: an edit
// elsewhere in the file shifted the unit's byte range without touching its
// text. The vector and IndexedAt carry over unchanged.
func (ix *Indexer) adopt(ctx context.Context, u *unit.CodeUnit, seen map[string]struct{}, cache map[string]map[string][]*store.IndexEntry) (bool, error) {
	byHash, ok := cache[u.Path]
	if !ok {
		entries, err := ix.meta.EntriesByPath(ctx, u.Path)
		if err != nil {
			return false, err
		}
		byHash = make(map[string][]*store.IndexEntry)
		for _, e := range entries {
			if _, current := seen[e.UnitID]; current {
				continue
			}
			byHash[e.ContentHash] = append(byHash[e.ContentHash], e)
		}
		cache[u.Path] = byHash
	}

	candidates := byHash[u.ContentHash]
	if len(candidates) == 0 {
		return false, nil
	}
	old := candidates[0]
	byHash[u.ContentHash] = candidates[1:]

	moved, err := ix.vectors.Rekey(ctx, old.UnitID, u.ID)
	if err != nil {
		return false, err
	}
	if !moved {
		// The old entry lost its vector somewhere; re-embed instead.
		return false, nil
	}
	if err := ix.meta.UpsertEntry(ctx, entryFromUnit(u, old.IndexedAt)); err != nil {
		return false, err
	}
	if err := ix.meta.DeleteEntries(ctx, []string{old.UnitID}); err != nil {
		return false, err
	}
	return true, nil
}

// indexBatch embeds one batch and upserts vector + metadata per unit under
// that unit's key lock.
func (ix *Indexer) indexBatch(ctx context.Context, batch []*unit.CodeUnit) error {
	texts := make([]string, len(batch))
	for i, u := range batch {
		texts[i] = u.Content
	}

	vecs, err := scoperr.RetryWithResult(ctx, ix.retry, func() ([][]float32, error) {
		return ix.embedder.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, u := range batch {
		if err := ix.upsertUnit(ctx, u, vecs[i], now); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) upsertUnit(ctx context.Context, u *unit.CodeUnit, vec []float32, now time.Time) error {
	l := ix.locks.lock(u.ID)
	defer l.Unlock()

	if err := ix.vectors.Upsert(ctx, []string{u.ID}, [][]float32{vec}); err != nil {
		return err
	}
	return ix.meta.UpsertEntry(ctx, entryFromUnit(u, now))
}

func entryFromUnit(u *unit.CodeUnit, indexedAt time.Time) *store.IndexEntry {
	return &store.IndexEntry{
		UnitID:      u.ID,
		Path:        u.Path,
		Language:    u.Language,
		Kind:        string(u.Kind),
		StartByte:   u.StartByte,
		EndByte:     u.EndByte,
		StartLine:   u.StartLine,
		EndLine:     u.EndLine,
		Symbol:      u.Symbol,
		Content:     u.Content,
		ContentHash: u.ContentHash,
		IndexedAt:   indexedAt,
	}
}

func (ix *Indexer) deleteUnits(ctx context.Context, ids []string) error {
	if err := ix.vectors.Delete(ctx, ids); err != nil {
		return err
	}
	return ix.meta.DeleteEntries(ctx, ids)
}

func (ix *Indexer) removePath(ctx context.Context, path string) (int, error) {
	ids, err := ix.meta.DeleteByPath(ctx, path)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		if err := ix.vectors.Delete(ctx, ids); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// RemoveFile drops a file and all its units from the index.
func (ix *Indexer) RemoveFile(ctx context.Context, path string) (int, error) {
	return ix.removePath(ctx, path)
}

// Search embeds nothing itself: it takes a query vector and returns the k
// best matches with deterministic ordering (score desc, then most recently
// indexed, then unit ID).
func (ix *Indexer) Search(ctx context.Context, query []float32, k int) ([]*Match, error) {
	hits, err := ix.vectors.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []*Match{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	entries, err := ix.meta.GetEntries(ctx, ids)
	if err != nil {
		return nil, err
	}

	matches := make([]*Match, 0, len(hits))
	for _, h := range hits {
		e, ok := entries[h.ID]
		if !ok {
			// Vector without metadata: skip rather than surface a
			// half-deleted unit.
			continue
		}
		matches = append(matches, &Match{Entry: e, Score: h.Score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Entry.IndexedAt.Equal(matches[j].Entry.IndexedAt) {
			return matches[i].Entry.IndexedAt.After(matches[j].Entry.IndexedAt)
		}
		return matches[i].Entry.UnitID < matches[j].Entry.UnitID
	})
	return matches, nil
}

// Count returns the number of indexed units.
func (ix *Indexer) Count(ctx context.Context) (int, error) {
	return ix.meta.EntryCount(ctx)
}

// Paths returns all indexed file paths.
func (ix *Indexer) Paths(ctx context.Context) ([]string, error) {
	return ix.meta.Paths(ctx)
}

// Save persists the vector store to vectorPath. Metadata is durable on
// every write and needs no flush.
func (ix *Indexer) Save(vectorPath string) error {
	return ix.vectors.Save(vectorPath)
}
