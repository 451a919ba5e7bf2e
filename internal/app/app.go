// Package app wires the components into a running instance: config,
// logging, stores, embedder, extractor, indexer, language server sessions,
// and the query orchestrator, all bound to one project root.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/codescope/codescope/internal/config"
	"github.com/codescope/codescope/internal/embed"
	scoperr "github.com/codescope/codescope/internal/errors"
	"github.com/codescope/codescope/internal/index"
	"github.com/codescope/codescope/internal/logging"
	"github.com/codescope/codescope/internal/lsp"
	"github.com/codescope/codescope/internal/query"
	"github.com/codescope/codescope/internal/scanner"
	"github.com/codescope/codescope/internal/store"
	"github.com/codescope/codescope/internal/unit"
	"github.com/codescope/codescope/internal/watcher"
)

const (
	vectorFileName = "vectors.hnsw"
	metadataDBName = "metadata.db"
	lockFileName   = ".lock"
	logFileName    = "codescope.log"
)

// Options tunes app construction.
type Options struct {
	// Offline forces the static embedder regardless of config.
	Offline bool

	// Exclusive takes the index write lock; required for indexing and
	// serving, not for read-only queries.
	Exclusive bool

	// LogToStderr mirrors logs to stderr in addition to the log file.
	// Must stay false when stdio carries MCP traffic.
	LogToStderr bool

	// LogLevel overrides the configured level when non-empty.
	LogLevel string
}

// App is one fully wired instance bound to a project root.
type App struct {
	Root   string
	Cfg    *config.Config
	Logger *slog.Logger

	Extractor *unit.Extractor
	Indexer   *index.Indexer
	Sessions  *lsp.Manager
	Queries   *query.Orchestrator

	embedder   embed.Embedder
	vectors    store.VectorStore
	meta       *store.MetadataStore
	scan       scanner.Options
	vectorPath string
	lock       *flock.Flock
	logCleanup func()
}

// Open canonicalizes root and builds the full component graph. The caller
// must Close the app.
func Open(ctx context.Context, root string, opts Options) (*App, error) {
	root, err := canonicalRoot(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	dataDir := config.DataDir(root)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Log.Level,
		FilePath:      filepath.Join(dataDir, logFileName),
		WriteToStderr: opts.LogToStderr,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Root:       root,
		Cfg:        cfg,
		Logger:     logger,
		vectorPath: filepath.Join(dataDir, vectorFileName),
		logCleanup: logCleanup,
	}

	if opts.Exclusive {
		a.lock = flock.New(filepath.Join(dataDir, lockFileName))
		locked, err := a.lock.TryLock()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("acquire index lock: %w", err)
		}
		if !locked {
			a.close()
			return nil, fmt.Errorf("index at %s is locked by another process", dataDir)
		}
	}

	if err := a.build(ctx, dataDir, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, dataDir string, opts Options) error {
	embedder, err := a.newEmbedder(ctx, opts.Offline)
	if err != nil {
		return err
	}
	cached, err := embed.NewCachedEmbedder(embedder, a.Cfg.Embeddings.CacheSize)
	if err != nil {
		return err
	}
	a.embedder = cached

	stored, err := store.StoredDimensions(a.vectorPath)
	if err != nil {
		return scoperr.Wrap(scoperr.ErrCodeCorruptIndex, err)
	}
	dims := cached.Dimensions()
	if stored != 0 && stored != dims {
		// Writers must not mix dimensions; readers can still open the
		// index (queries with the wrong-dimension embedder fail at
		// search time with the same code).
		if opts.Exclusive {
			return scoperr.Newf(scoperr.ErrCodeDimensionMismatch,
				"index was built with %d-dimensional embeddings, current model %s produces %d; run 'codescope index --force'",
				stored, cached.ModelName(), dims)
		}
		dims = stored
	}

	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return err
	}
	if _, err := os.Stat(a.vectorPath); err == nil {
		if err := vectors.Load(a.vectorPath); err != nil {
			return scoperr.Wrap(scoperr.ErrCodeCorruptIndex, err).
				WithDetail("path", a.vectorPath)
		}
	}
	a.vectors = vectors

	meta, err := store.OpenMetadataStore(filepath.Join(dataDir, metadataDBName))
	if err != nil {
		return err
	}
	a.meta = meta

	a.scan = scanner.Options{
		Include:     a.Cfg.Paths.Include,
		Exclude:     a.Cfg.Paths.Exclude,
		MaxFileSize: a.Cfg.Extract.MaxFileSize,
	}
	registry := unit.DefaultRegistry()
	a.Extractor = unit.NewExtractor(registry, scanner.New(a.scan), unit.Options{
		MaxUnitBytes:  a.Cfg.Extract.MaxUnitBytes,
		MinSplitBytes: a.Cfg.Extract.MinSplitBytes,
	}, a.Logger)

	a.Indexer = index.New(vectors, meta, cached, index.Options{
		Workers: a.Cfg.Indexer.Workers,
		Retry: scoperr.RetryConfig{
			MaxRetries:   a.Cfg.Indexer.MaxRetries,
			InitialDelay: a.Cfg.Indexer.RetryInitialDelay.Std(),
			MaxDelay:     a.Cfg.Indexer.RetryMaxDelay.Std(),
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, a.Logger)

	a.Sessions = lsp.NewManager(a.Cfg.LSP, registry, a.Logger)
	a.Queries = query.New(a.Root, cached, a.Indexer, a.Sessions, query.Options{
		DefaultK: a.Cfg.Query.DefaultK,
		Timeout:  a.Cfg.Query.Timeout.Std(),
	}, a.Logger)
	return nil
}

func (a *App) newEmbedder(ctx context.Context, offline bool) (embed.Embedder, error) {
	if offline || a.Cfg.Embeddings.Provider == "static" {
		a.Logger.Info("using static embedder")
		return embed.NewStaticEmbedder(), nil
	}
	e, err := embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
		Host:       a.Cfg.Embeddings.OllamaHost,
		Model:      a.Cfg.Embeddings.Model,
		Dimensions: a.Cfg.Embeddings.Dimensions,
		Timeout:    a.Cfg.Embeddings.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	a.Logger.Info("using ollama embedder",
		slog.String("model", e.ModelName()), slog.Int("dimensions", e.Dimensions()))
	return e, nil
}

// IndexAll extracts and indexes the whole tree. With force, prior state is
// discarded so every unit is re-embedded.
func (a *App) IndexAll(ctx context.Context, force bool) (*index.Stats, error) {
	prior := map[string]string{}
	if !force {
		var err error
		prior, err = a.meta.FileHashes(ctx)
		if err != nil {
			return nil, err
		}
	}

	res, err := a.Extractor.Extract(ctx, a.Root, nil, prior)
	if err != nil {
		return nil, err
	}
	for _, ferr := range res.Errors {
		a.Logger.Warn("file skipped", slog.String("error", ferr.Error()))
	}

	live := make(map[string]struct{}, len(res.FileHashes)+len(res.Skipped))
	for path := range res.FileHashes {
		live[path] = struct{}{}
	}
	for _, path := range res.Skipped {
		live[path] = struct{}{}
	}

	stats, err := a.Indexer.Reindex(ctx, res.Units, res.FileHashes, live)
	if err != nil {
		return stats, err
	}
	if err := a.meta.SetMeta(ctx, "embedding_model", a.embedder.ModelName()); err != nil {
		return stats, err
	}
	if err := a.Indexer.Save(a.vectorPath); err != nil {
		return stats, err
	}
	return stats, nil
}

// IndexChanged applies one batch of file changes to the index.
func (a *App) IndexChanged(ctx context.Context, changed, deleted []string) (*index.Stats, error) {
	stats := &index.Stats{}

	for _, path := range deleted {
		n, err := a.Indexer.RemoveFile(ctx, path)
		if err != nil {
			return stats, err
		}
		stats.Removed += n
	}

	if len(changed) > 0 {
		prior, err := a.meta.FileHashes(ctx)
		if err != nil {
			return stats, err
		}
		res, err := a.Extractor.Extract(ctx, a.Root, changed, prior)
		if err != nil {
			return stats, err
		}
		for _, ferr := range res.Errors {
			a.Logger.Warn("file skipped", slog.String("error", ferr.Error()))
		}

		// The batch touches only the changed files; everything already
		// indexed stays live.
		live := make(map[string]struct{}, len(prior)+len(changed))
		for path := range prior {
			live[path] = struct{}{}
		}
		for path := range res.FileHashes {
			live[path] = struct{}{}
		}
		for _, path := range deleted {
			delete(live, path)
		}

		batchStats, err := a.Indexer.Reindex(ctx, res.Units, res.FileHashes, live)
		if batchStats != nil {
			stats.Added += batchStats.Added
			stats.Updated += batchStats.Updated
			stats.Removed += batchStats.Removed
			stats.Failed += batchStats.Failed
		}
		if err != nil {
			return stats, err
		}
	}

	if err := a.Indexer.Save(a.vectorPath); err != nil {
		return stats, err
	}
	return stats, nil
}

// Watch runs watcher-driven incremental indexing until ctx is cancelled.
func (a *App) Watch(ctx context.Context) error {
	w, err := watcher.New(a.Root, watcher.Options{
		Debounce: a.Cfg.Watch.Debounce.Std(),
		Scan:     a.scan,
	}, a.Logger)
	if err != nil {
		return err
	}

	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error("watcher stopped", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-w.Batches():
			if !ok {
				return nil
			}
			a.applyBatch(ctx, batch)
		}
	}
}

func (a *App) applyBatch(ctx context.Context, batch []watcher.Event) {
	var changed, deleted []string
	for _, ev := range batch {
		if ev.Op == watcher.OpDelete {
			deleted = append(deleted, ev.Path)
		} else {
			changed = append(changed, ev.Path)
		}
	}

	stats, err := a.IndexChanged(ctx, changed, deleted)
	if err != nil {
		a.Logger.Warn("incremental index failed", slog.String("error", err.Error()))
		return
	}
	a.Logger.Info("incremental index applied",
		slog.Int("changed", len(changed)),
		slog.Int("deleted", len(deleted)),
		slog.Int("added", stats.Added),
		slog.Int("updated", stats.Updated),
		slog.Int("removed", stats.Removed))

	for _, path := range changed {
		a.Sessions.DocumentChanged(ctx, a.Root, path)
	}
}

// Stats reports index size for status output.
func (a *App) Stats(ctx context.Context) (units int, files int, err error) {
	units, err = a.Indexer.Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	paths, err := a.Indexer.Paths(ctx)
	if err != nil {
		return 0, 0, err
	}
	return units, len(paths), nil
}

// Close tears everything down in dependency order.
func (a *App) Close() {
	if a.Sessions != nil {
		a.Sessions.CloseAll()
	}
	a.close()
}

func (a *App) close() {
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.meta != nil {
		_ = a.meta.Close()
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}

// ResetIndex removes the persisted index files for a root. Used by forced
// reindexing, which must also recover from dimension mismatches that would
// prevent the app from opening at all.
func ResetIndex(root string) error {
	root, err := canonicalRoot(root)
	if err != nil {
		return err
	}
	dataDir := config.DataDir(root)
	for _, name := range []string{vectorFileName, vectorFileName + ".meta", metadataDBName, metadataDBName + "-wal", metadataDBName + "-shm"} {
		if err := os.Remove(filepath.Join(dataDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

func canonicalRoot(root string) (string, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root %s is not a directory", resolved)
	}
	return resolved, nil
}
