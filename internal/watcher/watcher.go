// Package watcher turns raw filesystem notifications into debounced
// batches of file changes suitable for incremental reindexing.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codescope/codescope/internal/scanner"
)

// Op is the coalesced operation for a path.
type Op int

const (
	// OpChange covers create and modify; both mean "re-extract this file".
	OpChange Op = iota

	// OpDelete means the file is gone and must leave the index.
	OpDelete
)

func (op Op) String() string {
	if op == OpDelete {
		return "DELETE"
	}
	return "CHANGE"
}

// Event is one coalesced file event with a workspace-relative path.
type Event struct {
	Path string
	Op   Op
}

// Options configures the watcher.
type Options struct {
	// Debounce is the quiet window before a batch is emitted.
	Debounce time.Duration

	// Scan filters events the same way the scanner filters walks, so the
	// watcher and a full index pass agree on what is indexable.
	Scan scanner.Options
}

// Watcher watches a workspace root recursively and emits debounced event
// batches. New directories are added to the watch set as they appear.
type Watcher struct {
	root      string
	opts      Options
	fsw       *fsnotify.Watcher
	debouncer *debouncer
	logger    *slog.Logger
}

// New creates a watcher for root. Call Run to start it.
func New(root string, opts Options, logger *slog.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:      root,
		opts:      opts,
		fsw:       fsw,
		debouncer: newDebouncer(opts.Debounce, logger),
		logger:    logger,
	}, nil
}

// Batches returns the channel of debounced event batches. It is closed when
// Run returns.
func (w *Watcher) Batches() <-chan []Event {
	return w.debouncer.output
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.fsw.Close()
		w.debouncer.stop()
	}()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if w.excluded(rel) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("watch new directory failed",
					slog.String("path", rel), slog.String("error", err.Error()))
			}
			return
		}
		w.debouncer.add(Event{Path: rel, Op: OpChange})
	case ev.Op.Has(fsnotify.Write):
		w.debouncer.add(Event{Path: rel, Op: OpChange})
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.debouncer.add(Event{Path: rel, Op: OpDelete})
	}
}

// addRecursive watches dir and all non-excluded subdirectories.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skip unwatchable path", slog.String("path", path))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr == nil && rel != "." && w.excluded(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		if werr := w.fsw.Add(path); werr != nil {
			w.logger.Warn("watch add failed",
				slog.String("path", path), slog.String("error", werr.Error()))
		}
		return nil
	})
}

func (w *Watcher) excluded(rel string) bool {
	for _, pattern := range w.opts.Scan.Exclude {
		if rel == pattern || strings.HasPrefix(rel, pattern+"/") {
			return true
		}
		for _, part := range strings.Split(rel, "/") {
			if part == pattern {
				return true
			}
		}
	}
	return false
}
