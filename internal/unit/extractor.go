package unit

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"

	scoperr "github.com/codescope/codescope/internal/errors"
	"github.com/codescope/codescope/internal/scanner"
)

// Options configures extraction.
type Options struct {
	// MaxUnitBytes is the largest single unit; oversized syntactic units
	// are split at line boundaries.
	MaxUnitBytes int

	// MinSplitBytes is the minimum granularity when splitting.
	MinSplitBytes int
}

// DefaultOptions returns the extraction defaults.
func DefaultOptions() Options {
	return Options{MaxUnitBytes: 4096, MinSplitBytes: 256}
}

// Result is the outcome of an extraction batch.
type Result struct {
	// Units are all extracted code units, in file order.
	Units []*CodeUnit

	// FileHashes maps each extracted file path to its whole-file content
	// hash, for change detection on the next run.
	FileHashes map[string]string

	// Skipped lists files whose content hash was unchanged.
	Skipped []string

	// Errors aggregates per-file failures; a failure never aborts the batch.
	Errors []*scoperr.ScopeError
}

// Extractor turns project files into code units.
type Extractor struct {
	registry *Registry
	scanner  *scanner.Scanner
	opts     Options
	logger   *slog.Logger
}

// NewExtractor creates an extractor. scanner is used when Extract is asked
// for the whole tree (changed == nil).
func NewExtractor(reg *Registry, sc *scanner.Scanner, opts Options, logger *slog.Logger) *Extractor {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if opts.MaxUnitBytes <= 0 {
		opts.MaxUnitBytes = DefaultOptions().MaxUnitBytes
	}
	if opts.MinSplitBytes <= 0 {
		opts.MinSplitBytes = DefaultOptions().MinSplitBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{registry: reg, scanner: sc, opts: opts, logger: logger}
}

// Registry returns the language registry in use.
func (e *Extractor) Registry() *Registry { return e.registry }

// Extract produces code units for the project. changed selects specific
// relative paths; nil means the whole tree. prior maps path to the file hash
// recorded on the previous run: files whose hash is unchanged are skipped
// without re-extraction.
func (e *Extractor) Extract(ctx context.Context, root string, changed []string, prior map[string]string) (*Result, error) {
	files := changed
	if files == nil {
		if e.scanner == nil {
			return nil, scoperr.Newf(scoperr.ErrCodeInternal, "full extraction requires a scanner")
		}
		var err error
		files, err = e.scanner.Walk(ctx, root)
		if err != nil {
			return nil, err
		}
	}

	res := &Result{FileHashes: make(map[string]string, len(files))}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			res.Errors = append(res.Errors,
				scoperr.Wrap(scoperr.ErrCodeUnreadableFile, err).WithDetail("path", rel))
			continue
		}

		if isBinary(content) {
			continue
		}

		fileHash := HashBytes(content)
		if prior != nil && prior[rel] == fileHash {
			res.Skipped = append(res.Skipped, rel)
			res.FileHashes[rel] = fileHash
			continue
		}

		units, err := e.extractFile(ctx, rel, content)
		if err != nil {
			res.Errors = append(res.Errors,
				scoperr.Wrap(scoperr.ErrCodeUnreadableFile, err).WithDetail("path", rel))
			continue
		}

		res.Units = append(res.Units, units...)
		res.FileHashes[rel] = fileHash
	}

	e.logger.Debug("extraction complete",
		slog.Int("files", len(files)),
		slog.Int("units", len(res.Units)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("errors", len(res.Errors)))

	return res, nil
}

// extractFile segments one file into units.
func (e *Extractor) extractFile(ctx context.Context, rel string, content []byte) ([]*CodeUnit, error) {
	if len(content) == 0 {
		return nil, nil
	}

	spec, language := e.registry.Lookup(rel)
	if language == "" {
		language = "text"
	}

	if spec == nil {
		// No segmentation grammar: the whole file is one unit, still
		// split if it exceeds the size cap.
		spans := split(content, span{start: 0, end: len(content), kind: KindFile}, e.opts.MaxUnitBytes, e.opts.MinSplitBytes)
		return e.build(rel, language, content, spans), nil
	}

	spans, err := segment(ctx, content, spec, e.opts.MaxUnitBytes, e.opts.MinSplitBytes)
	if err != nil {
		// Parse or query failure degrades to whole-file units.
		e.logger.Debug("segmentation failed, falling back to whole-file",
			slog.String("path", rel), slog.String("error", err.Error()))
		spans = split(content, span{start: 0, end: len(content), kind: KindFile}, e.opts.MaxUnitBytes, e.opts.MinSplitBytes)
	}

	return e.build(rel, language, content, spans), nil
}

// build materializes spans into code units.
func (e *Extractor) build(rel, language string, content []byte, spans []span) []*CodeUnit {
	lines := newLineIndex(content)
	units := make([]*CodeUnit, 0, len(spans))
	for _, s := range spans {
		text := content[s.start:s.end]
		units = append(units, &CodeUnit{
			ID:          Identity(rel, language, s.kind, s.start, s.end),
			Path:        rel,
			Language:    language,
			Kind:        s.kind,
			StartByte:   s.start,
			EndByte:     s.end,
			StartLine:   lines.lineAt(s.start),
			EndLine:     lines.lineAt(s.end - 1),
			Content:     string(text),
			ContentHash: HashBytes(text),
			Symbol:      s.name,
		})
	}
	return units
}

// isBinary sniffs for a null byte in the head of the content.
func isBinary(content []byte) bool {
	head := content
	if len(head) > 8192 {
		head = head[:8192]
	}
	return bytes.IndexByte(head, 0) >= 0
}
