// Package scanner discovers indexable files in a project directory.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultMaxFileSize is the largest file the scanner will report (2MB).
// Larger files are almost never useful embedding targets.
const DefaultMaxFileSize int64 = 2 * 1024 * 1024

// Options configures a scan.
type Options struct {
	// Include restricts the scan to these path prefixes when non-empty.
	Include []string

	// Exclude lists directory or path prefixes to skip.
	Exclude []string

	// MaxFileSize caps reported file size in bytes.
	MaxFileSize int64
}

// Scanner walks a project tree applying include/exclude rules.
type Scanner struct {
	opts Options
}

// New creates a scanner with the given options.
func New(opts Options) *Scanner {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Scanner{opts: opts}
}

// Walk returns the relative paths of all candidate files under root, sorted
// for deterministic processing. Symlinks are never followed.
func (s *Scanner) Walk(ctx context.Context, root string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directories are skipped, not fatal: per-file
			// failures must not abort the batch.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if s.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if s.excluded(rel) || !s.included(rel) {
			return nil
		}

		// Lstat-based walk entries: skip symlinks entirely.
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > s.opts.MaxFileSize {
			return nil
		}

		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// excluded reports whether a relative path matches any exclude rule.
// A rule matches the path itself, any path component, or a prefix.
func (s *Scanner) excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, ex := range s.opts.Exclude {
		ex = strings.TrimSuffix(filepath.ToSlash(ex), "/")
		if ex == "" {
			continue
		}
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
		for _, part := range strings.Split(rel, "/") {
			if part == ex {
				return true
			}
		}
	}
	return false
}

// included reports whether a relative path matches the include prefixes.
// An empty include list matches everything.
func (s *Scanner) included(rel string) bool {
	if len(s.opts.Include) == 0 {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, in := range s.opts.Include {
		in = strings.TrimSuffix(filepath.ToSlash(in), "/")
		if rel == in || strings.HasPrefix(rel, in+"/") {
			return true
		}
	}
	return false
}
