package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	scoperr "github.com/codescope/codescope/internal/errors"
)

const metadataSchema = `
CREATE TABLE IF NOT EXISTS files (
	path         TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	indexed_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	unit_id      TEXT PRIMARY KEY,
	path         TEXT NOT NULL,
	language     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	start_byte   INTEGER NOT NULL,
	end_byte     INTEGER NOT NULL,
	start_line   INTEGER NOT NULL,
	end_line     INTEGER NOT NULL,
	symbol       TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	indexed_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_path ON entries(path);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// MetadataStore persists file hashes and index entries in SQLite. It is the
// source of truth for what is indexed; the vector store holds only vectors.
type MetadataStore struct {
	db *sql.DB
}

// OpenMetadataStore opens (creating if needed) the metadata database at path.
func OpenMetadataStore(path string) (*MetadataStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, scoperr.Wrap(scoperr.ErrCodeCorruptIndex, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(metadataSchema); err != nil {
		_ = db.Close()
		return nil, scoperr.Wrap(scoperr.ErrCodeCorruptIndex, err).WithDetail("path", path)
	}
	return &MetadataStore{db: db}, nil
}

// SaveFileHash records the indexed content hash for a file.
func (m *MetadataStore) SaveFileHash(ctx context.Context, path, hash string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO files (path, content_hash, indexed_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, indexed_at = excluded.indexed_at`,
		path, hash, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save file hash: %w", err)
	}
	return nil
}

// FileHashes returns the content hash of every indexed file.
func (m *MetadataStore) FileHashes(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT path, content_hash FROM files`)
	if err != nil {
		return nil, fmt.Errorf("query file hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("scan file hash: %w", err)
		}
		hashes[path] = hash
	}
	return hashes, rows.Err()
}

// UpsertEntry inserts or replaces one index entry.
func (m *MetadataStore) UpsertEntry(ctx context.Context, e *IndexEntry) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO entries
		 (unit_id, path, language, kind, start_byte, end_byte, start_line, end_line, symbol, content, content_hash, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(unit_id) DO UPDATE SET
			path = excluded.path, language = excluded.language, kind = excluded.kind,
			start_byte = excluded.start_byte, end_byte = excluded.end_byte,
			start_line = excluded.start_line, end_line = excluded.end_line,
			symbol = excluded.symbol, content = excluded.content,
			content_hash = excluded.content_hash, indexed_at = excluded.indexed_at`,
		e.UnitID, e.Path, e.Language, e.Kind,
		e.StartByte, e.EndByte, e.StartLine, e.EndLine,
		e.Symbol, e.Content, e.ContentHash,
		e.IndexedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", e.UnitID, err)
	}
	return nil
}

// ContentHashes returns unit_id -> content_hash for all stored entries.
// The indexer uses it to skip units whose content is unchanged.
func (m *MetadataStore) ContentHashes(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT unit_id, content_hash FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("query content hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan content hash: %w", err)
		}
		hashes[id] = hash
	}
	return hashes, rows.Err()
}

// GetEntries fetches entries by unit ID. Missing IDs are silently absent
// from the result.
func (m *MetadataStore) GetEntries(ctx context.Context, ids []string) (map[string]*IndexEntry, error) {
	if len(ids) == 0 {
		return map[string]*IndexEntry{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT unit_id, path, language, kind, start_byte, end_byte, start_line, end_line, symbol, content, content_hash, indexed_at
		 FROM entries WHERE unit_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make(map[string]*IndexEntry, len(ids))
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries[e.UnitID] = e
	}
	return entries, rows.Err()
}

// EntriesByPath fetches all entries for a file, ordered by start byte.
func (m *MetadataStore) EntriesByPath(ctx context.Context, path string) ([]*IndexEntry, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT unit_id, path, language, kind, start_byte, end_byte, start_line, end_line, symbol, content, content_hash, indexed_at
		 FROM entries WHERE path = ? ORDER BY start_byte`, path)
	if err != nil {
		return nil, fmt.Errorf("query entries by path: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*IndexEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntries removes entries by unit ID.
func (m *MetadataStore) DeleteEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM entries WHERE unit_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

// DeleteByPath removes a file record and all its entries, returning the
// deleted unit IDs so the caller can purge the vector store.
func (m *MetadataStore) DeleteByPath(ctx context.Context, path string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT unit_id FROM entries WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("query entries for delete: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan unit id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if _, err := m.db.ExecContext(ctx, `DELETE FROM entries WHERE path = ?`, path); err != nil {
		return nil, fmt.Errorf("delete entries by path: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return nil, fmt.Errorf("delete file record: %w", err)
	}
	return ids, nil
}

// Paths returns every indexed file path.
func (m *MetadataStore) Paths(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT path FROM files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// EntryCount returns the number of stored entries.
func (m *MetadataStore) EntryCount(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// GetMeta reads a key from the meta table; returns "" when absent.
func (m *MetadataStore) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta writes a key in the meta table.
func (m *MetadataStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (m *MetadataStore) Close() error {
	return m.db.Close()
}

func scanEntry(rows *sql.Rows) (*IndexEntry, error) {
	var e IndexEntry
	var indexedAt string
	if err := rows.Scan(&e.UnitID, &e.Path, &e.Language, &e.Kind,
		&e.StartByte, &e.EndByte, &e.StartLine, &e.EndLine,
		&e.Symbol, &e.Content, &e.ContentHash, &indexedAt); err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, indexedAt)
	if err != nil {
		return nil, scoperr.Wrap(scoperr.ErrCodeCorruptIndex, err).WithDetail("unit_id", e.UnitID)
	}
	e.IndexedAt = t
	return &e, nil
}
