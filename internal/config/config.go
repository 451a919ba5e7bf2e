// Package config loads and validates codescope configuration.
// Precedence: built-in defaults < project file (.codescope.yaml) < env vars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	scoperr "github.com/codescope/codescope/internal/errors"
)

// DataDirName is the per-project index directory created under the root.
const DataDirName = ".codescope"

// ProjectConfigName is the per-project configuration file.
const ProjectConfigName = ".codescope.yaml"

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete codescope configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Extract    ExtractConfig    `yaml:"extract"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Query      QueryConfig      `yaml:"query"`
	LSP        LSPConfig        `yaml:"lsp"`
	Watch      WatchConfig      `yaml:"watch"`
	Log        LogConfig        `yaml:"log"`
}

// PathsConfig configures which paths to include and exclude.
type PathsConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// ExtractConfig configures code unit extraction.
// MaxUnitBytes and MinSplitBytes are deliberately tunables, not constants:
// the right thresholds depend on the embedding model's context window.
type ExtractConfig struct {
	// MaxUnitBytes is the maximum size of a single code unit. Larger
	// syntactic units are split at line boundaries.
	MaxUnitBytes int `yaml:"max_unit_bytes"`

	// MinSplitBytes is the minimum granularity when splitting an
	// oversized unit.
	MinSplitBytes int `yaml:"min_split_bytes"`

	// MaxFileSize is the largest file (bytes) that will be extracted.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedding backend: "ollama" or "static".
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	OllamaHost string `yaml:"ollama_host"`

	// CacheSize is the LRU capacity for query-embedding reuse.
	CacheSize int `yaml:"cache_size"`

	Timeout Duration `yaml:"timeout"`
}

// IndexerConfig configures the embedding indexer.
type IndexerConfig struct {
	// Workers bounds concurrent embedding calls.
	Workers int `yaml:"workers"`

	// MaxRetries bounds embedding retry attempts per unit.
	MaxRetries int `yaml:"max_retries"`

	RetryInitialDelay Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay"`
}

// QueryConfig configures the query orchestrator.
type QueryConfig struct {
	// DefaultK is the result count when the caller does not specify one.
	DefaultK int `yaml:"default_k"`

	// Timeout is the upper bound on a whole query, covering both the
	// similarity search and the LSP lookup.
	Timeout Duration `yaml:"timeout"`
}

// ServerCommand describes how to launch a language server.
type ServerCommand struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// LSPConfig configures LSP session management.
type LSPConfig struct {
	// Servers maps language identifiers to server launch commands.
	Servers map[string]ServerCommand `yaml:"servers"`

	// InitTimeout bounds the initialize handshake. Requests arriving
	// while a session initializes share the handshake and this bound.
	InitTimeout Duration `yaml:"init_timeout"`

	// RequestTimeout bounds a single definition/references request.
	RequestTimeout Duration `yaml:"request_timeout"`

	// IdleTimeout tears down a Ready session with no recent requests.
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// WatchConfig configures the file watcher for incremental reindexing.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Debounce Duration `yaml:"debounce"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Exclude: []string{
				".git", "node_modules", "vendor", "__pycache__",
				".venv", "venv", "dist", "build", DataDirName,
			},
		},
		Extract: ExtractConfig{
			MaxUnitBytes:  4096,
			MinSplitBytes: 256,
			MaxFileSize:   2 * 1024 * 1024,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			OllamaHost: "http://localhost:11434",
			CacheSize:  512,
			Timeout:    Duration(60 * time.Second),
		},
		Indexer: IndexerConfig{
			Workers:           runtime.NumCPU(),
			MaxRetries:        3,
			RetryInitialDelay: Duration(500 * time.Millisecond),
			RetryMaxDelay:     Duration(8 * time.Second),
		},
		Query: QueryConfig{
			DefaultK: 10,
			Timeout:  Duration(15 * time.Second),
		},
		LSP: LSPConfig{
			Servers: map[string]ServerCommand{
				"go":         {Command: "gopls", Args: []string{"serve"}},
				"python":     {Command: "pyright-langserver", Args: []string{"--stdio"}},
				"typescript": {Command: "typescript-language-server", Args: []string{"--stdio"}},
				"tsx":        {Command: "typescript-language-server", Args: []string{"--stdio"}},
				"javascript": {Command: "typescript-language-server", Args: []string{"--stdio"}},
				"rust":       {Command: "rust-analyzer"},
			},
			InitTimeout:    Duration(30 * time.Second),
			RequestTimeout: Duration(10 * time.Second),
			IdleTimeout:    Duration(5 * time.Minute),
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: Duration(500 * time.Millisecond),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration for a project root: defaults, then the project
// file if present, then environment overrides.
func Load(rootPath string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(rootPath, ProjectConfigName)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, scoperr.Wrap(scoperr.ErrCodeConfigInvalid, err).
				WithDetail("path", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, scoperr.Wrap(scoperr.ErrCodeConfigInvalid, err).
			WithDetail("path", path)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies CODESCOPE_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODESCOPE_OLLAMA_HOST"); v != "" {
		cfg.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("CODESCOPE_EMBED_PROVIDER"); v != "" {
		cfg.Embeddings.Provider = v
	}
	if v := os.Getenv("CODESCOPE_EMBED_MODEL"); v != "" {
		cfg.Embeddings.Model = v
	}
	if v := os.Getenv("CODESCOPE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CODESCOPE_INDEX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Indexer.Workers = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Extract.MaxUnitBytes <= 0 {
		return scoperr.Newf(scoperr.ErrCodeConfigInvalid,
			"extract.max_unit_bytes must be positive, got %d", c.Extract.MaxUnitBytes)
	}
	if c.Extract.MinSplitBytes <= 0 || c.Extract.MinSplitBytes > c.Extract.MaxUnitBytes {
		return scoperr.Newf(scoperr.ErrCodeConfigInvalid,
			"extract.min_split_bytes must be in (0, max_unit_bytes], got %d", c.Extract.MinSplitBytes)
	}
	if c.Indexer.Workers <= 0 {
		return scoperr.Newf(scoperr.ErrCodeConfigInvalid,
			"indexer.workers must be positive, got %d", c.Indexer.Workers)
	}
	if c.Query.DefaultK <= 0 {
		return scoperr.Newf(scoperr.ErrCodeConfigInvalid,
			"query.default_k must be positive, got %d", c.Query.DefaultK)
	}
	return nil
}

// DataDir returns the index data directory for a project root.
func DataDir(rootPath string) string {
	return filepath.Join(rootPath, DataDirName)
}
