package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/codescope/codescope/internal/config"
	scoperr "github.com/codescope/codescope/internal/errors"
	"github.com/codescope/codescope/internal/unit"
)

// sessionKey identifies one session: a workspace root plus a language.
type sessionKey struct {
	root     string
	language string
}

// Manager owns language server sessions and spawns them on demand. The
// first request for a (root, language) pair pays the initialization cost;
// concurrent first requests coalesce onto one spawn and share its outcome.
type Manager struct {
	cfg      config.LSPConfig
	registry *unit.Registry
	logger   *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[sessionKey]*Session
	closed   bool
}

// NewManager creates a session manager.
func NewManager(cfg config.LSPConfig, registry *unit.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		sessions: make(map[sessionKey]*Session),
	}
}

// Definition resolves the definition of the symbol at path:line:column
// (1-based) under root. path is workspace-relative.
func (m *Manager) Definition(ctx context.Context, root, path string, line, column int) ([]SymbolLocation, error) {
	s, err := m.sessionFor(ctx, root, path)
	if err != nil {
		return nil, err
	}
	return s.Definition(ctx, filepath.Join(root, filepath.FromSlash(path)), line, column)
}

// References resolves references to the symbol at path:line:column
// (1-based) under root. includeDecl also returns the declaration itself.
func (m *Manager) References(ctx context.Context, root, path string, line, column int, includeDecl bool) ([]SymbolLocation, error) {
	s, err := m.sessionFor(ctx, root, path)
	if err != nil {
		return nil, err
	}
	return s.References(ctx, filepath.Join(root, filepath.FromSlash(path)), line, column, includeDecl)
}

// DocumentChanged tells every live session under root about fresh file
// content. Sessions that never opened the document ignore it.
func (m *Manager) DocumentChanged(ctx context.Context, root, path string) {
	abs := filepath.Join(root, filepath.FromSlash(path))

	m.mu.Lock()
	var live []*Session
	for key, s := range m.sessions {
		if key.root == root {
			live = append(live, s)
		}
	}
	m.mu.Unlock()

	for _, s := range live {
		if err := s.DocumentChanged(ctx, abs); err != nil {
			m.logger.Debug("didChange failed",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

// sessionFor returns a Ready session for the file's language, spawning one
// if needed. A Closed session is evicted so the next request starts fresh.
func (m *Manager) sessionFor(ctx context.Context, root, path string) (*Session, error) {
	language := m.registry.LanguageForPath(path)
	if language == "" {
		return nil, scoperr.Newf(scoperr.ErrCodeSessionUnavailable,
			"no language registered for %s", path)
	}
	server, ok := m.cfg.Servers[language]
	if !ok {
		return nil, scoperr.Newf(scoperr.ErrCodeLSPInit,
			"no language server configured for %s", language)
	}

	key := sessionKey{root: root, language: language}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, scoperr.Newf(scoperr.ErrCodeSessionUnavailable, "session manager is closed")
	}
	if s, ok := m.sessions[key]; ok {
		if s.State() != StateClosed {
			m.mu.Unlock()
			return s, nil
		}
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	// Initialization runs inside the singleflight call, so every caller
	// that coalesces here shares one handshake and one error.
	v, err, _ := m.group.Do(groupKey(key), func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[key]; ok && s.State() != StateClosed {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		m.logger.Info("spawning language server",
			slog.String("language", language), slog.String("command", server.Command))

		// Coalesced callers share this handshake's outcome, so it must
		// not die with the first caller's context. InitTimeout bounds it.
		initCtx := context.WithoutCancel(ctx)
		s, err := newSession(initCtx, root, language, server, Timeouts{
			Init:    m.cfg.InitTimeout.Std(),
			Request: m.cfg.RequestTimeout.Std(),
			Idle:    m.cfg.IdleTimeout.Std(),
		}, m.logger)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			s.Close()
			return nil, scoperr.Newf(scoperr.ErrCodeSessionUnavailable, "session manager is closed")
		}
		m.sessions[key] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Languages returns the languages with a live session, for stats.
func (m *Manager) Languages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for key, s := range m.sessions {
		if s.State() == StateReady {
			out = append(out, key.language)
		}
	}
	return out
}

// CloseAll tears down every session. The manager accepts no requests
// afterward.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[sessionKey]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

func groupKey(key sessionKey) string {
	return fmt.Sprintf("%s\x00%s", key.root, key.language)
}
