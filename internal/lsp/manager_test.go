package lsp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescope/codescope/internal/config"
	scoperr "github.com/codescope/codescope/internal/errors"
	"github.com/codescope/codescope/internal/unit"
)

func testLSPConfig(servers map[string]config.ServerCommand) config.LSPConfig {
	return config.LSPConfig{
		Servers:        servers,
		InitTimeout:    config.Duration(2 * time.Second),
		RequestTimeout: config.Duration(time.Second),
		IdleTimeout:    config.Duration(time.Minute),
	}
}

func TestManager_UnknownLanguage(t *testing.T) {
	m := NewManager(testLSPConfig(nil), unit.DefaultRegistry(), nil)
	defer m.CloseAll()

	_, err := m.Definition(context.Background(), t.TempDir(), "notes.txt", 1, 1)
	require.Error(t, err)
	assert.True(t, scoperr.IsCode(err, scoperr.ErrCodeSessionUnavailable))
}

func TestManager_NoServerConfigured(t *testing.T) {
	m := NewManager(testLSPConfig(map[string]config.ServerCommand{}), unit.DefaultRegistry(), nil)
	defer m.CloseAll()

	_, err := m.Definition(context.Background(), t.TempDir(), "main.go", 1, 1)
	require.Error(t, err)
	assert.True(t, scoperr.IsCode(err, scoperr.ErrCodeLSPInit))
}

func TestManager_SpawnFailureIsInitError(t *testing.T) {
	// A command that does not exist fails the handshake immediately.
	m := NewManager(testLSPConfig(map[string]config.ServerCommand{
		"go": {Command: "/nonexistent/language-server"},
	}), unit.DefaultRegistry(), nil)
	defer m.CloseAll()

	_, err := m.Definition(context.Background(), t.TempDir(), "main.go", 1, 1)
	require.Error(t, err)
	assert.True(t, scoperr.IsCode(err, scoperr.ErrCodeLSPInit))
}

func TestManager_CrashingServerIsInitError(t *testing.T) {
	// The process starts but exits without ever answering initialize.
	m := NewManager(testLSPConfig(map[string]config.ServerCommand{
		"go": {Command: "true"},
	}), unit.DefaultRegistry(), nil)
	defer m.CloseAll()

	_, err := m.Definition(context.Background(), t.TempDir(), "main.go", 1, 1)
	require.Error(t, err)
	assert.True(t, scoperr.IsCode(err, scoperr.ErrCodeLSPInit))
}

func TestManager_ClosedRejectsRequests(t *testing.T) {
	m := NewManager(testLSPConfig(nil), unit.DefaultRegistry(), nil)
	m.CloseAll()

	_, err := m.References(context.Background(), t.TempDir(), "main.go", 1, 1, true)
	require.Error(t, err)
}

func TestManager_LanguagesEmptyWithoutSessions(t *testing.T) {
	m := NewManager(testLSPConfig(nil), unit.DefaultRegistry(), nil)
	defer m.CloseAll()
	assert.Empty(t, m.Languages())
}
