package lsp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scoperr "github.com/codescope/codescope/internal/errors"
)

// fakeLanguageServer answers the protocol over an in-memory pipe: it accepts
// the handshake, records document versions and reference parameters, and
// replies with canned locations.
type fakeLanguageServer struct {
	root string
	conn *jsonrpc2.Conn

	mu          sync.Mutex
	docVersions map[string]int
	includeDecl []bool
}

func newFakeLanguageServer(root string) *fakeLanguageServer {
	return &fakeLanguageServer{root: root, docVersions: make(map[string]int)}
}

func (f *fakeLanguageServer) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case "initialize":
		_ = conn.Reply(ctx, req.ID, initializeResult{Capabilities: serverCapabilities{
			DefinitionProvider: json.RawMessage(`true`),
			ReferencesProvider: json.RawMessage(`true`),
		}})
	case "textDocument/didOpen":
		var p didOpenParams
		_ = json.Unmarshal(*req.Params, &p)
		f.mu.Lock()
		f.docVersions[p.TextDocument.URI] = p.TextDocument.Version
		f.mu.Unlock()
	case "textDocument/didChange":
		var p didChangeParams
		_ = json.Unmarshal(*req.Params, &p)
		f.mu.Lock()
		f.docVersions[p.TextDocument.URI] = p.TextDocument.Version
		f.mu.Unlock()
	case "textDocument/definition":
		_ = conn.Reply(ctx, req.ID, []Location{{
			URI: pathToURI(filepath.Join(f.root, "target.go")),
			Range: Range{
				Start: Position{Line: 9, Character: 4},
				End:   Position{Line: 9, Character: 10},
			},
		}})
	case "textDocument/references":
		var p referenceParams
		_ = json.Unmarshal(*req.Params, &p)
		f.mu.Lock()
		f.includeDecl = append(f.includeDecl, p.Context.IncludeDeclaration)
		f.mu.Unlock()
		_ = conn.Reply(ctx, req.ID, []Location{
			{URI: pathToURI(filepath.Join(f.root, "main.go")), Range: Range{
				Start: Position{Line: 2, Character: 1}, End: Position{Line: 2, Character: 5},
			}},
			{URI: pathToURI(filepath.Join(f.root, "other.go")), Range: Range{
				Start: Position{Line: 6, Character: 8}, End: Position{Line: 6, Character: 12},
			}},
		})
	case "shutdown":
		_ = conn.Reply(ctx, req.ID, nil)
	default:
		if !req.Notif {
			_ = conn.Reply(ctx, req.ID, nil)
		}
	}
}

func (f *fakeLanguageServer) version(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docVersions[uri]
}

func (f *fakeLanguageServer) declFlags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.includeDecl...)
}

// startFakeSession wires a session to the fake server over net.Pipe, so the
// full client stack runs without a child process.
func startFakeSession(t *testing.T, srv *fakeLanguageServer, timeouts Timeouts) *Session {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	srv.conn = jsonrpc2.NewConn(context.Background(),
		jsonrpc2.NewBufferedStream(serverSide, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.AsyncHandler(srv))

	exited := make(chan struct{})
	go func() {
		<-srv.conn.DisconnectNotify()
		close(exited)
	}()
	wait := func() error { <-exited; return nil }
	kill := func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := startSession(context.Background(), srv.root, "go", clientSide, wait, kill, timeouts, logger)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func testTimeouts() Timeouts {
	return Timeouts{Init: 2 * time.Second, Request: 2 * time.Second}
}

func writeWorkspaceFile(t *testing.T, root, name, content string) string {
	t.Helper()
	abs := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func TestSession_DefinitionRoundTrip(t *testing.T) {
	root := t.TempDir()
	abs := writeWorkspaceFile(t, root, "main.go", "package main\n\nfunc target() {}\n")
	srv := newFakeLanguageServer(root)
	s := startFakeSession(t, srv, testTimeouts())

	require.Equal(t, StateReady, s.State())

	locs, err := s.Definition(context.Background(), abs, 3, 6)
	require.NoError(t, err)
	require.Len(t, locs, 1)

	// Server coordinates are 0-based; outward they are 1-based and
	// workspace-relative.
	assert.Equal(t, SymbolLocation{
		Path: "target.go", Line: 10, Column: 5, EndLine: 10, EndColumn: 11,
	}, locs[0])

	// The request implied a didOpen at version 1.
	uri := pathToURI(abs)
	require.Eventually(t, func() bool { return srv.version(uri) == 1 },
		time.Second, 10*time.Millisecond)
}

func TestSession_DocumentChangedBumpsVersion(t *testing.T) {
	root := t.TempDir()
	abs := writeWorkspaceFile(t, root, "main.go", "package main\n")
	srv := newFakeLanguageServer(root)
	s := startFakeSession(t, srv, testTimeouts())

	// Open the document through a request, then push a change.
	_, err := s.Definition(context.Background(), abs, 1, 1)
	require.NoError(t, err)

	writeWorkspaceFile(t, root, "main.go", "package main\n\nvar x = 1\n")
	require.NoError(t, s.DocumentChanged(context.Background(), abs))

	uri := pathToURI(abs)
	require.Eventually(t, func() bool { return srv.version(uri) == 2 },
		time.Second, 10*time.Millisecond)

	// A path never opened is ignored without error.
	require.NoError(t, s.DocumentChanged(context.Background(), filepath.Join(root, "unopened.go")))
}

func TestSession_ReferencesCarryIncludeDeclaration(t *testing.T) {
	root := t.TempDir()
	abs := writeWorkspaceFile(t, root, "main.go", "package main\n")
	srv := newFakeLanguageServer(root)
	s := startFakeSession(t, srv, testTimeouts())

	locs, err := s.References(context.Background(), abs, 1, 1, false)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, "main.go", locs[0].Path)
	assert.Equal(t, "other.go", locs[1].Path)

	_, err = s.References(context.Background(), abs, 1, 1, true)
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true}, srv.declFlags())
}

func TestSession_CrashFailsRequestsFast(t *testing.T) {
	root := t.TempDir()
	abs := writeWorkspaceFile(t, root, "main.go", "package main\n")
	srv := newFakeLanguageServer(root)
	s := startFakeSession(t, srv, testTimeouts())

	// The server drops dead while the session is Ready.
	require.NoError(t, srv.conn.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe the crash")
	}
	assert.Equal(t, StateClosed, s.State())

	_, err := s.Definition(context.Background(), abs, 1, 1)
	require.Error(t, err)
	assert.True(t, scoperr.IsCode(err, scoperr.ErrCodeSessionCrashed))
}

func TestSession_IdleTimeoutTearsDown(t *testing.T) {
	root := t.TempDir()
	abs := writeWorkspaceFile(t, root, "main.go", "package main\n")
	srv := newFakeLanguageServer(root)

	timeouts := testTimeouts()
	timeouts.Idle = 50 * time.Millisecond
	s := startFakeSession(t, srv, timeouts)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not torn down")
	}
	assert.Equal(t, StateClosed, s.State())

	// An idle teardown is orderly, not a crash.
	_, err := s.Definition(context.Background(), abs, 1, 1)
	require.Error(t, err)
	assert.True(t, scoperr.IsCode(err, scoperr.ErrCodeSessionUnavailable))
	assert.False(t, scoperr.IsCode(err, scoperr.ErrCodeSessionCrashed))
}
