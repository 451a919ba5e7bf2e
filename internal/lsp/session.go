package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/codescope/codescope/internal/config"
	scoperr "github.com/codescope/codescope/internal/errors"
)

// State is the session lifecycle state.
type State int

const (
	// StateInitializing covers spawn and the initialize handshake.
	StateInitializing State = iota

	// StateReady accepts requests.
	StateReady

	// StateClosed is terminal: the process exited or was torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Timeouts bounds session operations.
type Timeouts struct {
	Init    time.Duration
	Request time.Duration
	Idle    time.Duration
}

// Session is one running language server bound to a workspace root and a
// language. All requests are serialized; language servers tolerate
// concurrency poorly and the lookup volume here is low.
type Session struct {
	language string
	root     string
	wait     func() error // blocks until the server side is gone
	kill     func()       // forcibly stops the server side
	conn     *jsonrpc2.Conn
	caps     serverCapabilities
	timeouts Timeouts
	logger   *slog.Logger

	done   chan struct{} // session reached Closed
	exited chan struct{} // child process reaped

	reqMu sync.Mutex // serializes protocol requests

	mu      sync.Mutex
	state   State
	crashed bool
	docs    map[string]int // open document URI -> version
	idle    *time.Timer
}

// stdrwc glues the child's stdin and stdout into one stream.
type stdrwc struct {
	in  io.WriteCloser
	out io.ReadCloser
}

func (s stdrwc) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s stdrwc) Write(p []byte) (int, error) { return s.in.Write(p) }
func (s stdrwc) Close() error {
	err := s.in.Close()
	if cerr := s.out.Close(); err == nil {
		err = cerr
	}
	return err
}

// clientHandler answers server-to-client traffic. Requests get an empty
// result so servers waiting on workspace/configuration and friends do not
// stall; notifications are logged at debug and dropped.
type clientHandler struct {
	logger *slog.Logger
}

func (h clientHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		h.logger.Debug("server notification", slog.String("method", req.Method))
		return
	}
	var result any
	if req.Method == "workspace/configuration" {
		// Per spec the reply must match the requested item count.
		var params struct {
			Items []json.RawMessage `json:"items"`
		}
		if req.Params != nil {
			_ = json.Unmarshal(*req.Params, &params)
		}
		result = make([]any, len(params.Items))
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.logger.Debug("reply to server request failed",
			slog.String("method", req.Method), slog.String("error", err.Error()))
	}
}

// newSession spawns the server process and runs the initialize handshake
// synchronously. On any failure the process is reaped and an ERR_401 is
// returned; a returned session is always Ready.
func newSession(ctx context.Context, root, language string, server config.ServerCommand, timeouts Timeouts, logger *slog.Logger) (*Session, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Dir = root
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, scoperr.Wrap(scoperr.ErrCodeLSPInit, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, scoperr.Wrap(scoperr.ErrCodeLSPInit, err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, scoperr.Wrap(scoperr.ErrCodeLSPInit, err).
			WithDetail("command", server.Command).
			WithDetail("language", language)
	}

	kill := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return startSession(ctx, root, language, stdrwc{in: stdin, out: stdout}, cmd.Wait, kill, timeouts, logger)
}

// startSession wires a session over an established transport and runs the
// initialize handshake. wait must block until the server side is gone; kill
// must force it down.
func startSession(ctx context.Context, root, language string, rwc io.ReadWriteCloser, wait func() error, kill func(), timeouts Timeouts, logger *slog.Logger) (*Session, error) {
	s := &Session{
		language: language,
		root:     root,
		wait:     wait,
		kill:     kill,
		timeouts: timeouts,
		logger:   logger.With(slog.String("language", language)),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		state:    StateInitializing,
		docs:     make(map[string]int),
	}

	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	s.conn = jsonrpc2.NewConn(context.Background(), stream, jsonrpc2.AsyncHandler(clientHandler{logger: s.logger}))

	go s.reap()

	if err := s.initialize(ctx); err != nil {
		s.teardown(false)
		return nil, err
	}
	return s, nil
}

// initialize performs the initialize/initialized handshake.
func (s *Session) initialize(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, s.timeouts.Init)
	defer cancel()

	rootURI := pathToURI(s.root)
	params := initializeParams{
		ProcessID: os.Getpid(),
		RootURI:   rootURI,
		Capabilities: clientCapabilities{
			TextDocument: textDocumentClientCapabilities{
				Definition: definitionClientCapabilities{LinkSupport: true},
			},
		},
		WorkspaceFolders: []workspaceFolder{{URI: rootURI, Name: filepath.Base(s.root)}},
	}

	var result initializeResult
	if err := s.conn.Call(initCtx, "initialize", params, &result); err != nil {
		return scoperr.Wrap(scoperr.ErrCodeLSPInit, err).
			WithDetail("language", s.language)
	}
	if err := s.conn.Notify(initCtx, "initialized", struct{}{}); err != nil {
		return scoperr.Wrap(scoperr.ErrCodeLSPInit, err)
	}

	s.mu.Lock()
	s.caps = result.Capabilities
	s.state = StateReady
	if s.timeouts.Idle > 0 {
		s.idle = time.AfterFunc(s.timeouts.Idle, func() {
			s.logger.Info("closing idle session")
			s.Close()
		})
	}
	s.mu.Unlock()

	s.logger.Info("session ready",
		slog.Bool("definitions", supports(s.caps.DefinitionProvider)),
		slog.Bool("references", supports(s.caps.ReferencesProvider)))
	return nil
}

// reap waits for process exit. An exit while the session is not Closed is a
// crash: the session transitions to Closed and pending callers fail fast.
func (s *Session) reap() {
	err := s.wait()
	close(s.exited)

	s.mu.Lock()
	wasClosed := s.state == StateClosed
	s.state = StateClosed
	if !wasClosed {
		s.crashed = true
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	s.mu.Unlock()

	if !wasClosed {
		s.logger.Warn("language server exited unexpectedly",
			slog.String("error", fmt.Sprint(err)))
		_ = s.conn.Close()
		close(s.done)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// checkReady gates a request on the session state.
func (s *Session) checkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		if s.idle != nil {
			s.idle.Reset(s.timeouts.Idle)
		}
		return nil
	case StateClosed:
		if s.crashed {
			return scoperr.Newf(scoperr.ErrCodeSessionCrashed,
				"language server for %s crashed", s.language)
		}
		return scoperr.Newf(scoperr.ErrCodeSessionUnavailable,
			"session for %s is closed", s.language)
	default:
		return scoperr.Newf(scoperr.ErrCodeSessionUnavailable,
			"session for %s is still initializing", s.language)
	}
}

// ensureOpen sends didOpen for a document on first use.
func (s *Session) ensureOpen(ctx context.Context, absPath string) (string, error) {
	uri := pathToURI(absPath)

	s.mu.Lock()
	_, open := s.docs[uri]
	if !open {
		s.docs[uri] = 1
	}
	s.mu.Unlock()
	if open {
		return uri, nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		s.mu.Lock()
		delete(s.docs, uri)
		s.mu.Unlock()
		return "", scoperr.Wrap(scoperr.ErrCodeUnreadableFile, err).WithDetail("path", absPath)
	}

	err = s.conn.Notify(ctx, "textDocument/didOpen", didOpenParams{
		TextDocument: textDocumentItem{
			URI:        uri,
			LanguageID: s.language,
			Version:    1,
			Text:       string(content),
		},
	})
	if err != nil {
		s.mu.Lock()
		delete(s.docs, uri)
		s.mu.Unlock()
		return "", s.sessionError(err)
	}
	return uri, nil
}

// DocumentChanged pushes fresh content for an already-open document. Unknown
// documents are ignored.
func (s *Session) DocumentChanged(ctx context.Context, absPath string) error {
	uri := pathToURI(absPath)

	s.mu.Lock()
	version, open := s.docs[uri]
	if open {
		version++
		s.docs[uri] = version
	}
	s.mu.Unlock()
	if !open {
		return nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return scoperr.Wrap(scoperr.ErrCodeUnreadableFile, err).WithDetail("path", absPath)
	}
	return s.conn.Notify(ctx, "textDocument/didChange", didChangeParams{
		TextDocument:   versionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []contentChange{{Text: string(content)}},
	})
}

// Definition resolves the definition of the symbol at a 1-based position.
func (s *Session) Definition(ctx context.Context, absPath string, line, column int) ([]SymbolLocation, error) {
	if !supports(s.caps.DefinitionProvider) {
		return nil, scoperr.Newf(scoperr.ErrCodeSessionUnavailable,
			"%s server does not provide definitions", s.language)
	}
	raw, err := s.positionRequest(ctx, "textDocument/definition", absPath, line, column)
	if err != nil {
		return nil, err
	}
	return s.toSymbolLocations(raw)
}

// References resolves all references to the symbol at a 1-based position.
// includeDecl also returns the declaration itself.
func (s *Session) References(ctx context.Context, absPath string, line, column int, includeDecl bool) ([]SymbolLocation, error) {
	if !supports(s.caps.ReferencesProvider) {
		return nil, scoperr.Newf(scoperr.ErrCodeSessionUnavailable,
			"%s server does not provide references", s.language)
	}

	if err := s.checkReady(); err != nil {
		return nil, err
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	uri, err := s.ensureOpen(ctx, absPath)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeouts.Request)
	defer cancel()

	var raw json.RawMessage
	err = s.conn.Call(reqCtx, "textDocument/references", referenceParams{
		TextDocument: textDocumentIdentifier{URI: uri},
		Position:     Position{Line: line - 1, Character: column - 1},
		Context:      referenceContext{IncludeDeclaration: includeDecl},
	}, &raw)
	if err != nil {
		return nil, s.requestError(reqCtx, err)
	}
	return s.toSymbolLocations(raw)
}

// positionRequest runs one position-based request under the request lock.
func (s *Session) positionRequest(ctx context.Context, method, absPath string, line, column int) (json.RawMessage, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	uri, err := s.ensureOpen(ctx, absPath)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeouts.Request)
	defer cancel()

	var raw json.RawMessage
	err = s.conn.Call(reqCtx, method, positionParams{
		TextDocument: textDocumentIdentifier{URI: uri},
		Position:     Position{Line: line - 1, Character: column - 1},
	}, &raw)
	if err != nil {
		return nil, s.requestError(reqCtx, err)
	}
	return raw, nil
}

// toSymbolLocations converts protocol locations to workspace-relative,
// 1-based symbol locations. Results outside the workspace root keep their
// absolute path.
func (s *Session) toSymbolLocations(raw json.RawMessage) ([]SymbolLocation, error) {
	locs, err := decodeLocations(raw)
	if err != nil {
		return nil, scoperr.Wrap(scoperr.ErrCodeInternal, err)
	}

	out := make([]SymbolLocation, 0, len(locs))
	for _, loc := range locs {
		path, err := uriToPath(loc.URI)
		if err != nil {
			s.logger.Debug("skipping result with bad URI", slog.String("uri", loc.URI))
			continue
		}
		if rel, err := filepath.Rel(s.root, path); err == nil && !isOutside(rel) {
			path = filepath.ToSlash(rel)
		}
		out = append(out, SymbolLocation{
			Path:      path,
			Line:      loc.Range.Start.Line + 1,
			Column:    loc.Range.Start.Character + 1,
			EndLine:   loc.Range.End.Line + 1,
			EndColumn: loc.Range.End.Character + 1,
		})
	}
	return out, nil
}

func isOutside(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// requestError maps a failed call to the taxonomy: deadline means timeout,
// a dead session means crashed/unavailable, anything else is internal.
func (s *Session) requestError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return scoperr.Wrap(scoperr.ErrCodeTimeout, err).WithDetail("language", s.language)
	}
	if serr := s.checkReady(); serr != nil {
		return serr
	}
	return s.sessionError(err)
}

func (s *Session) sessionError(err error) error {
	return scoperr.Wrap(scoperr.ErrCodeSessionUnavailable, err).
		WithDetail("language", s.language)
}

// Close tears the session down gracefully: didClose for open documents,
// shutdown, exit, then a bounded wait before killing the process.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if s.idle != nil {
		s.idle.Stop()
	}
	uris := make([]string, 0, len(s.docs))
	for uri := range s.docs {
		uris = append(uris, uri)
	}
	s.docs = make(map[string]int)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, uri := range uris {
		_ = s.conn.Notify(ctx, "textDocument/didClose", didCloseParams{
			TextDocument: textDocumentIdentifier{URI: uri},
		})
	}
	var discard json.RawMessage
	_ = s.conn.Call(ctx, "shutdown", nil, &discard)
	_ = s.conn.Notify(ctx, "exit", nil)
	_ = s.conn.Close()

	s.teardown(true)
	close(s.done)
}

// teardown reaps the child, escalating to SIGKILL after a grace period.
func (s *Session) teardown(graceful bool) {
	if !graceful {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		_ = s.conn.Close()
	}

	select {
	case <-s.exited:
	case <-time.After(2 * time.Second):
		s.kill()
	}
}
