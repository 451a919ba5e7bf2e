// Package lsp manages language server sessions: it spawns servers on
// demand, speaks the language server protocol over stdio, and exposes
// definition and reference lookups keyed by file position.
package lsp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Position is a zero-based line/character position, per the protocol.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [start, end) text range.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range inside a document.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// locationLink is the richer result shape some servers return.
type locationLink struct {
	TargetURI   string `json:"targetUri"`
	TargetRange Range  `json:"targetSelectionRange"`
}

// initializeParams is the initialize request payload. Only the fields
// servers actually consult are sent.
type initializeParams struct {
	ProcessID        int                `json:"processId"`
	RootURI          string             `json:"rootUri"`
	Capabilities     clientCapabilities `json:"capabilities"`
	WorkspaceFolders []workspaceFolder  `json:"workspaceFolders,omitempty"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type clientCapabilities struct {
	TextDocument textDocumentClientCapabilities `json:"textDocument"`
}

type textDocumentClientCapabilities struct {
	Definition definitionClientCapabilities `json:"definition"`
}

type definitionClientCapabilities struct {
	LinkSupport bool `json:"linkSupport"`
}

// initializeResult is the initialize response payload.
type initializeResult struct {
	Capabilities serverCapabilities `json:"capabilities"`
}

// serverCapabilities keeps only what the session consults. Servers encode
// textDocumentSync as either a bare number or an object, so it is decoded
// leniently.
type serverCapabilities struct {
	DefinitionProvider json.RawMessage `json:"definitionProvider,omitempty"`
	ReferencesProvider json.RawMessage `json:"referencesProvider,omitempty"`
}

// supports reports whether a capability field is present and not false.
func supports(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	return string(raw) != "false" && string(raw) != "null"
}

// textDocumentItem identifies an opened document.
type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type versionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type didChangeParams struct {
	TextDocument   versionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []contentChange                 `json:"contentChanges"`
}

// contentChange carries a full-document replacement (no range field).
type contentChange struct {
	Text string `json:"text"`
}

type didCloseParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}

type positionParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type referenceParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
	Context      referenceContext       `json:"context"`
}

type referenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// SymbolLocation is a resolved symbol position in workspace-relative,
// 1-based line/column coordinates.
type SymbolLocation struct {
	Path      string
	Line      int
	Column    int
	EndLine   int
	EndColumn int
}

// decodeLocations normalizes the three shapes servers return for
// definition and reference results: Location, []Location, []LocationLink,
// or null.
func decodeLocations(raw json.RawMessage) ([]Location, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single Location
	if err := json.Unmarshal(raw, &single); err == nil && single.URI != "" {
		return []Location{single}, nil
	}

	var many []Location
	if err := json.Unmarshal(raw, &many); err == nil && (len(many) == 0 || many[0].URI != "") {
		return many, nil
	}

	var links []locationLink
	if err := json.Unmarshal(raw, &links); err == nil {
		locs := make([]Location, 0, len(links))
		for _, l := range links {
			if l.TargetURI == "" {
				continue
			}
			locs = append(locs, Location{URI: l.TargetURI, Range: l.TargetRange})
		}
		return locs, nil
	}

	return nil, fmt.Errorf("unrecognized location payload: %s", truncate(string(raw), 200))
}

// pathToURI converts an absolute filesystem path to a file:// URI,
// percent-encoding path segments the way servers emit them back.
func pathToURI(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// uriToPath converts a file:// URI back to a filesystem path.
func uriToPath(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", fmt.Errorf("unsupported URI scheme: %s", uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse URI %q: %w", uri, err)
	}
	return filepath.FromSlash(u.Path), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
