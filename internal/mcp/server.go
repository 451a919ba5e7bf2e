package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codescope/codescope/internal/index"
	"github.com/codescope/codescope/internal/lsp"
	"github.com/codescope/codescope/internal/query"
	"github.com/codescope/codescope/pkg/version"
)

// QueryService runs fused queries.
type QueryService interface {
	Query(ctx context.Context, req query.Request) (*query.Response, error)
}

// Resolver answers exact symbol lookups.
type Resolver interface {
	Definition(ctx context.Context, root, path string, line, column int) ([]lsp.SymbolLocation, error)
	References(ctx context.Context, root, path string, line, column int, includeDecl bool) ([]lsp.SymbolLocation, error)
}

// IndexRunner triggers a full or incremental index pass.
type IndexRunner func(ctx context.Context) (*index.Stats, error)

// Server bridges AI clients to the query engine over MCP.
type Server struct {
	mcp      *mcp.Server
	queries  QueryService
	resolver Resolver
	runIndex IndexRunner
	root     string
	logger   *slog.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(queries QueryService, resolver Resolver, runIndex IndexRunner, root string, logger *slog.Logger) (*Server, error) {
	if queries == nil {
		return nil, errors.New("query service is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if runIndex == nil {
		return nil, errors.New("index runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		queries:  queries,
		resolver: resolver,
		runIndex: runIndex,
		root:     root,
		logger:   logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "codescope",
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query  string `json:"query" jsonschema:"natural language or code query"`
	Path   string `json:"path,omitempty" jsonschema:"optional anchor file path relative to the project root"`
	Line   int    `json:"line,omitempty" jsonschema:"optional anchor line, 1-based"`
	Column int    `json:"column,omitempty" jsonschema:"optional anchor column, 1-based"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// SearchResultOutput is one fused search result.
type SearchResultOutput struct {
	Rank     int     `json:"rank" jsonschema:"result rank, 1 is best"`
	Kind     string  `json:"kind" jsonschema:"exact or semantic"`
	Relation string  `json:"relation,omitempty" jsonschema:"definition or reference, exact results only"`
	Path     string  `json:"path" jsonschema:"file path relative to the project root"`
	Line     int     `json:"line" jsonschema:"1-based start line"`
	Column   int     `json:"column,omitempty" jsonschema:"1-based start column, exact results only"`
	Symbol   string  `json:"symbol,omitempty" jsonschema:"symbol name when known"`
	UnitKind string  `json:"unit_kind,omitempty" jsonschema:"code unit kind: function, method, class, type, block, file"`
	Score    float64 `json:"score,omitempty" jsonschema:"cosine similarity, semantic results only"`
	Snippet  string  `json:"snippet,omitempty" jsonschema:"matched content, semantic results only"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Results  []SearchResultOutput `json:"results" jsonschema:"fused results, definitions first"`
	Degraded []string             `json:"degraded,omitempty" jsonschema:"error codes of sources that failed"`
}

// PositionInput anchors a lookup at a symbol position.
type PositionInput struct {
	Path   string `json:"path" jsonschema:"file path relative to the project root"`
	Line   int    `json:"line" jsonschema:"1-based line of the symbol"`
	Column int    `json:"column" jsonschema:"1-based column of the symbol"`
}

// ReferencesInput anchors a references lookup at a symbol position.
type ReferencesInput struct {
	Path               string `json:"path" jsonschema:"file path relative to the project root"`
	Line               int    `json:"line" jsonschema:"1-based line of the symbol"`
	Column             int    `json:"column" jsonschema:"1-based column of the symbol"`
	IncludeDeclaration bool   `json:"include_declaration,omitempty" jsonschema:"also return the declaration itself"`
}

// LocationOutput is one resolved symbol location.
type LocationOutput struct {
	Path   string `json:"path" jsonschema:"file path relative to the project root"`
	Line   int    `json:"line" jsonschema:"1-based start line"`
	Column int    `json:"column" jsonschema:"1-based start column"`
}

// LocationsOutput is a list of resolved locations.
type LocationsOutput struct {
	Locations []LocationOutput `json:"locations" jsonschema:"resolved locations"`
}

// IndexProjectInput is the input schema for index_project.
type IndexProjectInput struct{}

// IndexProjectOutput reports one index pass.
type IndexProjectOutput struct {
	Added      int   `json:"added" jsonschema:"units added"`
	Updated    int   `json:"updated" jsonschema:"units re-embedded after content change"`
	Removed    int   `json:"removed" jsonschema:"units removed"`
	Failed     int   `json:"failed" jsonschema:"units that failed embedding"`
	DurationMs int64 `json:"duration_ms" jsonschema:"wall time of the pass"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_project",
		Description: "Index or re-index the project. Incremental: unchanged files and unchanged code units are skipped, so repeated calls are cheap.",
	}, s.indexProjectHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid code search. A text query finds code by meaning via the semantic index; an anchor position (path/line/column) resolves the symbol there via a language server. Providing both fuses exact hits above semantic ones.",
	}, s.searchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "go_to_definition",
		Description: "Resolve the definition of the symbol at a file position using a language server.",
	}, s.definitionHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "find_references",
		Description: "Find all references to the symbol at a file position using a language server.",
	}, s.referencesHandler)

	s.logger.Info("MCP tools registered", slog.Int("count", 4))
}

func (s *Server) indexProjectHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexProjectInput) (
	*mcp.CallToolResult, IndexProjectOutput, error,
) {
	started := time.Now()
	stats, err := s.runIndex(ctx)
	if err != nil {
		return nil, IndexProjectOutput{}, MapError(err)
	}
	return nil, IndexProjectOutput{
		Added:      stats.Added,
		Updated:    stats.Updated,
		Removed:    stats.Removed,
		Failed:     stats.Failed,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

func (s *Server) searchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult, SearchOutput, error,
) {
	req := query.Request{Text: input.Query, K: input.Limit}
	if input.Path != "" {
		req.Anchor = &query.Anchor{Path: input.Path, Line: input.Line, Column: input.Column}
	}
	if req.Text == "" && req.Anchor == nil {
		return nil, SearchOutput{}, NewInvalidParamsError("query text or an anchor position is required")
	}

	resp, err := s.queries.Query(ctx, req)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}

	out := SearchOutput{
		Results:  make([]SearchResultOutput, 0, len(resp.Results)),
		Degraded: resp.Degraded,
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, toResultOutput(r))
	}
	return nil, out, nil
}

func (s *Server) definitionHandler(ctx context.Context, _ *mcp.CallToolRequest, input PositionInput) (
	*mcp.CallToolResult, LocationsOutput, error,
) {
	if err := validatePosition(input); err != nil {
		return nil, LocationsOutput{}, err
	}
	locs, err := s.resolver.Definition(ctx, s.root, input.Path, input.Line, input.Column)
	if err != nil {
		return nil, LocationsOutput{}, MapError(err)
	}
	return nil, toLocationsOutput(locs), nil
}

func (s *Server) referencesHandler(ctx context.Context, _ *mcp.CallToolRequest, input ReferencesInput) (
	*mcp.CallToolResult, LocationsOutput, error,
) {
	pos := PositionInput{Path: input.Path, Line: input.Line, Column: input.Column}
	if err := validatePosition(pos); err != nil {
		return nil, LocationsOutput{}, err
	}
	locs, err := s.resolver.References(ctx, s.root, input.Path, input.Line, input.Column, input.IncludeDeclaration)
	if err != nil {
		return nil, LocationsOutput{}, MapError(err)
	}
	return nil, toLocationsOutput(locs), nil
}

func validatePosition(input PositionInput) error {
	if input.Path == "" {
		return NewInvalidParamsError("path is required")
	}
	if input.Line < 1 || input.Column < 1 {
		return NewInvalidParamsError("line and column are 1-based and required")
	}
	return nil
}

func toResultOutput(r *query.Result) SearchResultOutput {
	out := SearchResultOutput{
		Rank: r.Rank,
		Kind: string(r.Kind),
	}
	switch {
	case r.Location != nil:
		out.Relation = string(r.Relation)
		out.Path = r.Location.Path
		out.Line = r.Location.Line
		out.Column = r.Location.Column
	case r.Match != nil:
		e := r.Match.Entry
		out.Path = e.Path
		out.Line = e.StartLine
		out.Symbol = e.Symbol
		out.UnitKind = e.Kind
		out.Score = float64(r.Match.Score)
		out.Snippet = e.Content
	}
	return out
}

func toLocationsOutput(locs []lsp.SymbolLocation) LocationsOutput {
	out := LocationsOutput{Locations: make([]LocationOutput, 0, len(locs))}
	for _, l := range locs {
		out.Locations = append(out.Locations, LocationOutput{Path: l.Path, Line: l.Line, Column: l.Column})
	}
	return out
}

// Serve runs the server over stdio until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting MCP server", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("MCP server stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("MCP server stopped")
	return nil
}
