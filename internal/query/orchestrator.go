// Package query orchestrates hybrid lookups: free-text queries run against
// the semantic index, anchored queries resolve through a language server,
// and a request carrying both fans out to both sources concurrently and
// fuses the results.
package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	scoperr "github.com/codescope/codescope/internal/errors"
	"github.com/codescope/codescope/internal/index"
	"github.com/codescope/codescope/internal/lsp"
)

// MaxK caps the result count per request.
const MaxK = 100

// Anchor is a cursor position identifying a symbol, 1-based.
type Anchor struct {
	Path   string
	Line   int
	Column int
}

// Request is one query. At least one of Text and Anchor must be set.
type Request struct {
	Text   string
	Anchor *Anchor
	K      int
}

// ResultKind distinguishes fused result provenance.
type ResultKind string

const (
	KindExact    ResultKind = "exact"
	KindSemantic ResultKind = "semantic"
)

// Relation qualifies exact results.
type Relation string

const (
	RelationDefinition Relation = "definition"
	RelationReference  Relation = "reference"
)

// Result is one fused result. Exact results carry a location and relation;
// semantic results carry the matched index entry and its similarity score.
type Result struct {
	Kind     ResultKind
	Relation Relation
	Location *lsp.SymbolLocation
	Match    *index.Match
	Rank     int
}

// Response is the outcome of one query. Degraded lists the error codes of
// sources that failed while the other source still produced results.
type Response struct {
	Results  []*Result
	Degraded []string
}

// Embedder is the query-side embedding capability.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the semantic search capability.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]*index.Match, error)
}

// Resolver is the exact-lookup capability.
type Resolver interface {
	Definition(ctx context.Context, root, path string, line, column int) ([]lsp.SymbolLocation, error)
	References(ctx context.Context, root, path string, line, column int, includeDecl bool) ([]lsp.SymbolLocation, error)
}

// Options configures the orchestrator.
type Options struct {
	DefaultK int
	Timeout  time.Duration
}

// Orchestrator fans a request out to its sources and fuses the results.
type Orchestrator struct {
	root     string
	embedder Embedder
	searcher Searcher
	resolver Resolver
	opts     Options
	logger   *slog.Logger
}

// New creates an orchestrator for one workspace root.
func New(root string, embedder Embedder, searcher Searcher, resolver Resolver, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		root:     root,
		embedder: embedder,
		searcher: searcher,
		resolver: resolver,
		opts:     opts,
		logger:   logger,
	}
}

// Query runs one request. A source failure degrades the response instead of
// aborting it as long as the other source produced results; only when every
// requested source fails does the first failure surface.
func (o *Orchestrator) Query(ctx context.Context, req Request) (*Response, error) {
	if req.Text == "" && req.Anchor == nil {
		return nil, scoperr.Newf(scoperr.ErrCodeInvalidQuery,
			"query needs text, an anchor position, or both")
	}
	if req.Anchor != nil && (req.Anchor.Path == "" || req.Anchor.Line < 1 || req.Anchor.Column < 1) {
		return nil, scoperr.Newf(scoperr.ErrCodeInvalidQuery,
			"anchor requires a path and 1-based line/column")
	}
	k := req.K
	if k <= 0 {
		k = o.opts.DefaultK
	}
	if k > MaxK {
		k = MaxK
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	var (
		wg       sync.WaitGroup
		matches  []*index.Match
		defs     []lsp.SymbolLocation
		refs     []lsp.SymbolLocation
		semErr   error
		exactErr error
	)

	if req.Text != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			matches, semErr = o.semantic(ctx, req.Text, k)
		}()
	}
	if req.Anchor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defs, refs, exactErr = o.exact(ctx, req.Anchor)
		}()
	}
	wg.Wait()

	resp := &Response{}
	if semErr != nil {
		o.logger.Warn("semantic source failed", slog.String("error", semErr.Error()))
		resp.Degraded = append(resp.Degraded, scoperr.CodeOf(semErr))
	}
	if exactErr != nil {
		o.logger.Warn("exact source failed", slog.String("error", exactErr.Error()))
		resp.Degraded = append(resp.Degraded, scoperr.CodeOf(exactErr))
	}

	// All requested sources down: surface the failure, text source first.
	// An anchor-only request has nothing to degrade to, so its outcome is
	// an empty result set rather than the session error.
	if semErr != nil && (req.Anchor == nil || exactErr != nil) {
		return nil, semErr
	}
	if exactErr != nil && req.Text == "" {
		return nil, scoperr.Wrap(scoperr.ErrCodeNoResults, exactErr)
	}

	resp.Results = fuse(defs, refs, matches, k)
	if len(resp.Results) == 0 {
		return nil, scoperr.Newf(scoperr.ErrCodeNoResults, "no results for query")
	}
	return resp, nil
}

func (o *Orchestrator) semantic(ctx context.Context, text string, k int) ([]*index.Match, error) {
	vec, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return o.searcher.Search(ctx, vec, k)
}

func (o *Orchestrator) exact(ctx context.Context, a *Anchor) (defs, refs []lsp.SymbolLocation, err error) {
	defs, err = o.resolver.Definition(ctx, o.root, a.Path, a.Line, a.Column)
	if err != nil {
		return nil, nil, err
	}
	// Declarations come back from References too; fusion dedupes them
	// against the definition hits.
	refs, err = o.resolver.References(ctx, o.root, a.Path, a.Line, a.Column, true)
	if err != nil {
		// Definitions alone are still useful.
		o.logger.Debug("references lookup failed", slog.String("error", err.Error()))
		if len(defs) == 0 {
			return nil, nil, err
		}
		return defs, nil, nil
	}
	return defs, refs, nil
}
