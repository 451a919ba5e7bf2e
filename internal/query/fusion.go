package query

import (
	"sort"

	"github.com/codescope/codescope/internal/index"
	"github.com/codescope/codescope/internal/lsp"
)

// fuse merges exact and semantic results into one deterministic ranking:
// definitions first, then references, then semantic matches, truncated to k.
// Exact results sort by path, line, column; semantic matches keep the
// index's ordering (score, recency, unit ID). References that coincide with
// a definition are dropped, as are duplicate locations.
func fuse(defs, refs []lsp.SymbolLocation, matches []*index.Match, k int) []*Result {
	results := make([]*Result, 0, len(defs)+len(refs)+len(matches))
	seen := make(map[lsp.SymbolLocation]struct{}, len(defs)+len(refs))

	sortLocations(defs)
	for i := range defs {
		if _, dup := seen[defs[i]]; dup {
			continue
		}
		seen[defs[i]] = struct{}{}
		results = append(results, &Result{
			Kind:     KindExact,
			Relation: RelationDefinition,
			Location: &defs[i],
		})
	}

	sortLocations(refs)
	for i := range refs {
		if _, dup := seen[refs[i]]; dup {
			continue
		}
		seen[refs[i]] = struct{}{}
		results = append(results, &Result{
			Kind:     KindExact,
			Relation: RelationReference,
			Location: &refs[i],
		})
	}

	for _, m := range matches {
		results = append(results, &Result{Kind: KindSemantic, Match: m})
	}

	if len(results) > k {
		results = results[:k]
	}
	for i, r := range results {
		r.Rank = i + 1
	}
	return results
}

func sortLocations(locs []lsp.SymbolLocation) {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Path != locs[j].Path {
			return locs[i].Path < locs[j].Path
		}
		if locs[i].Line != locs[j].Line {
			return locs[i].Line < locs[j].Line
		}
		return locs[i].Column < locs[j].Column
	})
}
