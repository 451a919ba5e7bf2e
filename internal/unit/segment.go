package unit

import (
	"bytes"
	"context"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
)

// span is a candidate unit boundary within a file.
type span struct {
	start, end int // byte range, end exclusive
	kind       Kind
	name       string
}

// segment parses content and returns spans that tile [0, len(content)):
// contiguous, non-overlapping, gap-free. Definitions captured by the
// language query become typed spans; the regions between them become
// KindBlock spans. Oversized spans are split at line boundaries.
func segment(ctx context.Context, content []byte, spec *LanguageSpec, maxBytes, minSplit int) ([]span, error) {
	captured, err := capture(ctx, content, spec)
	if err != nil {
		return nil, err
	}

	covered := cover(captured, len(content))

	out := make([]span, 0, len(covered))
	for _, s := range covered {
		out = append(out, split(content, s, maxBytes, minSplit)...)
	}
	return out, nil
}

// capture runs the language query and returns outermost definition spans
// in file order.
func capture(ctx context.Context, content []byte, spec *LanguageSpec) ([]span, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(spec.Language)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	query, err := sitter.NewQuery([]byte(spec.Query), spec.Language)
	if err != nil {
		return nil, err
	}
	defer query.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(query, tree.RootNode())

	var spans []span
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		var s span
		s.start = -1
		for _, c := range match.Captures {
			switch query.CaptureNameForId(c.Index) {
			case "unit":
				s.start = int(c.Node.StartByte())
				s.end = int(c.Node.EndByte())
				s.kind = spec.Kinds[c.Node.Type()]
				if s.kind == "" {
					s.kind = KindBlock
				}
			case "name":
				s.name = c.Node.Content(content)
			}
		}
		if s.start >= 0 && s.end > s.start {
			spans = append(spans, s)
		}
	}

	// Keep outermost spans only: nested definitions (methods inside a
	// class, decorated functions matched twice) stay inside their parent.
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	outer := spans[:0]
	lastEnd := 0
	for _, s := range spans {
		if s.start < lastEnd {
			continue // contained in (or overlapping) the previous kept span
		}
		outer = append(outer, s)
		lastEnd = s.end
	}
	return outer, nil
}

// cover fills the gaps between definition spans with block spans so the
// result tiles [0, total) exactly.
func cover(defs []span, total int) []span {
	if total == 0 {
		return nil
	}
	out := make([]span, 0, len(defs)*2+1)
	pos := 0
	for _, d := range defs {
		if d.start > pos {
			out = append(out, span{start: pos, end: d.start, kind: KindBlock})
		}
		out = append(out, d)
		pos = d.end
	}
	if pos < total {
		out = append(out, span{start: pos, end: total, kind: KindBlock})
	}
	return out
}

// split breaks an oversized span into pieces of at most maxBytes, cutting at
// the last newline no closer than minSplit bytes from the piece start. The
// pieces tile the original span. The first piece keeps the symbol name.
func split(content []byte, s span, maxBytes, minSplit int) []span {
	if s.end-s.start <= maxBytes {
		return []span{s}
	}

	var parts []span
	pos := s.start
	first := true
	for s.end-pos > maxBytes {
		window := content[pos : pos+maxBytes]
		cut := bytes.LastIndexByte(window, '\n')
		if cut < minSplit {
			cut = maxBytes - 1 // no usable boundary, hard split
		}
		part := span{start: pos, end: pos + cut + 1, kind: s.kind}
		if first {
			part.name = s.name
			first = false
		}
		parts = append(parts, part)
		pos = part.end
	}
	if pos < s.end {
		part := span{start: pos, end: s.end, kind: s.kind}
		if first {
			part.name = s.name
		}
		parts = append(parts, part)
	}
	return parts
}

// lineIndex precomputes byte offsets of line starts for line lookups.
type lineIndex struct {
	starts []int
}

func newLineIndex(content []byte) *lineIndex {
	starts := []int{0}
	for i, b := range content {
		if b == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return &lineIndex{starts: starts}
}

// lineAt returns the 1-indexed line containing the byte offset.
func (l *lineIndex) lineAt(offset int) int {
	i := sort.Search(len(l.starts), func(i int) bool {
		return l.starts[i] > offset
	})
	return i // l.starts[i-1] <= offset, lines are 1-indexed
}
