// Package unit extracts addressable, embeddable code units from a source
// tree. Each supported language contributes a tree-sitter query that captures
// top-level definitions; everything between captures becomes block units so
// a file's units always tile its full byte range.
package unit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Kind classifies a code unit.
type Kind string

const (
	KindFunction Kind = "function"
	KindMethod   Kind = "method"
	KindClass    Kind = "class"
	KindType     Kind = "type"
	KindBlock    Kind = "block"
	KindFile     Kind = "file"
)

// CodeUnit is one indexed, embeddable slice of source code.
// A unit is immutable once produced: when the underlying file changes, new
// units supersede it rather than mutating it in place.
type CodeUnit struct {
	// ID is derived from the unit identity (path, language, kind, byte range).
	ID string

	// Path is relative to the project root.
	Path     string
	Language string
	Kind     Kind

	// StartByte inclusive, EndByte exclusive.
	StartByte int
	EndByte   int

	// StartLine and EndLine are 1-indexed, inclusive.
	StartLine int
	EndLine   int

	// Content is the source text of the unit.
	Content string

	// ContentHash is the SHA-256 of Content, used for change detection.
	ContentHash string

	// Symbol is the primary symbol name, when the unit is a definition.
	Symbol string
}

// Identity derives the stable unit ID from the identity tuple.
func Identity(path, language string, kind Kind, startByte, endByte int) string {
	input := fmt.Sprintf("%s:%s:%s:%d:%d", path, language, kind, startByte, endByte)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// HashBytes returns the hex SHA-256 of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
