package unit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescope/codescope/internal/scanner"
)

const goSample = `package sample

import "fmt"

// Greet says hello.
func Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

type Greeter struct {
	prefix string
}

func (g *Greeter) Do(name string) string {
	return g.prefix + name
}
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func newTestExtractor() *Extractor {
	return NewExtractor(DefaultRegistry(), scanner.New(scanner.Options{}), DefaultOptions(), nil)
}

func TestExtract_GoUnits(t *testing.T) {
	root := writeFiles(t, map[string]string{"sample.go": goSample})
	e := newTestExtractor()

	res, err := e.Extract(context.Background(), root, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Units)

	var symbols []string
	kinds := map[Kind]int{}
	for _, u := range res.Units {
		kinds[u.Kind]++
		if u.Symbol != "" {
			symbols = append(symbols, u.Symbol)
		}
	}
	assert.Contains(t, symbols, "Greet")
	assert.Contains(t, symbols, "Do")
	assert.Contains(t, symbols, "Greeter")
	assert.GreaterOrEqual(t, kinds[KindFunction], 1)
	assert.GreaterOrEqual(t, kinds[KindMethod], 1)
	// Imports and package clause land in block units.
	assert.GreaterOrEqual(t, kinds[KindBlock], 1)
}

func TestExtract_UnitsTileTheFile(t *testing.T) {
	root := writeFiles(t, map[string]string{"sample.go": goSample})
	e := newTestExtractor()

	res, err := e.Extract(context.Background(), root, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Units)

	// Units cover [0, len) contiguously with no gaps or overlaps.
	offset := 0
	for _, u := range res.Units {
		assert.Equal(t, offset, u.StartByte, "unit %s starts at unexpected offset", u.ID)
		assert.Greater(t, u.EndByte, u.StartByte)
		offset = u.EndByte
	}
	assert.Equal(t, len(goSample), offset)
}

func TestExtract_IsDeterministic(t *testing.T) {
	root := writeFiles(t, map[string]string{"sample.go": goSample})
	e := newTestExtractor()

	first, err := e.Extract(context.Background(), root, nil, nil)
	require.NoError(t, err)
	second, err := e.Extract(context.Background(), root, nil, nil)
	require.NoError(t, err)

	require.Equal(t, len(first.Units), len(second.Units))
	for i := range first.Units {
		assert.Equal(t, first.Units[i].ID, second.Units[i].ID)
		assert.Equal(t, first.Units[i].ContentHash, second.Units[i].ContentHash)
	}
}

func TestExtract_SkipsUnchangedFiles(t *testing.T) {
	root := writeFiles(t, map[string]string{"sample.go": goSample})
	e := newTestExtractor()

	first, err := e.Extract(context.Background(), root, nil, nil)
	require.NoError(t, err)

	res, err := e.Extract(context.Background(), root, nil, first.FileHashes)
	require.NoError(t, err)
	assert.Empty(t, res.Units)
	assert.Equal(t, []string{"sample.go"}, res.Skipped)
}

func TestExtract_ChangedSubset(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"a.go": "package a\n\nfunc A() {}\n",
		"b.go": "package b\n\nfunc B() {}\n",
	})
	e := newTestExtractor()

	res, err := e.Extract(context.Background(), root, []string{"a.go"}, nil)
	require.NoError(t, err)
	for _, u := range res.Units {
		assert.Equal(t, "a.go", u.Path)
	}
	assert.Contains(t, res.FileHashes, "a.go")
	assert.NotContains(t, res.FileHashes, "b.go")
}

func TestExtract_UnreadableFileIsAggregated(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.go": "package a\n"})
	e := newTestExtractor()

	res, err := e.Extract(context.Background(), root, []string{"a.go", "missing.go"}, nil)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.FileHashes, "a.go")
}

func TestExtract_BinaryFileIsSkipped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.go"), []byte("abc\x00def"), 0o644))
	e := newTestExtractor()

	res, err := e.Extract(context.Background(), root, []string{"blob.go"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Units)
	assert.Empty(t, res.Errors)
}

func TestExtract_UnknownExtensionWholeFile(t *testing.T) {
	root := writeFiles(t, map[string]string{"notes.txt": "just some notes\nwith two lines\n"})
	e := newTestExtractor()

	res, err := e.Extract(context.Background(), root, []string{"notes.txt"}, nil)
	require.NoError(t, err)
	require.Len(t, res.Units, 1)
	assert.Equal(t, KindFile, res.Units[0].Kind)
	assert.Equal(t, "text", res.Units[0].Language)
}

func TestExtract_OversizedUnitIsSplit(t *testing.T) {
	// One function body far larger than the unit cap.
	var b strings.Builder
	b.WriteString("package big\n\nfunc Big() {\n")
	for i := 0; i < 500; i++ {
		b.WriteString("\tdoSomethingWithAReasonablyLongLine(argument, anotherArgument)\n")
	}
	b.WriteString("}\n")
	content := b.String()

	root := writeFiles(t, map[string]string{"big.go": content})
	e := NewExtractor(DefaultRegistry(), nil, Options{MaxUnitBytes: 2048, MinSplitBytes: 256}, nil)

	res, err := e.Extract(context.Background(), root, []string{"big.go"}, nil)
	require.NoError(t, err)
	require.Greater(t, len(res.Units), 1)

	offset := 0
	for _, u := range res.Units {
		assert.LessOrEqual(t, u.EndByte-u.StartByte, 2048)
		assert.Equal(t, offset, u.StartByte)
		offset = u.EndByte
	}
	assert.Equal(t, len(content), offset)

	// The first split piece keeps the symbol name.
	var named int
	for _, u := range res.Units {
		if u.Symbol == "Big" {
			named++
		}
	}
	assert.Equal(t, 1, named)
}

func TestExtract_LineNumbersMatchContent(t *testing.T) {
	root := writeFiles(t, map[string]string{"sample.go": goSample})
	e := newTestExtractor()

	res, err := e.Extract(context.Background(), root, nil, nil)
	require.NoError(t, err)

	fileLines := strings.Split(goSample, "\n")
	for _, u := range res.Units {
		if u.Symbol == "Greet" {
			require.LessOrEqual(t, u.StartLine, len(fileLines))
			assert.Contains(t, fileLines[u.StartLine-1], "func Greet")
		}
	}
}

func TestIdentity_Stable(t *testing.T) {
	a := Identity("a.go", "go", KindFunction, 0, 10)
	b := Identity("a.go", "go", KindFunction, 0, 10)
	c := Identity("a.go", "go", KindFunction, 0, 11)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
