package unit

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageSpec defines the tree-sitter grammar and segmentation query for a
// language. The query must capture definition nodes as @unit and their
// identifier as @name (optional). Kinds maps captured node types to unit
// kinds; unmapped node types fall back to KindBlock.
type LanguageSpec struct {
	Language   *sitter.Language
	Query      string
	Kinds      map[string]Kind
	Extensions []string
}

// Registry maps file extensions and language names to segmentation specs.
// Each spec is a pure description: segmentation itself carries no state
// shared between languages.
type Registry struct {
	byExt  map[string]*LanguageSpec
	byName map[string]*LanguageSpec
	names  map[*LanguageSpec]string
	exts   map[string]string // extension -> language name, incl. non-parsed langs
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byExt:  make(map[string]*LanguageSpec),
		byName: make(map[string]*LanguageSpec),
		names:  make(map[*LanguageSpec]string),
		exts:   make(map[string]string),
	}
}

// Register adds a language spec under the given name.
func (r *Registry) Register(name string, spec *LanguageSpec) {
	r.byName[name] = spec
	r.names[spec] = name
	for _, ext := range spec.Extensions {
		r.byExt[ext] = spec
		r.exts[ext] = name
	}
}

// RegisterExtension maps an extension to a language name without a
// segmentation spec. Files match the language for LSP routing but fall back
// to whole-file units.
func (r *Registry) RegisterExtension(ext, name string) {
	r.exts[ext] = name
}

// Lookup returns the spec and language name for a file path, or (nil, name)
// when only the language is known, or (nil, "") for unknown extensions.
func (r *Registry) Lookup(path string) (*LanguageSpec, string) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	spec, ok := r.byExt[ext]
	if ok {
		return spec, r.names[spec]
	}
	return nil, r.exts[ext]
}

// LanguageForPath returns the language identifier for a file path, or "".
func (r *Registry) LanguageForPath(path string) string {
	_, name := r.Lookup(path)
	return name
}

// DefaultRegistry returns a registry with all built-in languages.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register("go", &LanguageSpec{
		Language: golang.GetLanguage(),
		Query: `
			(function_declaration name: (identifier) @name) @unit
			(method_declaration name: (field_identifier) @name) @unit
			(type_declaration (type_spec name: (type_identifier) @name)) @unit
		`,
		Kinds: map[string]Kind{
			"function_declaration": KindFunction,
			"method_declaration":   KindMethod,
			"type_declaration":     KindType,
		},
		Extensions: []string{"go"},
	})

	r.Register("python", &LanguageSpec{
		Language: python.GetLanguage(),
		Query: `
			(function_definition name: (identifier) @name) @unit
			(class_definition name: (identifier) @name) @unit
			(decorated_definition) @unit
		`,
		Kinds: map[string]Kind{
			"function_definition":  KindFunction,
			"class_definition":     KindClass,
			"decorated_definition": KindFunction,
		},
		Extensions: []string{"py"},
	})

	r.Register("javascript", &LanguageSpec{
		Language: javascript.GetLanguage(),
		Query: `
			(function_declaration name: (identifier) @name) @unit
			(generator_function_declaration name: (identifier) @name) @unit
			(class_declaration name: (identifier) @name) @unit
		`,
		Kinds: map[string]Kind{
			"function_declaration":           KindFunction,
			"generator_function_declaration": KindFunction,
			"class_declaration":              KindClass,
		},
		Extensions: []string{"js", "jsx", "mjs"},
	})

	tsKinds := map[string]Kind{
		"function_declaration":   KindFunction,
		"class_declaration":      KindClass,
		"interface_declaration":  KindType,
		"type_alias_declaration": KindType,
		"enum_declaration":       KindType,
	}
	tsQuery := `
		(function_declaration name: (identifier) @name) @unit
		(class_declaration name: (type_identifier) @name) @unit
		(interface_declaration name: (type_identifier) @name) @unit
		(type_alias_declaration name: (type_identifier) @name) @unit
		(enum_declaration name: (identifier) @name) @unit
	`
	r.Register("typescript", &LanguageSpec{
		Language:   typescript.GetLanguage(),
		Query:      tsQuery,
		Kinds:      tsKinds,
		Extensions: []string{"ts"},
	})
	r.Register("tsx", &LanguageSpec{
		Language:   tsx.GetLanguage(),
		Query:      tsQuery,
		Kinds:      tsKinds,
		Extensions: []string{"tsx"},
	})

	// Known languages without a segmentation grammar here. They still get
	// whole-file units and LSP routing.
	r.RegisterExtension("rs", "rust")
	r.RegisterExtension("java", "java")
	r.RegisterExtension("rb", "ruby")
	r.RegisterExtension("c", "c")
	r.RegisterExtension("h", "c")
	r.RegisterExtension("cpp", "cpp")
	r.RegisterExtension("md", "markdown")

	return r
}
