// Package languages registers the tree-sitter grammars the chunker knows.
package languages

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"tributary/internal/chunker"
)

// Queries capture top-level definitions as @chunk with an optional @name.
const (
	goQuery = `
		(function_declaration name: (identifier) @name) @chunk
		(method_declaration name: (field_identifier) @name) @chunk
		(type_declaration (type_spec name: (type_identifier) @name)) @chunk
		(const_declaration (const_spec name: (identifier) @name)) @chunk
		(var_declaration (var_spec name: (identifier) @name)) @chunk
	`
	pythonQuery = `
		(function_definition name: (identifier) @name) @chunk
		(class_definition name: (identifier) @name) @chunk
		(decorated_definition definition: (function_definition name: (identifier) @name)) @chunk
		(decorated_definition definition: (class_definition name: (identifier) @name)) @chunk
	`
	javascriptQuery = `
		(function_declaration name: (identifier) @name) @chunk
		(class_declaration name: (identifier) @name) @chunk
		(method_definition name: (property_identifier) @name) @chunk
		(export_statement (function_declaration name: (identifier) @name)) @chunk
		(export_statement (class_declaration name: (identifier) @name)) @chunk
		(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @chunk
	`
	typescriptQuery = `
		(function_declaration name: (identifier) @name) @chunk
		(class_declaration name: (type_identifier) @name) @chunk
		(method_definition name: (property_identifier) @name) @chunk
		(export_statement (function_declaration name: (identifier) @name)) @chunk
		(export_statement (class_declaration name: (type_identifier) @name)) @chunk
		(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @chunk
		(interface_declaration name: (type_identifier) @name) @chunk
		(type_alias_declaration name: (type_identifier) @name) @chunk
	`
	rustQuery = `
		(function_item name: (identifier) @name) @chunk
		(struct_item name: (type_identifier) @name) @chunk
		(enum_item name: (type_identifier) @name) @chunk
		(trait_item name: (type_identifier) @name) @chunk
		(impl_item type: (type_identifier) @name) @chunk
	`
	javaQuery = `
		(class_declaration name: (identifier) @name) @chunk
		(interface_declaration name: (identifier) @name) @chunk
		(enum_declaration name: (identifier) @name) @chunk
	`
)

type grammar struct {
	name       string
	language   func() *sitter.Language
	query      string
	extensions []string
}

var grammars = []grammar{
	{"go", golang.GetLanguage, goQuery, []string{"go"}},
	{"python", python.GetLanguage, pythonQuery, []string{"py", "pyi"}},
	{"javascript", javascript.GetLanguage, javascriptQuery, []string{"js", "jsx", "mjs", "cjs"}},
	{"typescript", typescript.GetLanguage, typescriptQuery, []string{"ts", "mts", "cts"}},
	{"tsx", tsx.GetLanguage, typescriptQuery, []string{"tsx"}},
	{"rust", rust.GetLanguage, rustQuery, []string{"rs"}},
	{"java", java.GetLanguage, javaQuery, []string{"java"}},
}

// RegisterAll adds every known grammar to r.
func RegisterAll(r *chunker.Registry) {
	for _, g := range grammars {
		r.Register(g.name, &chunker.LanguageSpec{
			Language:   g.language(),
			Query:      g.query,
			Extensions: g.extensions,
		})
	}
}

// NewRegistry returns a registry with every known grammar.
func NewRegistry() *chunker.Registry {
	r := chunker.NewRegistry()
	RegisterAll(r)
	return r
}
