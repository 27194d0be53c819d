package chunker

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// LanguageSpec defines the tree-sitter grammar and query for a language.
type LanguageSpec struct {
	Language *sitter.Language
	// Query is a tree-sitter S-expression query that captures top-level
	// definitions. It must use @chunk for the outer node and @name for the
	// identifier (optional).
	Query      string
	Extensions []string
}

type entry struct {
	name string
	spec *LanguageSpec
}

// Registry maps file extensions to language specs.
type Registry struct {
	mu     sync.RWMutex
	byExt  map[string]entry // extension without dot
	byName map[string]*LanguageSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byExt:  make(map[string]entry),
		byName: make(map[string]*LanguageSpec),
	}
}

// Register adds a language spec under the given name. Extensions already
// claimed by another language are taken over.
func (r *Registry) Register(name string, spec *LanguageSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = spec
	for _, ext := range spec.Extensions {
		r.byExt[strings.ToLower(ext)] = entry{name: name, spec: spec}
	}
}

// Lookup returns the spec and language name for a file path based on its
// extension, or nil.
func (r *Registry) Lookup(path string) (spec *LanguageSpec, lang string) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byExt[ext]
	if !ok {
		return nil, ""
	}
	return e.spec, e.name
}

// LanguageName returns the language name for a file path, or "".
func (r *Registry) LanguageName(path string) string {
	_, lang := r.Lookup(path)
	return lang
}

// Extensions returns the set of all registered file extensions (without dot).
func (r *Registry) Extensions() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make(map[string]bool, len(r.byExt))
	for ext := range r.byExt {
		exts[ext] = true
	}
	return exts
}

// Names returns the registered language names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
