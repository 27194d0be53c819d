package changes

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// IgnoreFile is the workspace-level ignore list, created with the defaults
// on first use.
const IgnoreFile = ".tributaryignore"

// DefaultMaxFileSize is the largest file considered for indexing (1 MiB).
const DefaultMaxFileSize = 1 << 20

// defaultIgnores are excluded no matter what the ignore files say.
var defaultIgnores = []string{
	".git",
	".svn",
	".hg",
	"node_modules",
	"vendor",
	"__pycache__",
	".idea",
	".vscode",
	".tributary",
	"dist",
	"build",
	".venv",
	"venv",
}

// Rules decides which workspace paths take part in indexing. Paths are
// workspace-relative and slash-separated.
type Rules struct {
	root        string
	maxFileSize int64
	accept      func(rel string) bool

	mu       sync.RWMutex
	patterns []string
	// gitignores caches the parsed .gitignore of each directory; a nil
	// slice means the directory has none.
	gitignores map[string][]gitPattern
}

// RulesOption configures Rules.
type RulesOption func(*Rules)

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int64) RulesOption {
	return func(r *Rules) {
		if n > 0 {
			r.maxFileSize = n
		}
	}
}

// WithAccept restricts files to those the predicate accepts, typically the
// extensions some stage knows how to handle.
func WithAccept(fn func(rel string) bool) RulesOption {
	return func(r *Rules) { r.accept = fn }
}

// LoadRules reads the ignore configuration under root.
func LoadRules(root string, opts ...RulesOption) *Rules {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	r := &Rules{root: root, maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(r)
	}
	r.Reload()
	return r
}

// Root returns the absolute workspace root.
func (r *Rules) Root() string { return r.root }

// Reload re-reads .tributaryignore and drops cached .gitignore files.
func (r *Rules) Reload() {
	patterns := loadIgnorePatterns(r.root)
	r.mu.Lock()
	r.patterns = patterns
	r.gitignores = make(map[string][]gitPattern)
	r.mu.Unlock()
}

// IsIgnoreFile reports whether rel names a file whose edits change the rules.
func IsIgnoreFile(rel string) bool {
	base := path.Base(rel)
	return base == ".gitignore" || base == IgnoreFile
}

// SkipDir reports whether the directory rel is excluded, along with
// everything below it.
func (r *Rules) SkipDir(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	return r.ignored(rel, true)
}

// SkipFile reports whether the file rel of the given size is excluded.
// A negative size skips the size checks, for files that are already gone.
func (r *Rules) SkipFile(rel string, size int64) bool {
	if size >= 0 && (size == 0 || size > r.maxFileSize) {
		return true
	}
	if r.accept != nil && !r.accept(rel) {
		return true
	}
	if dir := path.Dir(rel); dir != "." {
		// A file below an excluded directory is excluded too.
		parts := strings.Split(dir, "/")
		for i := range parts {
			if r.ignored(strings.Join(parts[:i+1], "/"), true) {
				return true
			}
		}
	}
	return r.ignored(rel, false)
}

func (r *Rules) ignored(rel string, isDir bool) bool {
	name := path.Base(rel)
	for _, d := range defaultIgnores {
		if name == d && isDir {
			return true
		}
	}

	r.mu.RLock()
	patterns := r.patterns
	r.mu.RUnlock()
	if matchesIgnore(name, rel, patterns) {
		return true
	}
	return r.gitIgnored(rel, isDir)
}

// gitIgnored applies every .gitignore from the root down to rel's parent.
// Deeper files override shallower ones and, within a file, the last
// matching line wins.
func (r *Rules) gitIgnored(rel string, isDir bool) bool {
	dirs := []string{""}
	if parent := path.Dir(rel); parent != "." {
		parts := strings.Split(parent, "/")
		for i := range parts {
			dirs = append(dirs, strings.Join(parts[:i+1], "/"))
		}
	}

	ignored := false
	for _, dir := range dirs {
		for _, p := range r.gitignore(dir) {
			if p.match(rel, isDir) {
				ignored = !p.negate
			}
		}
	}
	return ignored
}

func (r *Rules) gitignore(dir string) []gitPattern {
	r.mu.RLock()
	patterns, ok := r.gitignores[dir]
	r.mu.RUnlock()
	if ok {
		return patterns
	}

	patterns = parseGitignore(filepath.Join(r.root, filepath.FromSlash(dir), ".gitignore"), dir)
	r.mu.Lock()
	r.gitignores[dir] = patterns
	r.mu.Unlock()
	return patterns
}

// loadIgnorePatterns reads .tributaryignore from the project root.
// If the file doesn't exist, it creates one with the default patterns.
func loadIgnorePatterns(root string) []string {
	ignorePath := filepath.Join(root, IgnoreFile)

	f, err := os.Open(ignorePath)
	if err != nil {
		createDefaultIgnoreFile(ignorePath)
		return nil
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(line, "/"))
	}
	return patterns
}

func createDefaultIgnoreFile(path string) {
	var b strings.Builder
	b.WriteString("# Paths to exclude from indexing.\n")
	b.WriteString("# One pattern per line. Supports exact names, path prefixes and globs.\n\n")
	for _, p := range defaultIgnores {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	// Best effort; the built-in defaults apply either way.
	os.WriteFile(path, []byte(b.String()), 0o644)
}

// matchesIgnore checks a name or relative path against .tributaryignore patterns.
func matchesIgnore(name, relPath string, patterns []string) bool {
	for _, p := range patterns {
		if name == p {
			return true
		}
		if relPath == p || strings.HasPrefix(relPath, p+"/") {
			return true
		}
		if matched, _ := path.Match(p, relPath); matched {
			return true
		}
		if matched, _ := path.Match(p, name); matched {
			return true
		}
	}
	return false
}

type gitPattern struct {
	base     string
	segments []string
	negate   bool
	dirOnly  bool
	anchored bool
}

func parseGitignore(file, base string) []gitPattern {
	f, err := os.Open(file)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []gitPattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if p, ok := parseGitPattern(scanner.Text(), base); ok {
			out = append(out, p)
		}
	}
	return out
}

func parseGitPattern(line, base string) (gitPattern, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return gitPattern{}, false
	}
	p := gitPattern{base: base}
	if strings.HasPrefix(line, "!") {
		p.negate = true
		line = line[1:]
	} else if strings.HasPrefix(line, `\`) {
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.Contains(line, "/") {
		p.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if line == "" {
		return gitPattern{}, false
	}
	p.segments = strings.Split(line, "/")
	return p, true
}

func (p gitPattern) match(rel string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	sub := rel
	if p.base != "" {
		if !strings.HasPrefix(rel, p.base+"/") {
			return false
		}
		sub = rel[len(p.base)+1:]
	}
	if !p.anchored {
		ok, _ := path.Match(p.segments[0], path.Base(sub))
		return ok
	}
	return matchSegments(p.segments, strings.Split(sub, "/"))
}

// matchSegments matches glob segments against path segments, letting "**"
// stand for any number of whole segments.
func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := range len(parts) + 1 {
				if matchSegments(rest, parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], parts[0]); !ok {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}
