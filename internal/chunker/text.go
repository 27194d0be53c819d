package chunker

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
)

// docTargetBytes is the size paragraphs are packed up to.
const docTargetBytes = 2048

var docExtensions = map[string]bool{
	"md": true, "markdown": true, "rst": true, "txt": true,
	"yaml": true, "yml": true, "toml": true, "json": true,
}

// Code files without a registered grammar are still indexed, in line windows.
var fallbackCodeExtensions = map[string]bool{
	"c": true, "h": true, "cc": true, "cpp": true, "hpp": true, "cs": true,
	"rb": true, "php": true, "sh": true, "bash": true, "swift": true,
	"scala": true, "kt": true, "kts": true, "sql": true, "lua": true,
}

func ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// IsDoc reports whether path is documentation or configuration text.
func IsDoc(path string) bool { return docExtensions[ext(path)] }

// Chunker picks the right splitting strategy for a file.
type Chunker struct {
	registry *Registry
	ast      *ASTChunker
}

// New returns a chunker over the grammars in r.
func New(r *Registry) *Chunker {
	return &Chunker{registry: r, ast: NewASTChunker(r)}
}

// Registry returns the grammar registry.
func (c *Chunker) Registry() *Registry { return c.registry }

// IsCode reports whether path is source code this chunker can split.
func (c *Chunker) IsCode(path string) bool {
	if spec, _ := c.registry.Lookup(path); spec != nil {
		return true
	}
	return fallbackCodeExtensions[ext(path)]
}

// Language names the language of path: the grammar name for code, the
// extension otherwise.
func (c *Chunker) Language(path string) string {
	if lang := c.registry.LanguageName(path); lang != "" {
		return lang
	}
	return ext(path)
}

// Chunk splits src. Documentation goes through SplitDocument, code with a
// grammar through the AST chunker and any other code through line windows.
func (c *Chunker) Chunk(ctx context.Context, path string, src []byte) ([]RawChunk, error) {
	if IsDoc(path) {
		return SplitDocument(path, src), nil
	}
	chunks, err := c.ast.Chunk(ctx, path, src)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		chunks = SplitLines(src)
	}
	return chunks, nil
}

// SplitLines covers the whole file with overlapping line windows.
func SplitLines(src []byte) []RawChunk {
	start, end := trimSpan(src, 0, len(src))
	if start >= end {
		return nil
	}
	return splitOversized(src, newLineIndex(src), start, end, "", KindWindow)
}

// SplitDocument splits Markdown at headings and other text at blank lines,
// packing paragraphs up to docTargetBytes. Oversized pieces fall back to
// overlapping line windows.
func SplitDocument(path string, src []byte) []RawChunk {
	idx := newLineIndex(src)
	var spans []span
	switch ext(path) {
	case "md", "markdown":
		spans = markdownSections(src, idx)
	default:
		spans = packParagraphs(src, idx)
	}

	var chunks []RawChunk
	for _, s := range spans {
		start, end := trimSpan(src, s.start, s.end)
		if start >= end {
			continue
		}
		chunks = append(chunks, spanChunks(src, idx, start, end, s.name, s.kind)...)
	}
	return chunks
}

type span struct {
	start, end int
	name, kind string
}

func lineEnd(src []byte, idx lineIndex, i int) int {
	if i+1 < len(idx.starts) {
		return idx.starts[i+1]
	}
	return len(src)
}

// markdownSections starts a new section at every ATX heading outside a
// fenced code block.
func markdownSections(src []byte, idx lineIndex) []span {
	var spans []span
	cur := span{start: 0, kind: KindSection}
	inFence := false
	for i, off := range idx.starts {
		line := bytes.TrimSpace(src[off:lineEnd(src, idx, i)])
		if bytes.HasPrefix(line, []byte("```")) || bytes.HasPrefix(line, []byte("~~~")) {
			inFence = !inFence
			continue
		}
		if inFence || !isHeading(line) {
			continue
		}
		if off > cur.start {
			cur.end = off
			spans = append(spans, cur)
		}
		cur = span{start: off, kind: KindSection, name: strings.TrimSpace(strings.TrimLeft(string(line), "#"))}
	}
	cur.end = len(src)
	return append(spans, cur)
}

func isHeading(line []byte) bool {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	return n >= 1 && n <= 6 && (n == len(line) || line[n] == ' ')
}

// packParagraphs groups blank-line separated paragraphs into spans of at
// most docTargetBytes, unless a single paragraph is larger on its own.
func packParagraphs(src []byte, idx lineIndex) []span {
	var paras []span
	start := -1
	for i, off := range idx.starts {
		blank := len(bytes.TrimSpace(src[off:lineEnd(src, idx, i)])) == 0
		switch {
		case blank && start >= 0:
			paras = append(paras, span{start: start, end: off})
			start = -1
		case !blank && start < 0:
			start = off
		}
	}
	if start >= 0 {
		paras = append(paras, span{start: start, end: len(src)})
	}

	var out []span
	for _, p := range paras {
		if n := len(out); n > 0 && p.end-out[n-1].start <= docTargetBytes {
			out[n-1].end = p.end
			continue
		}
		out = append(out, span{start: p.start, end: p.end, kind: KindParagraph})
	}
	return out
}
