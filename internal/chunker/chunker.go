package chunker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

const maxChunkBytes = 8192

// Kind values for chunks that do not come from a grammar node.
const (
	KindBlock     = "block"
	KindWindow    = "window"
	KindSection   = "section"
	KindParagraph = "paragraph"
)

// RawChunk is a span of a source file before enrichment and embedding.
// [StartByte, EndByte) indexes the original bytes and Content is exactly
// that slice.
type RawChunk struct {
	Name      string
	Kind      string
	StartByte int
	EndByte   int
	StartLine int
	EndLine   int
	Content   string
}

// ASTChunker parses source files using tree-sitter and extracts semantic chunks.
type ASTChunker struct {
	registry *Registry
}

// NewASTChunker creates a chunker backed by the given registry.
func NewASTChunker(r *Registry) *ASTChunker {
	return &ASTChunker{registry: r}
}

// Chunk parses the source and returns one chunk per top-level definition,
// plus block chunks for the non-blank code between definitions. If no
// grammar is registered for the file, it returns nil.
func (c *ASTChunker) Chunk(ctx context.Context, path string, src []byte) ([]RawChunk, error) {
	spec, lang := c.registry.Lookup(path)
	if spec == nil {
		return nil, nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(spec.Language)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	q, err := sitter.NewQuery([]byte(spec.Query), spec.Language)
	if err != nil {
		return nil, fmt.Errorf("compile query for %s: %w", lang, err)
	}
	defer q.Close()

	spans := outermost(definitions(q, tree.RootNode(), src))

	idx := newLineIndex(src)
	var chunks []RawChunk
	prev := 0
	for _, d := range spans {
		chunks = append(chunks, gapChunks(src, idx, prev, d.start)...)
		chunks = append(chunks, spanChunks(src, idx, d.start, d.end, d.name, d.kind)...)
		prev = d.end
	}
	chunks = append(chunks, gapChunks(src, idx, prev, len(src))...)
	return chunks, nil
}

// definitions runs the grammar's query and returns one span per @chunk
// capture, named by the @name capture of the same match.
func definitions(q *sitter.Query, root *sitter.Node, src []byte) []definition {
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, root)

	var defs []definition
	for {
		m, ok := qc.NextMatch()
		if !ok {
			return defs
		}
		var d definition
		var node *sitter.Node
		for _, c := range m.Captures {
			switch q.CaptureNameForId(c.Index) {
			case "chunk":
				node = c.Node
			case "name":
				d.name = c.Node.Content(src)
			}
		}
		if node == nil {
			continue
		}
		d.kind = node.Type()
		d.start, d.end = int(node.StartByte()), int(node.EndByte())
		defs = append(defs, d)
	}
}

// outermost orders spans by position and drops any span nested inside an
// earlier one, so a method inside a captured class is not indexed twice.
func outermost(defs []definition) []definition {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].start != defs[j].start {
			return defs[i].start < defs[j].start
		}
		return defs[i].end > defs[j].end
	})
	kept := defs[:0]
	end := -1
	for _, d := range defs {
		if d.start >= end {
			kept = append(kept, d)
			end = d.end
		}
	}
	return kept
}

// gapChunks covers the code between two definitions (imports, top-level
// statements) so that nothing non-blank is left out of the index.
func gapChunks(src []byte, idx lineIndex, start, end int) []RawChunk {
	start, end = trimSpan(src, start, end)
	if start >= end {
		return nil
	}
	return spanChunks(src, idx, start, end, "", KindBlock)
}

// spanChunks returns the span as one chunk, or as overlapping line windows
// when it exceeds maxChunkBytes.
func spanChunks(src []byte, idx lineIndex, start, end int, name, kind string) []RawChunk {
	if end-start > maxChunkBytes {
		return splitOversized(src, idx, start, end, name, kind)
	}
	return []RawChunk{idx.chunk(src, start, end, name, kind)}
}

// splitOversized splits a span into 40-line windows with a 10-line overlap.
func splitOversized(src []byte, idx lineIndex, start, end int, name, kind string) []RawChunk {
	const windowSize = 40
	const overlap = 10

	// Line starts inside the span; the first entry is the span start even
	// when it falls mid-line.
	starts := []int{start}
	for _, off := range idx.starts {
		if off > start && off < end {
			starts = append(starts, off)
		}
	}

	var chunks []RawChunk
	for i := 0; i < len(starts); {
		j := min(i+windowSize, len(starts))
		wEnd := end
		if j < len(starts) {
			wEnd = starts[j]
		}
		if s, e := trimSpan(src, starts[i], wEnd); s < e {
			chunks = append(chunks, idx.chunk(src, s, e, name, kind))
		}
		if j >= len(starts) {
			break
		}
		i += windowSize - overlap
	}
	return chunks
}

// trimSpan narrows [start, end) to exclude surrounding whitespace.
func trimSpan(src []byte, start, end int) (int, int) {
	for start < end && isSpace(src[start]) {
		start++
	}
	for end > start && isSpace(src[end-1]) {
		end--
	}
	return start, end
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '\v'
}

// EmbeddingInput is the text sent to the embedder for a chunk: the chunk
// prefixed with where it lives, which improves retrieval of short chunks.
func EmbeddingInput(path, lang, kind, name, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// File: %s\n", path)
	if lang != "" {
		fmt.Fprintf(&b, "// Language: %s\n", lang)
	}
	if name != "" {
		fmt.Fprintf(&b, "// %s: %s\n", kind, name)
	}
	b.WriteString(content)
	return b.String()
}

type definition struct {
	name, kind string
	start, end int
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex struct {
	starts []int
}

func newLineIndex(src []byte) lineIndex {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' && i+1 < len(src) {
			starts = append(starts, i+1)
		}
	}
	return lineIndex{starts: starts}
}

func (l lineIndex) line(off int) int {
	return sort.Search(len(l.starts), func(i int) bool { return l.starts[i] > off })
}

func (l lineIndex) chunk(src []byte, start, end int, name, kind string) RawChunk {
	return RawChunk{
		Name:      name,
		Kind:      kind,
		StartByte: start,
		EndByte:   end,
		StartLine: l.line(start),
		EndLine:   l.line(max(start, end-1)),
		Content:   string(src[start:end]),
	}
}
