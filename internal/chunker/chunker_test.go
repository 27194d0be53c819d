package chunker_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/chunker"
	"tributary/internal/chunker/languages"
)

func newChunker() *chunker.Chunker {
	return chunker.New(languages.NewRegistry())
}

// assertSpans checks that every chunk is exactly its byte range of src and
// that chunks come in source order.
func assertSpans(t *testing.T, src string, chunks []chunker.RawChunk) {
	t.Helper()
	prev := -1
	for _, c := range chunks {
		require.LessOrEqual(t, c.EndByte, len(src))
		assert.Equal(t, src[c.StartByte:c.EndByte], c.Content)
		assert.Equal(t, strings.Count(src[:c.StartByte], "\n")+1, c.StartLine)
		assert.GreaterOrEqual(t, c.EndLine, c.StartLine)
		assert.Greater(t, c.StartByte, prev)
		prev = c.StartByte
	}
}

func TestPythonDefinitionsAndGaps(t *testing.T) {
	src := "import os\n\ndef foo():\n    return 1\n\nclass Bar:\n    pass\n"
	chunks, err := newChunker().Chunk(context.Background(), "a.py", []byte(src))
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, chunker.KindBlock, chunks[0].Kind)
	assert.Equal(t, "import os", chunks[0].Content)
	assert.Equal(t, "foo", chunks[1].Name)
	assert.Equal(t, "function_definition", chunks[1].Kind)
	assert.Equal(t, 3, chunks[1].StartLine)
	assert.Equal(t, 4, chunks[1].EndLine)
	assert.Equal(t, "Bar", chunks[2].Name)
	assertSpans(t, src, chunks)
}

func TestGoMethodsAndTypes(t *testing.T) {
	src := `package demo

type Server struct{ addr string }

func (s *Server) Addr() string { return s.addr }

func New() *Server { return &Server{} }
`
	chunks, err := newChunker().Chunk(context.Background(), "demo.go", []byte(src))
	require.NoError(t, err)

	var names []string
	for _, c := range chunks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"", "Server", "Addr", "New"}, names)
	assertSpans(t, src, chunks)
}

func TestOversizedDefinitionIsWindowed(t *testing.T) {
	var b strings.Builder
	b.WriteString("def big():\n")
	for range 400 {
		b.WriteString("    value = compute_something_rather_long(1, 2, 3)\n")
	}
	src := b.String()

	chunks, err := newChunker().Chunk(context.Background(), "big.py", []byte(src))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, "big", c.Name)
		if i > 0 {
			assert.Less(t, c.StartByte, chunks[i-1].EndByte, "windows overlap")
		}
	}
	assert.Equal(t, strings.TrimSpace(src), src[chunks[0].StartByte:chunks[len(chunks)-1].EndByte])
}

func TestFallbackLineWindows(t *testing.T) {
	src := "#include <stdio.h>\nint main(void) { return 0; }\n"
	c := newChunker()
	assert.True(t, c.IsCode("main.c"))
	assert.Equal(t, "c", c.Language("main.c"))

	chunks, err := c.Chunk(context.Background(), "main.c", []byte(src))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, chunker.KindWindow, chunks[0].Kind)
	assertSpans(t, src, chunks)
}

func TestMarkdownSections(t *testing.T) {
	src := "# Title\n\nIntro text.\n\n## Usage\n\n```sh\n# not a heading\nrun it\n```\n"
	chunks, err := newChunker().Chunk(context.Background(), "b.md", []byte(src))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Title", chunks[0].Name)
	assert.Equal(t, "Usage", chunks[1].Name)
	assert.Contains(t, chunks[1].Content, "# not a heading")
	assertSpans(t, src, chunks)
}

func TestParagraphPacking(t *testing.T) {
	para := strings.Repeat("word ", 150) // 750 bytes
	src := para + "\n\n" + para + "\n\n" + para + "\n\n" + para + "\n"
	chunks := chunker.SplitDocument("notes.txt", []byte(src))
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, chunker.KindParagraph, c.Kind)
		assert.LessOrEqual(t, len(c.Content), 2048)
	}
	assertSpans(t, src, chunks)
}

func TestBlankInputsProduceNoChunks(t *testing.T) {
	c := newChunker()
	for _, path := range []string{"a.py", "a.md", "a.c"} {
		chunks, err := c.Chunk(context.Background(), path, []byte("\n  \n\t\n"))
		require.NoError(t, err)
		assert.Empty(t, chunks, path)
	}
}

func TestRegistry(t *testing.T) {
	r := languages.NewRegistry()
	assert.Equal(t, "tsx", r.LanguageName("ui/App.tsx"))
	assert.Equal(t, "rust", r.LanguageName("src/lib.rs"))
	assert.Equal(t, "", r.LanguageName("README.md"))
	assert.Contains(t, r.Names(), "java")
	assert.True(t, chunker.IsDoc("config.YAML"))
}

func TestEmbeddingInput(t *testing.T) {
	got := chunker.EmbeddingInput("a.py", "python", "function_definition", "foo", "def foo(): pass")
	assert.Equal(t, "// File: a.py\n// Language: python\n// function_definition: foo\ndef foo(): pass", got)
}
