package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/store"
)

type fakeReader struct {
	chunks  []store.Chunk
	modules []store.ModuleSummary
}

func (f *fakeReader) SearchByEmbedding(_ context.Context, _ []float32, topK int) ([]store.SearchHit, error) {
	var hits []store.SearchHit
	for i, c := range f.chunks {
		if i == topK {
			break
		}
		hits = append(hits, store.SearchHit{Chunk: c, Score: 1 - float64(i)/float64(len(f.chunks))})
	}
	return hits, nil
}

func (f *fakeReader) GetFileMetadata(_ context.Context, p string) (store.FileMetadata, error) {
	for _, c := range f.chunks {
		if c.FilePath == p {
			return store.FileMetadata{Path: p, Checksum: "abc", SizeBytes: 10}, nil
		}
	}
	return store.FileMetadata{}, store.ErrNotFound
}

func (f *fakeReader) GetChunksForFile(_ context.Context, p string) ([]store.Chunk, error) {
	var out []store.Chunk
	for _, c := range f.chunks {
		if c.FilePath == p {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeReader) ListModuleSummaries(context.Context) ([]store.ModuleSummary, error) {
	return f.modules, nil
}

func (f *fakeReader) Stats(context.Context) (store.Stats, error) {
	return store.Stats{Files: 1, Chunks: len(f.chunks)}, nil
}

type recordingEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (e *recordingEmbedder) Model() string { return "test" }

func (e *recordingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func bigStore(n, size int, filePath string) *fakeReader {
	f := &fakeReader{}
	// Mix quotes, angle brackets and multi-byte runes so escaping matters.
	unit := `x<"é">` + "\n"
	body := strings.Repeat(unit, size/len(unit)+1)
	for i := range n {
		path := filePath
		if path == "" {
			path = fmt.Sprintf("pkg%d/file%d.go", i%7, i)
		}
		f.chunks = append(f.chunks, store.Chunk{
			ID:       fmt.Sprintf("%032d", i),
			FilePath: path,
			Range:    store.ByteRange{Start: i * size, End: (i + 1) * size},
			Kind:     store.KindCode,
			Text:     body,
			Summary:  "does a thing",
		})
	}
	return f
}

func marshaledLen(t *testing.T, v any) int {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return len(b)
}

func TestSearchNeverExceedsCeiling(t *testing.T) {
	p := New(bigStore(2000, 3000, ""))
	resp, err := p.Search(context.Background(), []float32{1, 0}, 1000)
	require.NoError(t, err)

	assert.LessOrEqual(t, marshaledLen(t, resp), DefaultMaxBytes)
	assert.Equal(t, 1000, resp.Total)
	assert.True(t, resp.Truncated)
	assert.NotEmpty(t, resp.Items)
	assert.Less(t, len(resp.Items), 1000)

	// Only the item at the edge may be cut, and never mid-rune.
	for i, it := range resp.Items {
		if it.Truncated {
			assert.Equal(t, len(resp.Items)-1, i)
			assert.True(t, utf8.ValidString(it.Content))
		}
	}
}

func TestSearchCeilingHoldsForManySizes(t *testing.T) {
	for _, ceiling := range []int{600, 1000, 4096, 10_000, 51_200} {
		for _, size := range []int{1, 50, 700, 9000} {
			p := New(bigStore(300, size, ""), WithMaxBytes(ceiling))
			resp, err := p.Search(context.Background(), []float32{1, 0}, MaxTopK)
			require.NoError(t, err)
			assert.LessOrEqual(t, marshaledLen(t, resp), ceiling, "ceiling=%d size=%d", ceiling, size)
		}
	}
}

func TestEdgeItemIsCut(t *testing.T) {
	r := bigStore(3, 2000, "")
	p := New(r, WithMaxBytes(9000))
	resp, err := p.Search(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)

	require.Len(t, resp.Items, 2)
	assert.False(t, resp.Items[0].Truncated)
	assert.True(t, resp.Items[1].Truncated)
	assert.NotEmpty(t, resp.Items[1].Content)
	assert.Equal(t, "does a thing", resp.Items[1].Summary)
	assert.LessOrEqual(t, marshaledLen(t, resp), 9000)
}

func TestSearchSmallResultIsUntouched(t *testing.T) {
	p := New(bigStore(3, 100, ""))
	resp, err := p.Search(context.Background(), []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopK, resp.TopK)
	assert.Len(t, resp.Items, 3)
	assert.False(t, resp.Truncated)
	assert.Greater(t, resp.Items[0].Similarity, resp.Items[1].Similarity)
}

func TestEmptyQueries(t *testing.T) {
	p := New(&fakeReader{}, WithEmbedder(&recordingEmbedder{}))
	_, err := p.Search(context.Background(), nil, 5)
	assert.ErrorIs(t, err, ErrEmptyQuery)
	_, err = p.SearchText(context.Background(), "   ", 5)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = New(&fakeReader{}).SearchText(context.Background(), "q", 5)
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestSearchTextTruncatesQuery(t *testing.T) {
	emb := &recordingEmbedder{}
	p := New(bigStore(2, 10, ""), WithEmbedder(emb))
	long := strings.Repeat("ü", 800)

	resp, err := p.SearchText(context.Background(), long, 2)
	require.NoError(t, err)
	require.Len(t, emb.texts, 1)
	assert.Equal(t, MaxQueryChars, utf8.RuneCountInString(emb.texts[0]))
	assert.Equal(t, emb.texts[0], resp.Query)
	assert.Len(t, resp.Items, 2)
}

func TestFileContext(t *testing.T) {
	p := New(bigStore(200, 2000, "big.go"))
	resp, err := p.FileContext(context.Background(), "big.go")
	require.NoError(t, err)
	assert.LessOrEqual(t, marshaledLen(t, resp), DefaultMaxBytes)
	assert.Equal(t, 200, resp.Total)
	assert.True(t, resp.Truncated)
	assert.Equal(t, "abc", resp.Checksum)

	_, err = p.FileContext(context.Background(), "missing.go")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProjectOverviewHasNoContent(t *testing.T) {
	r := bigStore(5, 100, "")
	for i := range 500 {
		r.modules = append(r.modules, store.ModuleSummary{
			ModulePath:       fmt.Sprintf("mod%d", i),
			FileCount:        i,
			AggregateSummary: strings.Repeat("summary ", 40),
		})
	}
	p := New(r)
	resp, err := p.ProjectOverview(context.Background())
	require.NoError(t, err)

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), DefaultMaxBytes)
	assert.NotContains(t, string(b), `x<`, "chunk content never appears in the overview")
	assert.Equal(t, 500, resp.Total)
	assert.True(t, resp.Truncated)
	assert.Equal(t, 5, resp.Stats.Chunks)
}

func TestFitString(t *testing.T) {
	assert.Equal(t, "", fitString("abc", 0))
	assert.Equal(t, "ab", fitString("abc", 2))
	assert.Equal(t, "a", fitString("a\"b", 2), "an escaped quote costs two bytes")
	got := fitString("ééé", 3)
	assert.Equal(t, "é", got)
}

func TestFitStringEscapeHeavy(t *testing.T) {
	// Each '<' encodes as \u003c, six bytes.
	src := strings.Repeat("<", 2000)
	got := fitString(src, 3000)
	assert.Len(t, got, 500)

	mixed := strings.Repeat("a<&\"é", 400)
	got = fitString(mixed, 1000)
	require.NotEmpty(t, got)
	assert.True(t, utf8.ValidString(got))
	enc, err := json.Marshal(got)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(enc)-2, 1000)
	next := mixed[:len(got)+1]
	for !utf8.ValidString(next) {
		next = mixed[:len(next)+1]
	}
	enc, err = json.Marshal(next)
	require.NoError(t, err)
	assert.Greater(t, len(enc)-2, 1000, "the cut is the longest prefix that fits")
}

func TestTinyCeilingFails(t *testing.T) {
	p := New(bigStore(1, 10, ""), WithMaxBytes(10))
	_, err := p.Search(context.Background(), []float32{1}, 1)
	assert.Error(t, err)
}
