package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/changes"
	"tributary/internal/index"
	"tributary/internal/knowledge"
	"tributary/internal/llmlock"
	"tributary/internal/store"
)

type fakeStore struct {
	chunks []store.Chunk
}

func (f *fakeStore) SearchByEmbedding(_ context.Context, _ []float32, topK int) ([]store.SearchHit, error) {
	var hits []store.SearchHit
	for i, c := range f.chunks {
		if i == topK {
			break
		}
		hits = append(hits, store.SearchHit{Chunk: c, Score: 0.9})
	}
	return hits, nil
}

func (f *fakeStore) GetFileMetadata(_ context.Context, p string) (store.FileMetadata, error) {
	for _, c := range f.chunks {
		if c.FilePath == p {
			return store.FileMetadata{Path: p}, nil
		}
	}
	return store.FileMetadata{}, store.ErrNotFound
}

func (f *fakeStore) GetChunksForFile(_ context.Context, p string) ([]store.Chunk, error) {
	var out []store.Chunk
	for _, c := range f.chunks {
		if c.FilePath == p {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ListModuleSummaries(context.Context) ([]store.ModuleSummary, error) {
	return []store.ModuleSummary{{ModulePath: ".", FileCount: 1, AggregateSummary: "root"}}, nil
}

func (f *fakeStore) Stats(context.Context) (store.Stats, error) {
	return store.Stats{Files: 1, Chunks: len(f.chunks)}, nil
}

func (f *fakeStore) ListChunks(_ context.Context, limit int) ([]store.ChunkInfo, error) {
	var out []store.ChunkInfo
	for _, c := range f.chunks[:min(limit, len(f.chunks))] {
		out = append(out, store.ChunkInfo{
			ID:           c.ID,
			FilePath:     c.FilePath,
			Kind:         c.Kind,
			HasSummary:   c.Summary != "",
			HasEmbedding: len(c.Embedding) > 0,
		})
	}
	return out, nil
}

type fakeIndexer struct {
	busy bool
}

func (f *fakeIndexer) RunScan(context.Context) (changes.ScanReport, error) {
	if f.busy {
		return changes.ScanReport{}, index.ErrScanInProgress
	}
	return changes.ScanReport{Seen: 2, Discovered: 2}, nil
}

func (f *fakeIndexer) Stats() index.Stats { return index.Stats{FilesIndexed: 2} }

type embedStub struct{}

func (embedStub) Model() string { return "stub" }
func (embedStub) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func newServer(t *testing.T, idx Indexer) (*httptest.Server, *llmlock.MemoryLock) {
	t.Helper()
	st := &fakeStore{chunks: []store.Chunk{
		{ID: "c1", FilePath: "a.py", Kind: store.KindCode, Text: "def a(): pass"},
		{ID: "c2", FilePath: "b.md", Kind: store.KindDoc, Text: "# B"},
	}}
	lock := llmlock.NewMemoryLock()
	port := knowledge.New(st, knowledge.WithEmbedder(embedStub{}))
	srv := httptest.NewServer(New(port, lock, st, idx, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, lock
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestLockEndpoints(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/system/llm_lock", map[string]any{"locked": true, "ttl_seconds": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/system/llm_lock", map[string]any{"locked": true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, true, body["lock_state"].(map[string]any)["locked"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/system/llm_lock", map[string]any{"locked": false, "token": "nope"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/system/llm_lock", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["locked"])

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/system/llm_lock", map[string]any{"locked": false, "token": token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["lock_state"].(map[string]any)["locked"])
}

func TestLockRejectsBadBodies(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/system/llm_lock", map[string]any{"locked": true, "ttl_seconds": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := http.Post(srv.URL+"/v1/system/llm_lock", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestSearch(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/knowledge/search", map[string]any{"query_embedding": []float32{1}, "top_k": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/knowledge/search", map[string]any{"query": "where is a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "where is a", body["query"])
	assert.Len(t, body["items"], 2)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/knowledge/search", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFileAndOverview(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/knowledge/file?path=a.py", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a.py", body["file_path"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/knowledge/file?path=zzz.py", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/knowledge/file", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/knowledge/overview", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["modules"], 1)
}

func TestChunksAndStats(t *testing.T) {
	srv, _ := newServer(t, &fakeIndexer{})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/chunks?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["chunks"], 1)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/chunks?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "store")
	assert.Contains(t, body, "indexer")

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["lock"].(map[string]any)["locked"])
	assert.EqualValues(t, 2, body["indexer"].(map[string]any)["files_indexed"])
}

func TestChunkListingStaysUnderCeiling(t *testing.T) {
	st := &fakeStore{}
	for i := range 600 {
		st.chunks = append(st.chunks, store.Chunk{
			ID:       fmt.Sprintf("%032d", i),
			FilePath: fmt.Sprintf("very/deeply/nested/package/path/number/%d/source_file.go", i),
			Kind:     store.KindCode,
			Text:     strings.Repeat("x", 1024),
			Summary:  "s",
		})
	}
	port := knowledge.New(st, knowledge.WithMaxBytes(20_000))
	srv := httptest.NewServer(New(port, llmlock.NewMemoryLock(), st, nil, nil).Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/chunks?limit=500")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), 20_000)

	var body ChunksResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.True(t, body.Truncated)
	assert.NotEmpty(t, body.Chunks)
	assert.Less(t, len(body.Chunks), 500)
	assert.True(t, body.Chunks[0].HasSummary)
	assert.NotContains(t, string(raw), "xxxx", "chunk content is never listed")
}

func TestScan(t *testing.T) {
	srv, _ := newServer(t, &fakeIndexer{})
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/scan", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	busy, _ := newServer(t, &fakeIndexer{busy: true})
	resp, _ = do(t, http.MethodPost, busy.URL+"/v1/scan", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	idle, _ := newServer(t, nil)
	resp, _ = do(t, http.MethodPost, idle.URL+"/v1/scan", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthRoutes(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp, body := do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", body["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
