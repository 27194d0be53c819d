package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func chunk(filePath string, start, end int, text string, emb ...float32) Chunk {
	r := ByteRange{Start: start, End: end}
	return Chunk{
		ID:        ChunkID(filePath, r, text),
		FilePath:  filePath,
		Range:     r,
		StartLine: 1,
		EndLine:   1,
		Kind:      KindCode,
		Text:      text,
		Embedding: emb,
	}
}

func meta(filePath string, mtime time.Time) FileMetadata {
	return FileMetadata{Path: filePath, Mtime: mtime, Checksum: Checksum([]byte(filePath)), SizeBytes: 10}
}

func TestChunkIDDeterministic(t *testing.T) {
	a := ChunkID("a.py", ByteRange{0, 10}, "def f(): pass")
	assert.Equal(t, a, ChunkID("a.py", ByteRange{0, 10}, "def f(): pass"))
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, ChunkID("b.py", ByteRange{0, 10}, "def f(): pass"))
	assert.NotEqual(t, a, ChunkID("a.py", ByteRange{0, 11}, "def f(): pass"))
	assert.NotEqual(t, a, ChunkID("a.py", ByteRange{0, 10}, "def g(): pass"))
}

func TestReplaceFileAndRead(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	now := time.Unix(1_700_000_000, 0)

	c1 := chunk("a.py", 10, 20, "second", 1, 0)
	c0 := chunk("a.py", 0, 10, "first", 0, 1)
	require.NoError(t, s.ReplaceFile(ctx, meta("a.py", now), []Chunk{c1, c0}, ""))

	got, err := s.GetChunksForFile(ctx, "a.py")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Text, "ordered by byte start")

	m, err := s.GetFileMetadata(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, now.UnixNano(), m.Mtime.UnixNano())
	assert.Equal(t, []string{c0.ID, c1.ID}, m.ChunkIDs)

	_, err = s.GetFileMetadata(ctx, "missing.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceFileIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	old := time.Unix(1_700_000_000, 0)

	original := []Chunk{chunk("a.py", 0, 5, "v1", 1, 0)}
	require.NoError(t, s.ReplaceFile(ctx, meta("a.py", old), original, ""))

	boom := errors.New("disk vanished")
	s.beforeInsert = func() error { return boom }
	updated := meta("a.py", old.Add(time.Hour))
	updated.Checksum = "changed"
	err := s.ReplaceFile(ctx, updated, []Chunk{chunk("a.py", 0, 5, "v2", 0, 1)}, "")
	require.ErrorIs(t, err, boom)
	s.beforeInsert = nil

	got, err := s.GetChunksForFile(ctx, "a.py")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].Text, "old chunks survive a failed replace")

	m, err := s.GetFileMetadata(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, Checksum([]byte("a.py")), m.Checksum)
	assert.Equal(t, old.UnixNano(), m.Mtime.UnixNano())
}

func TestReadersNeverSeePartialFile(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()

	build := func(tag string) []Chunk {
		var out []Chunk
		for i := range 5 {
			out = append(out, chunk("big.go", i*10, i*10+10, tag+string(rune('a'+i)), 1, 1))
		}
		return out
	}
	require.NoError(t, s.ReplaceFile(ctx, meta("big.go", now), build("x"), ""))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tag := "x"
			if i%2 == 1 {
				tag = "y"
			}
			assert.NoError(t, s.ReplaceFile(ctx, meta("big.go", now), build(tag), ""))
		}
	}()

	for range 50 {
		got, err := s.GetChunksForFile(ctx, "big.go")
		require.NoError(t, err)
		assert.Len(t, got, 5)
	}
	close(stop)
	wg.Wait()
}

func TestFileMetadataMatchesItsChunks(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()

	versions := map[string][]Chunk{}
	want := map[string][]string{}
	for _, tag := range []string{"x", "y"} {
		for i := range 4 {
			c := chunk("big.go", i*10, i*10+10, tag+string(rune('a'+i)), 1, 1)
			versions[tag] = append(versions[tag], c)
			want[tag] = append(want[tag], c.ID)
		}
	}
	write := func(tag string) error {
		m := meta("big.go", now)
		m.Checksum = tag
		return s.ReplaceFile(ctx, m, versions[tag], "")
	}
	require.NoError(t, write("x"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tag := "x"
			if i%2 == 1 {
				tag = "y"
			}
			assert.NoError(t, write(tag))
		}
	}()

	for range 100 {
		m, err := s.GetFileMetadata(ctx, "big.go")
		require.NoError(t, err)
		assert.Equal(t, want[m.Checksum], m.ChunkIDs, "checksum %s", m.Checksum)
	}
	close(stop)
	wg.Wait()
}

func TestRenameRemovesOldPath(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()

	require.NoError(t, s.ReplaceFile(ctx, meta("old.md", now), []Chunk{chunk("old.md", 0, 3, "doc")}, ""))
	require.NoError(t, s.ReplaceFile(ctx, meta("new.md", now), []Chunk{chunk("new.md", 0, 3, "doc")}, "old.md"))

	_, err := s.GetFileMetadata(ctx, "old.md")
	assert.ErrorIs(t, err, ErrNotFound)
	old, err := s.GetChunksForFile(ctx, "old.md")
	require.NoError(t, err)
	assert.Empty(t, old)

	got, err := s.GetChunksForFile(ctx, "new.md")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDeleteFileCascades(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.ReplaceFile(ctx, meta("a.py", time.Now()), []Chunk{chunk("a.py", 0, 1, "x", 1)}, ""))

	require.NoError(t, s.DeleteFile(ctx, "a.py"))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Files)
	assert.Zero(t, st.Chunks)
}

func TestDeleteDirectoryRemovesTree(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()
	for _, p := range []string{"pkg/a.go", "pkg/sub/b.go", "pkg.go", "pkgx/c.go"} {
		require.NoError(t, s.ReplaceFile(ctx, meta(p, now), []Chunk{chunk(p, 0, 1, "x", 1)}, ""))
	}

	require.NoError(t, s.DeleteFile(ctx, "pkg"))

	files, err := s.ListFileMetadata(ctx)
	require.NoError(t, err)
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"pkg.go", "pkgx/c.go"}, paths)
}

func TestListChunksIsMetadataOnly(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()
	embedded := chunk("b.py", 0, 4, "body", 1, 0)
	embedded.Summary = "does b"
	require.NoError(t, s.ReplaceFile(ctx, meta("b.py", now), []Chunk{embedded}, ""))
	require.NoError(t, s.ReplaceFile(ctx, meta("a.py", now), []Chunk{chunk("a.py", 0, 4, "bare")}, ""))

	got, err := s.ListChunks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.py", got[0].FilePath)
	assert.False(t, got[0].HasSummary)
	assert.False(t, got[0].HasEmbedding)
	assert.Equal(t, embedded.ID, got[1].ID)
	assert.True(t, got[1].HasSummary)
	assert.True(t, got[1].HasEmbedding)

	got, err = s.ListChunks(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUpsertChunksIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.UpsertFileMetadata(ctx, meta("a.py", time.Now())))

	c := chunk("a.py", 0, 4, "body", 1, 2)
	require.NoError(t, s.UpsertChunks(ctx, []Chunk{c}))
	c.Summary = "does things"
	require.NoError(t, s.UpsertChunks(ctx, []Chunk{c}))

	got, err := s.GetChunksForFile(ctx, "a.py")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "does things", got[0].Summary)

	require.NoError(t, s.DeleteChunksByFile(ctx, "a.py"))
	got, err = s.GetChunksForFile(ctx, "a.py")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchOrderingAndTies(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()

	same1 := chunk("a.py", 0, 1, "a", 1, 0)
	same2 := chunk("b.py", 0, 1, "b", 1, 0)
	far := chunk("c.py", 0, 1, "c", 0, 1)
	otherDim := chunk("d.py", 0, 1, "d", 1, 0, 0)
	for _, c := range []Chunk{same1, same2, far, otherDim} {
		require.NoError(t, s.ReplaceFile(ctx, meta(c.FilePath, now), []Chunk{c}, ""))
	}

	hits, err := s.SearchByEmbedding(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3, "vectors of another dimension are skipped")

	first, second := same1.ID, same2.ID
	if second < first {
		first, second = second, first
	}
	assert.Equal(t, first, hits[0].Chunk.ID)
	assert.Equal(t, second, hits[1].Chunk.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, far.ID, hits[2].Chunk.ID)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-6)

	hits, err = s.SearchByEmbedding(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = s.SearchByEmbedding(ctx, []float32{0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "a zero query matches nothing")
}

func TestMinMtimeAndMissingEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, ok, err := s.MinMtime(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	early := time.Unix(1_600_000_000, 0)
	require.NoError(t, s.ReplaceFile(ctx, meta("a.py", early.Add(time.Hour)), []Chunk{chunk("a.py", 0, 1, "x", 1)}, ""))
	require.NoError(t, s.ReplaceFile(ctx, meta("b.md", early), []Chunk{chunk("b.md", 0, 1, "y")}, ""))

	oldest, ok, err := s.MinMtime(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, early.UnixNano(), oldest.UnixNano())

	missing, err := s.FilesMissingEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.md"}, missing)
}

func TestModuleInputsAndSummaries(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()

	c := chunk("pkg/a.go", 0, 1, "x")
	c.Summary = "parses input"
	require.NoError(t, s.ReplaceFile(ctx, meta("pkg/a.go", now), []Chunk{c}, ""))
	require.NoError(t, s.ReplaceFile(ctx, meta("pkg/b.go", now), nil, ""))
	require.NoError(t, s.ReplaceFile(ctx, meta("README.md", now), nil, ""))

	in, err := s.ModuleInputs(ctx)
	require.NoError(t, err)
	require.Len(t, in, 2)
	byPath := map[string]ModuleInput{}
	for _, m := range in {
		byPath[m.ModulePath] = m
	}
	assert.Equal(t, []string{"README.md"}, byPath["."].Files)
	assert.Equal(t, []string{"pkg/a.go", "pkg/b.go"}, byPath["pkg"].Files)
	assert.Equal(t, []string{"parses input"}, byPath["pkg"].Notes)

	require.NoError(t, s.ReplaceModuleSummaries(ctx, []ModuleSummary{
		{ModulePath: "pkg", FileCount: 2, AggregateSummary: "parsing"},
	}))
	mods, err := s.ListModuleSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "parsing", mods[0].AggregateSummary)
}

func TestEnsureFormatWipesOnModelChange(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	wiped, err := s.EnsureFormat(ctx, "model-a")
	require.NoError(t, err)
	assert.False(t, wiped)
	require.NoError(t, s.ReplaceFile(ctx, meta("a.py", time.Now()), []Chunk{chunk("a.py", 0, 1, "x", 1)}, ""))

	wiped, err = s.EnsureFormat(ctx, "model-a")
	require.NoError(t, err)
	assert.False(t, wiped)

	wiped, err = s.EnsureFormat(ctx, "model-b")
	require.NoError(t, err)
	assert.True(t, wiped)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Files)

	alg, err := s.GetMeta(ctx, MetaChecksumAlgorithm)
	require.NoError(t, err)
	assert.Equal(t, ChecksumAlgorithm, alg)
}
