package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Meta keys that guard the persisted format.
const (
	MetaChecksumAlgorithm = "checksum_algorithm"
	MetaEmbeddingModel    = "embedding_model"
)

// ErrNotFound is returned when a file has no stored metadata.
var ErrNotFound = errors.New("store: not found")

// Store provides persistence for indexed files, chunks, embeddings and
// module summaries.
type Store interface {
	// UpsertChunks writes chunks keyed by chunk_id; writing the same chunk
	// twice leaves one row.
	UpsertChunks(ctx context.Context, chunks []Chunk) error
	DeleteChunksByFile(ctx context.Context, filePath string) error
	UpsertFileMetadata(ctx context.Context, meta FileMetadata) error
	// GetFileMetadata returns ErrNotFound for unknown paths.
	GetFileMetadata(ctx context.Context, filePath string) (FileMetadata, error)
	ListFileMetadata(ctx context.Context) ([]FileMetadata, error)
	// MinMtime returns the oldest stored mtime, or ok=false for an empty store.
	MinMtime(ctx context.Context) (t time.Time, ok bool, err error)
	// ReplaceFile swaps a file's chunks and metadata in one transaction.
	// A non-empty oldPath is removed in the same transaction (rename).
	ReplaceFile(ctx context.Context, meta FileMetadata, chunks []Chunk, oldPath string) error
	DeleteFile(ctx context.Context, filePath string) error
	// SearchByEmbedding ranks stored chunks by cosine similarity, ties
	// broken by ascending chunk_id.
	SearchByEmbedding(ctx context.Context, query []float32, topK int) ([]SearchHit, error)
	GetChunksForFile(ctx context.Context, filePath string) ([]Chunk, error)
	// ListChunks returns chunk metadata in path order, without content.
	ListChunks(ctx context.Context, limit int) ([]ChunkInfo, error)
	FilesMissingEmbeddings(ctx context.Context) ([]string, error)
	ModuleInputs(ctx context.Context) ([]ModuleInput, error)
	ReplaceModuleSummaries(ctx context.Context, summaries []ModuleSummary) error
	ListModuleSummaries(ctx context.Context) ([]ModuleSummary, error)
	Stats(ctx context.Context) (Stats, error)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	// EnsureFormat wipes the index when the checksum algorithm or embedding
	// model recorded in meta differs from the running one.
	EnsureFormat(ctx context.Context, embeddingModel string) (wiped bool, err error)
	Ping(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store backed by SQLite + sqlite-vec.
type SQLiteStore struct {
	db *sql.DB
	// mu serializes writers; SQLite allows one at a time.
	mu sync.Mutex

	// beforeInsert runs inside ReplaceFile after the old rows are gone.
	beforeInsert func() error
}

// Open creates or opens a SQLite database at the given path and initializes the schema.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := Init(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const chunkColumns = `chunk_id, file_path, start_byte, end_byte, start_line, end_line,
	kind, name, language, content, summary, purpose`

type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(row scanner, extra ...any) (Chunk, error) {
	var c Chunk
	var kind string
	dest := []any{
		&c.ID, &c.FilePath, &c.Range.Start, &c.Range.End, &c.StartLine, &c.EndLine,
		&kind, &c.Name, &c.Language, &c.Text, &c.Summary, &c.Purpose,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Chunk{}, err
	}
	c.Kind = ChunkKind(kind)
	return c, nil
}

// embeddingBlob serializes v for storage. Empty and zero-norm vectors are
// stored as NULL so they never take part in cosine search.
func embeddingBlob(v []float32) (any, error) {
	if norm(v) == 0 {
		return nil, nil
	}
	return sqlite_vec.SerializeFloat32(v)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func upsertChunks(ctx context.Context, tx *sql.Tx, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			file_path = excluded.file_path,
			start_byte = excluded.start_byte,
			end_byte = excluded.end_byte,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			kind = excluded.kind,
			name = excluded.name,
			language = excluded.language,
			content = excluded.content,
			summary = excluded.summary,
			purpose = excluded.purpose,
			embedding = excluded.embedding`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		blob, err := embeddingBlob(c.Embedding)
		if err != nil {
			return fmt.Errorf("serialize embedding for chunk %s: %w", c.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			c.ID, c.FilePath, c.Range.Start, c.Range.End, c.StartLine, c.EndLine,
			string(c.Kind), c.Name, c.Language, c.Text, c.Summary, c.Purpose, blob,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func upsertFile(ctx context.Context, tx *sql.Tx, meta FileMetadata) error {
	indexed := meta.IndexedAt
	if indexed.IsZero() {
		indexed = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, mtime_ns, checksum, size_bytes, language, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			mtime_ns = excluded.mtime_ns,
			checksum = excluded.checksum,
			size_bytes = excluded.size_bytes,
			language = excluded.language,
			indexed_at = excluded.indexed_at`,
		meta.Path, meta.Mtime.UnixNano(), meta.Checksum, meta.SizeBytes, meta.Language, indexed.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE file_path = ?", filePath)
	return err
}

func (s *SQLiteStore) UpsertFileMetadata(ctx context.Context, meta FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertFile(ctx, tx, meta); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReplaceFile(ctx context.Context, meta FileMetadata, chunks []Chunk, oldPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if oldPath != "" && oldPath != meta.Path {
		if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", oldPath); err != nil {
			return fmt.Errorf("drop renamed file %s: %w", oldPath, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_path = ?", meta.Path); err != nil {
		return fmt.Errorf("drop chunks of %s: %w", meta.Path, err)
	}
	if s.beforeInsert != nil {
		if err := s.beforeInsert(); err != nil {
			return err
		}
	}
	if err := upsertFile(ctx, tx, meta); err != nil {
		return fmt.Errorf("write metadata of %s: %w", meta.Path, err)
	}
	if err := upsertChunks(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Chunks go with the file through the foreign key. A removed directory
	// takes every file below it.
	dir := strings.TrimSuffix(filePath, "/")
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM files WHERE path = ? OR (path >= ? AND path < ?)",
		filePath, dir+"/", dir+"0")
	return err
}

func (s *SQLiteStore) GetFileMetadata(ctx context.Context, filePath string) (FileMetadata, error) {
	// Both reads share one snapshot so a concurrent ReplaceFile cannot pair
	// old metadata with new chunk ids.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FileMetadata{}, err
	}
	defer tx.Rollback()

	var m FileMetadata
	var mtime, indexed int64
	err = tx.QueryRowContext(ctx,
		"SELECT path, mtime_ns, checksum, size_bytes, language, indexed_at FROM files WHERE path = ?",
		filePath,
	).Scan(&m.Path, &mtime, &m.Checksum, &m.SizeBytes, &m.Language, &indexed)
	if errors.Is(err, sql.ErrNoRows) {
		return FileMetadata{}, ErrNotFound
	}
	if err != nil {
		return FileMetadata{}, err
	}
	m.Mtime = time.Unix(0, mtime)
	m.IndexedAt = time.Unix(0, indexed)

	rows, err := tx.QueryContext(ctx,
		"SELECT chunk_id FROM chunks WHERE file_path = ? ORDER BY start_byte, chunk_id", filePath)
	if err != nil {
		return FileMetadata{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return FileMetadata{}, err
		}
		m.ChunkIDs = append(m.ChunkIDs, id)
	}
	return m, rows.Err()
}

// ListFileMetadata returns every file row ordered by path. ChunkIDs are
// left empty; use GetFileMetadata for a single file's chunk list.
func (s *SQLiteStore) ListFileMetadata(ctx context.Context) ([]FileMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, mtime_ns, checksum, size_bytes, language, indexed_at FROM files ORDER BY path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileMetadata
	for rows.Next() {
		var m FileMetadata
		var mtime, indexed int64
		if err := rows.Scan(&m.Path, &mtime, &m.Checksum, &m.SizeBytes, &m.Language, &indexed); err != nil {
			return nil, err
		}
		m.Mtime = time.Unix(0, mtime)
		m.IndexedAt = time.Unix(0, indexed)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MinMtime(ctx context.Context) (time.Time, bool, error) {
	var ns sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(mtime_ns) FROM files").Scan(&ns); err != nil {
		return time.Time{}, false, err
	}
	if !ns.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns.Int64), true, nil
}

func (s *SQLiteStore) SearchByEmbedding(ctx context.Context, query []float32, topK int) ([]SearchHit, error) {
	if topK <= 0 || norm(query) == 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`, vec_distance_cosine(embedding, ?) AS distance
		FROM chunks
		WHERE embedding IS NOT NULL AND vec_length(embedding) = ?
		ORDER BY distance ASC, chunk_id ASC
		LIMIT ?`,
		blob, len(query), topK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var distance float64
		c, err := scanChunk(rows, &distance)
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Chunk: c, Score: 1 - distance})
	}
	return hits, rows.Err()
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetChunksForFile(ctx context.Context, filePath string) ([]Chunk, error) {
	return s.queryChunks(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE file_path = ? ORDER BY start_byte, chunk_id",
		filePath)
}

func (s *SQLiteStore) ListChunks(ctx context.Context, limit int) ([]ChunkInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, file_path, start_line, end_line, kind, name, language,
		       summary != '', embedding IS NOT NULL
		FROM chunks ORDER BY file_path, start_byte LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChunkInfo
	for rows.Next() {
		var c ChunkInfo
		var kind string
		if err := rows.Scan(&c.ID, &c.FilePath, &c.StartLine, &c.EndLine, &kind, &c.Name, &c.Language,
			&c.HasSummary, &c.HasEmbedding); err != nil {
			return nil, err
		}
		c.Kind = ChunkKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FilesMissingEmbeddings(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT file_path FROM chunks WHERE embedding IS NULL ORDER BY file_path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ModulePath is the module a workspace-relative file belongs to: its
// directory, with "." for the root.
func ModulePath(filePath string) string {
	return path.Dir(filePath)
}

func (s *SQLiteStore) ModuleInputs(ctx context.Context) ([]ModuleInput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.path, COALESCE(c.summary, ''), COALESCE(c.purpose, '')
		FROM files f
		LEFT JOIN chunks c ON c.file_path = f.path
		ORDER BY f.path, c.start_byte`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModuleInput
	index := map[string]int{}
	lastFile := ""
	for rows.Next() {
		var filePath, summary, purpose string
		if err := rows.Scan(&filePath, &summary, &purpose); err != nil {
			return nil, err
		}
		mod := ModulePath(filePath)
		i, ok := index[mod]
		if !ok {
			i = len(out)
			index[mod] = i
			out = append(out, ModuleInput{ModulePath: mod})
		}
		if filePath != lastFile {
			out[i].Files = append(out[i].Files, filePath)
			lastFile = filePath
		}
		for _, note := range []string{summary, purpose} {
			if note = strings.TrimSpace(note); note != "" {
				out[i].Notes = append(out[i].Notes, note)
			}
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplaceModuleSummaries(ctx context.Context, summaries []ModuleSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM module_summaries"); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO module_summaries (module_path, file_count, aggregate_summary, updated_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, m := range summaries {
		updated := m.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx, m.ModulePath, m.FileCount, m.AggregateSummary, updated.UnixNano()); err != nil {
			return fmt.Errorf("insert module %s: %w", m.ModulePath, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListModuleSummaries(ctx context.Context) ([]ModuleSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT module_path, file_count, aggregate_summary, updated_at FROM module_summaries ORDER BY module_path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModuleSummary
	for rows.Next() {
		var m ModuleSummary
		var updated int64
		if err := rows.Scan(&m.ModulePath, &m.FileCount, &m.AggregateSummary, &updated); err != nil {
			return nil, err
		}
		m.UpdatedAt = time.Unix(0, updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM files),
			(SELECT COUNT(*) FROM chunks),
			(SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL),
			(SELECT COUNT(*) FROM chunks WHERE summary != ''),
			(SELECT COUNT(*) FROM module_summaries),
			(SELECT MAX(indexed_at) FROM files)`,
	).Scan(&st.Files, &st.Chunks, &st.EmbeddedChunks, &st.EnrichedChunks, &st.Modules, &last)
	if err != nil {
		return Stats{}, err
	}
	if last.Valid {
		st.LastIndexedAt = time.Unix(0, last.Int64)
	}
	return st, nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

func (s *SQLiteStore) EnsureFormat(ctx context.Context, embeddingModel string) (bool, error) {
	want := map[string]string{
		MetaChecksumAlgorithm: ChecksumAlgorithm,
		MetaEmbeddingModel:    embeddingModel,
	}
	wipe := false
	for key, value := range want {
		stored, err := s.GetMeta(ctx, key)
		if err != nil {
			return false, err
		}
		if value != "" && stored != "" && stored != value {
			wipe = true
		}
	}
	if wipe {
		if err := s.deleteAll(ctx); err != nil {
			return false, fmt.Errorf("wipe index: %w", err)
		}
	}
	for key, value := range want {
		if value == "" {
			continue
		}
		if err := s.SetMeta(ctx, key, value); err != nil {
			return wipe, err
		}
	}
	return wipe, nil
}

func (s *SQLiteStore) deleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{"DELETE FROM chunks", "DELETE FROM files", "DELETE FROM module_summaries"} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
