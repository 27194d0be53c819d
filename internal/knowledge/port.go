// Package knowledge is the read-only, size-bounded query surface over the
// index. Every response it returns marshals to at most MaxBytes of JSON.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"tributary/internal/embedder"
	"tributary/internal/logging"
	"tributary/internal/metrics"
	"tributary/internal/store"
)

const (
	// DefaultMaxBytes is the response ceiling (50 KiB).
	DefaultMaxBytes = 50 * 1024
	DefaultTopK     = 5
	MaxTopK         = 1000
	// MaxQueryChars bounds the query text sent to the embedder.
	MaxQueryChars = 500
)

var (
	ErrEmptyQuery = errors.New("knowledge: empty query")
	ErrNoEmbedder = errors.New("knowledge: no embedder configured")
	errBadCeiling = errors.New("knowledge: ceiling smaller than an empty response")
)

// Reader is the part of the store the port reads from.
type Reader interface {
	SearchByEmbedding(ctx context.Context, query []float32, topK int) ([]store.SearchHit, error)
	GetFileMetadata(ctx context.Context, filePath string) (store.FileMetadata, error)
	GetChunksForFile(ctx context.Context, filePath string) ([]store.Chunk, error)
	ListModuleSummaries(ctx context.Context) ([]store.ModuleSummary, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Item is one chunk as served to the agent.
type Item struct {
	ChunkID    string          `json:"chunk_id"`
	FilePath   string          `json:"file_path"`
	ByteRange  store.ByteRange `json:"byte_range"`
	StartLine  int             `json:"start_line"`
	EndLine    int             `json:"end_line"`
	Kind       store.ChunkKind `json:"kind"`
	Name       string          `json:"name,omitempty"`
	Language   string          `json:"language,omitempty"`
	Content    string          `json:"content"`
	Summary    string          `json:"summary,omitempty"`
	Purpose    string          `json:"purpose,omitempty"`
	Similarity float64         `json:"similarity,omitempty"`
	Truncated  bool            `json:"truncated,omitempty"`
}

// SearchResponse is returned by Search and SearchText. Total is the number
// of hits found before the ceiling was applied.
type SearchResponse struct {
	Query     string `json:"query,omitempty"`
	TopK      int    `json:"top_k"`
	Total     int    `json:"total"`
	Truncated bool   `json:"truncated"`
	Items     []Item `json:"items"`
}

// FileContextResponse is returned by FileContext.
type FileContextResponse struct {
	FilePath  string    `json:"file_path"`
	Language  string    `json:"language,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
	IndexedAt time.Time `json:"indexed_at"`
	Total     int       `json:"total"`
	Truncated bool      `json:"truncated"`
	Items     []Item    `json:"items"`
}

// Module is one module summary in an overview.
type Module struct {
	ModulePath string `json:"module_path"`
	FileCount  int    `json:"file_count"`
	Summary    string `json:"summary"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// OverviewResponse is returned by ProjectOverview. It never carries chunk
// content.
type OverviewResponse struct {
	Stats     store.Stats `json:"stats"`
	Total     int         `json:"total"`
	Truncated bool        `json:"truncated"`
	Modules   []Module    `json:"modules"`
}

// Option configures a Port.
type Option func(*Port)

// WithMaxBytes sets the response ceiling.
func WithMaxBytes(n int) Option {
	return func(p *Port) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithEmbedder enables SearchText.
func WithEmbedder(e embedder.Embedder) Option {
	return func(p *Port) { p.embedder = e }
}

// WithMetrics records response sizes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Port) { p.metrics = m }
}

// WithDefaultTopK sets the top_k used when a caller passes zero.
func WithDefaultTopK(k int) Option {
	return func(p *Port) {
		if k > 0 {
			p.defaultTopK = min(k, MaxTopK)
		}
	}
}

// Port answers agent queries against the index.
type Port struct {
	reader      Reader
	embedder    embedder.Embedder
	metrics     *metrics.Metrics
	maxBytes    int
	defaultTopK int
	group       singleflight.Group
	logger      *slog.Logger
}

// New creates a Port over r.
func New(r Reader, opts ...Option) *Port {
	p := &Port{
		reader:      r,
		maxBytes:    DefaultMaxBytes,
		defaultTopK: DefaultTopK,
		logger:      logging.WithComponent("knowledge"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxBytes returns the response ceiling.
func (p *Port) MaxBytes() int { return p.maxBytes }

func (p *Port) topK(k int) int {
	switch {
	case k <= 0:
		return p.defaultTopK
	case k > MaxTopK:
		return MaxTopK
	}
	return k
}

// Search returns the chunks most similar to query, fitted to the ceiling.
func (p *Port) Search(ctx context.Context, query []float32, topK int) (SearchResponse, error) {
	if len(query) == 0 {
		return SearchResponse{}, ErrEmptyQuery
	}
	return p.search(ctx, "", query, p.topK(topK))
}

// SearchText embeds query and searches with the result. Identical queries
// in flight at the same time share one embedding call.
func (p *Port) SearchText(ctx context.Context, query string, topK int) (SearchResponse, error) {
	query = truncateRunes(strings.TrimSpace(query), MaxQueryChars)
	if query == "" {
		return SearchResponse{}, ErrEmptyQuery
	}
	if p.embedder == nil {
		return SearchResponse{}, ErrNoEmbedder
	}
	v, err, shared := p.group.Do(query, func() (any, error) {
		vecs, err := p.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
		}
		return vecs[0], nil
	})
	if err != nil {
		return SearchResponse{}, fmt.Errorf("embed query: %w", err)
	}
	if shared {
		p.logger.Debug("query embedding shared", "query_len", len(query))
	}
	return p.search(ctx, query, v.([]float32), p.topK(topK))
}

func (p *Port) search(ctx context.Context, text string, query []float32, topK int) (SearchResponse, error) {
	hits, err := p.reader.SearchByEmbedding(ctx, query, topK)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("search: %w", err)
	}
	resp := SearchResponse{Query: text, TopK: topK, Total: len(hits), Items: []Item{}}
	b, err := newBudget(p.maxBytes, resp)
	if err != nil {
		return SearchResponse{}, err
	}
	for _, h := range hits {
		it := itemFrom(h.Chunk)
		it.Similarity = h.Score
		fitted, ok := b.fitItem(it)
		if !ok {
			break
		}
		resp.Items = append(resp.Items, fitted)
		if fitted.Truncated {
			break
		}
	}
	resp.Truncated = len(resp.Items) < len(hits) || b.truncated
	p.observe("search", resp)
	return resp, nil
}

// FileContext returns the chunks of one file in byte order, fitted to the
// ceiling. Unknown paths return store.ErrNotFound.
func (p *Port) FileContext(ctx context.Context, filePath string) (FileContextResponse, error) {
	meta, err := p.reader.GetFileMetadata(ctx, filePath)
	if err != nil {
		return FileContextResponse{}, fmt.Errorf("file %s: %w", filePath, err)
	}
	chunks, err := p.reader.GetChunksForFile(ctx, filePath)
	if err != nil {
		return FileContextResponse{}, fmt.Errorf("chunks of %s: %w", filePath, err)
	}
	resp := FileContextResponse{
		FilePath:  meta.Path,
		Language:  meta.Language,
		SizeBytes: meta.SizeBytes,
		Checksum:  meta.Checksum,
		IndexedAt: meta.IndexedAt,
		Total:     len(chunks),
		Items:     []Item{},
	}
	b, err := newBudget(p.maxBytes, resp)
	if err != nil {
		return FileContextResponse{}, err
	}
	for _, c := range chunks {
		fitted, ok := b.fitItem(itemFrom(c))
		if !ok {
			break
		}
		resp.Items = append(resp.Items, fitted)
		if fitted.Truncated {
			break
		}
	}
	resp.Truncated = len(resp.Items) < len(chunks) || b.truncated
	p.observe("file_context", resp)
	return resp, nil
}

// ProjectOverview returns module summaries and index statistics.
func (p *Port) ProjectOverview(ctx context.Context) (OverviewResponse, error) {
	stats, err := p.reader.Stats(ctx)
	if err != nil {
		return OverviewResponse{}, fmt.Errorf("stats: %w", err)
	}
	mods, err := p.reader.ListModuleSummaries(ctx)
	if err != nil {
		return OverviewResponse{}, fmt.Errorf("module summaries: %w", err)
	}
	resp := OverviewResponse{Stats: stats, Total: len(mods), Modules: []Module{}}
	b, err := newBudget(p.maxBytes, resp)
	if err != nil {
		return OverviewResponse{}, err
	}
	for _, m := range mods {
		fitted, ok := b.fitModule(Module{ModulePath: m.ModulePath, FileCount: m.FileCount, Summary: m.AggregateSummary})
		if !ok {
			break
		}
		resp.Modules = append(resp.Modules, fitted)
		if fitted.Truncated {
			break
		}
	}
	resp.Truncated = len(resp.Modules) < len(mods) || b.truncated
	p.observe("overview", resp)
	return resp, nil
}

func (p *Port) observe(op string, resp any) {
	if p.metrics == nil {
		return
	}
	if n, err := jsonSize(resp); err == nil {
		p.metrics.KnowledgeResponse.WithLabelValues(op).Observe(float64(n))
	}
}

func itemFrom(c store.Chunk) Item {
	return Item{
		ChunkID:   c.ID,
		FilePath:  c.FilePath,
		ByteRange: c.Range,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		Kind:      c.Kind,
		Name:      c.Name,
		Language:  c.Language,
		Content:   c.Text,
		Summary:   c.Summary,
		Purpose:   c.Purpose,
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func jsonSize(v any) (int, error) {
	b, err := json.Marshal(v)
	return len(b), err
}
