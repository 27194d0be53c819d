// Package api is the HTTP surface used by the external agent: the LLM lock,
// knowledge queries and indexer status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tributary/internal/changes"
	"tributary/internal/health"
	"tributary/internal/index"
	"tributary/internal/knowledge"
	"tributary/internal/llmlock"
	"tributary/internal/logging"
	"tributary/internal/store"
)

const (
	defaultChunkLimit = 50
	maxChunkLimit     = 500
	maxBodyBytes      = 1 << 20
)

// Indexer is the part of the indexer the API drives.
type Indexer interface {
	RunScan(ctx context.Context) (changes.ScanReport, error)
	Stats() index.Stats
}

// StoreReader is the part of the store the API reads directly.
type StoreReader interface {
	Stats(ctx context.Context) (store.Stats, error)
	ListChunks(ctx context.Context, limit int) ([]store.ChunkInfo, error)
}

// Handler serves the agent API. Indexer and Health may be nil.
type Handler struct {
	port    *knowledge.Port
	lock    llmlock.Lock
	store   StoreReader
	indexer Indexer
	health  *health.Checker
	logger  *slog.Logger
}

func New(port *knowledge.Port, lock llmlock.Lock, st StoreReader, idx Indexer, checker *health.Checker) *Handler {
	if checker == nil {
		checker = health.NewChecker()
	}
	return &Handler{
		port:    port,
		lock:    lock,
		store:   st,
		indexer: idx,
		health:  checker,
		logger:  logging.WithComponent("api"),
	}
}

// Routes returns the API mux wrapped in request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/system/llm_lock", h.LockStatus)
	mux.HandleFunc("POST /v1/system/llm_lock", h.SetLock)
	mux.HandleFunc("POST /v1/knowledge/search", h.Search)
	mux.HandleFunc("GET /v1/knowledge/file", h.FileContext)
	mux.HandleFunc("GET /v1/knowledge/overview", h.Overview)
	mux.HandleFunc("GET /v1/chunks", h.Chunks)
	mux.HandleFunc("GET /v1/stats", h.Stats)
	mux.HandleFunc("GET /v1/status", h.Status)
	mux.HandleFunc("POST /v1/scan", h.Scan)
	mux.HandleFunc("GET /health", h.health.LiveHandler())
	mux.HandleFunc("GET /ready", h.health.ReadyHandler())
	return h.logRequests(mux)
}

type setLockRequest struct {
	Locked     bool    `json:"locked"`
	TTLSeconds float64 `json:"ttl_seconds"`
	Token      string  `json:"token"`
}

func (h *Handler) SetLock(w http.ResponseWriter, r *http.Request) {
	var req setLockRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TTLSeconds < 0 {
		h.writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	ttl := time.Duration(req.TTLSeconds * float64(time.Second))
	res, err := llmlock.Set(r.Context(), h.lock, req.Locked, ttl, req.Token)
	switch {
	case errors.Is(err, llmlock.ErrHeld):
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "lock_state": res.State})
	case errors.Is(err, llmlock.ErrNotOwner):
		h.writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error(), "lock_state": res.State})
	case err != nil:
		h.logger.Error("set lock failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "lock backend unavailable")
	default:
		h.logger.Info("llm lock changed", "locked", res.State.Locked)
		h.writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) LockStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.lock.Status(r.Context())
	if err != nil {
		h.logger.Error("lock status failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "lock backend unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

type searchRequest struct {
	Query          string    `json:"query"`
	QueryEmbedding []float32 `json:"query_embedding"`
	TopK           int       `json:"top_k"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TopK < 0 {
		h.writeError(w, http.StatusBadRequest, "top_k must not be negative")
		return
	}

	var (
		resp knowledge.SearchResponse
		err  error
	)
	if len(req.QueryEmbedding) > 0 {
		resp, err = h.port.Search(r.Context(), req.QueryEmbedding, req.TopK)
	} else {
		resp, err = h.port.SearchText(r.Context(), req.Query, req.TopK)
	}
	if err != nil {
		h.knowledgeError(w, "search", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) FileContext(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'path' is required")
		return
	}
	resp, err := h.port.FileContext(r.Context(), path)
	if err != nil {
		h.knowledgeError(w, "file context", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	resp, err := h.port.ProjectOverview(r.Context())
	if err != nil {
		h.knowledgeError(w, "overview", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) knowledgeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, knowledge.ErrEmptyQuery):
		h.writeError(w, http.StatusBadRequest, "query or query_embedding is required")
	case errors.Is(err, knowledge.ErrNoEmbedder):
		h.writeError(w, http.StatusServiceUnavailable, "text search needs an embedder")
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "file is not indexed")
	default:
		h.logger.Error(op+" failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// ChunksResponse lists chunk metadata; content is only served by the
// knowledge endpoints. Truncated is set when the listing was cut to stay
// under the knowledge response ceiling.
type ChunksResponse struct {
	Limit     int               `json:"limit"`
	Truncated bool              `json:"truncated"`
	Chunks    []store.ChunkInfo `json:"chunks"`
}

func (h *Handler) Chunks(w http.ResponseWriter, r *http.Request) {
	limit := defaultChunkLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxChunkLimit)
	}
	chunks, err := h.store.ListChunks(r.Context(), limit)
	if err != nil {
		h.logger.Error("list chunks failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list chunks failed")
		return
	}
	h.writeJSON(w, http.StatusOK, listChunks(chunks, limit, h.maxBytes()))
}

func (h *Handler) maxBytes() int {
	if h.port == nil {
		return knowledge.DefaultMaxBytes
	}
	return h.port.MaxBytes()
}

// listChunks keeps chunks until the encoded response would pass ceiling.
// The trailing newline written by the encoder is counted.
func listChunks(chunks []store.ChunkInfo, limit, ceiling int) ChunksResponse {
	resp := ChunksResponse{Limit: limit, Chunks: []store.ChunkInfo{}}
	envelope, _ := json.Marshal(resp)
	used := len(envelope) + 1
	for _, c := range chunks {
		b, err := json.Marshal(c)
		if err != nil {
			continue
		}
		size := len(b)
		if len(resp.Chunks) > 0 {
			size++
		}
		if used+size > ceiling {
			resp.Truncated = true
			break
		}
		used += size
		resp.Chunks = append(resp.Chunks, c)
	}
	return resp
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	out := map[string]any{"store": st}
	if h.indexer != nil {
		out["indexer"] = h.indexer.Stats()
	}
	h.writeJSON(w, http.StatusOK, out)
}

// StatusResponse is served by GET /v1/status.
type StatusResponse struct {
	Lock    llmlock.State `json:"lock"`
	Indexer *index.Stats  `json:"indexer,omitempty"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.lock.Status(r.Context())
	if err != nil {
		h.logger.Error("lock status failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "lock backend unavailable")
		return
	}
	resp := StatusResponse{Lock: st}
	if h.indexer != nil {
		s := h.indexer.Stats()
		resp.Indexer = &s
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	if h.indexer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "indexer is not running")
		return
	}
	report, err := h.indexer.RunScan(r.Context())
	switch {
	case errors.Is(err, index.ErrScanInProgress):
		h.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("manual scan failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "scan failed")
	default:
		h.writeJSON(w, http.StatusOK, report)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
