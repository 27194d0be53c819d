package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tributary/internal/changes"
	"tributary/internal/chunker"
	"tributary/internal/embedder"
	"tributary/internal/events"
	"tributary/internal/llm"
	"tributary/internal/llmlock"
	"tributary/internal/metrics"
	"tributary/internal/resilience"
	"tributary/internal/store"
)

// enrichContentLimit bounds the chunk text sent to the local LLM.
const enrichContentLimit = 1000

const enrichPrompt = `You are analyzing a code/documentation chunk.

File: %s
Type: %s

Content:
` + "```\n%s\n```" + `

Provide a brief analysis:
Summary: <1-2 sentences>
Purpose: <what does it do?>

Keep it concise and factual.`

// stages holds the dependencies of the processing stages. Each method is
// a pipeline.ProcessFunc.
type stages struct {
	cfg       Config
	rules     *changes.Rules
	chunker   *chunker.Chunker
	store     store.Store
	lock      llmlock.Lock
	embedder  embedder.Embedder
	generator llm.Generator
	publisher events.Publisher
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	logger    *slog.Logger

	filesIndexed  atomic.Int64
	filesDeleted  atomic.Int64
	chunksWritten atomic.Int64
}

func (s *stages) classOf(path string) Class {
	switch {
	case chunker.IsDoc(path):
		return ClassDoc
	case s.chunker.IsCode(path):
		return ClassCode
	}
	return ClassOther
}

// accept is the file predicate shared with the change detector.
func (s *stages) accept(path string) bool {
	return s.classOf(path) != ClassOther
}

// classify resolves the record against the filesystem. Files that vanished
// become deletions; files that are no longer indexable and were indexed
// before are removed.
func (s *stages) classify(ctx context.Context, rec changes.Record) (*Work, bool, error) {
	if rec.Kind == changes.KindDeleted {
		return &Work{Record: rec}, true, nil
	}

	info, err := os.Lstat(rec.AbsPath)
	if errors.Is(err, fs.ErrNotExist) {
		rec.Kind = changes.KindDeleted
		return &Work{Record: rec}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat %s: %w", rec.Path, err)
	}

	class := s.classOf(rec.Path)
	if !info.Mode().IsRegular() || class == ClassOther || s.rules.SkipFile(rec.Path, info.Size()) {
		return s.forget(ctx, rec)
	}

	src, err := os.ReadFile(rec.AbsPath)
	if errors.Is(err, fs.ErrNotExist) {
		rec.Kind = changes.KindDeleted
		return &Work{Record: rec}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", rec.Path, err)
	}

	lang := s.chunker.Language(rec.Path)
	return &Work{
		Record:   rec,
		Class:    class,
		Language: lang,
		Source:   src,
		Meta: store.FileMetadata{
			Path:      rec.Path,
			Mtime:     info.ModTime(),
			Checksum:  store.Checksum(src),
			SizeBytes: int64(len(src)),
			Language:  lang,
		},
	}, true, nil
}

// forget turns a record for a file that should not be indexed into a
// deletion when there is something stored to delete, and drops it otherwise.
func (s *stages) forget(ctx context.Context, rec changes.Record) (*Work, bool, error) {
	if rec.Kind == changes.KindRenamed {
		rec.Path, rec.OldPath = rec.OldPath, ""
		rec.Kind = changes.KindDeleted
		return &Work{Record: rec}, true, nil
	}
	_, err := s.store.GetFileMetadata(ctx, rec.Path)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec.Kind = changes.KindDeleted
	return &Work{Record: rec}, true, nil
}

func (s *stages) chunk(ctx context.Context, w *Work) (*Work, bool, error) {
	if w.deleted() {
		return w, true, nil
	}
	raw, err := s.chunker.Chunk(ctx, w.Record.Path, w.Source)
	if err != nil {
		return nil, false, fmt.Errorf("chunk %s: %w", w.Record.Path, err)
	}

	kind := store.KindCode
	if w.Class == ClassDoc {
		kind = store.KindDoc
	}
	w.Chunks = make([]store.Chunk, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, rc := range raw {
		r := store.ByteRange{Start: rc.StartByte, End: rc.EndByte}
		id := store.ChunkID(w.Record.Path, r, rc.Content)
		if seen[id] {
			continue
		}
		seen[id] = true
		w.Chunks = append(w.Chunks, store.Chunk{
			ID:        id,
			FilePath:  w.Record.Path,
			Range:     r,
			StartLine: rc.StartLine,
			EndLine:   rc.EndLine,
			Kind:      kind,
			Name:      rc.Name,
			Language:  w.Language,
			Text:      rc.Content,
		})
	}
	w.Source = nil
	return w, true, nil
}

// waitForLLM reports whether the LLM lock is free within maxWait.
func (s *stages) waitForLLM(ctx context.Context, stage string, maxWait time.Duration) bool {
	st, err := s.lock.Status(ctx)
	if err == nil && !st.Locked {
		s.lockOutcome(stage, "free")
		return true
	}
	free, _ := llmlock.WaitUnlocked(ctx, s.lock, maxWait, s.cfg.LockCheckInterval)
	if free {
		s.lockOutcome(stage, "acquired_after_wait")
	} else {
		s.lockOutcome(stage, "gave_up")
		s.logger.Debug("llm busy, degrading", "stage", stage)
	}
	return free
}

func (s *stages) lockOutcome(stage, outcome string) {
	if s.metrics != nil {
		s.metrics.LockWaits.WithLabelValues(stage, outcome).Inc()
	}
}

// enrich asks the LLM for a summary and purpose of each chunk. It is best
// effort: a held lock or an LLM error leaves the remaining chunks as they are.
func (s *stages) enrich(ctx context.Context, w *Work) (*Work, bool, error) {
	if w.deleted() || !s.cfg.EnrichEnabled || s.generator == nil || len(w.Chunks) == 0 {
		return w, true, nil
	}
	if !s.waitForLLM(ctx, "enrich", s.cfg.EnrichLockWait) {
		return w, true, nil
	}

	for i := range w.Chunks {
		c := &w.Chunks[i]
		if i > 0 {
			// The agent may have taken the LLM while this file was in progress.
			if st, err := s.lock.Status(ctx); err != nil || st.Locked {
				break
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return w, true, nil
		}
		content := c.Text
		if len(content) > enrichContentLimit {
			content = truncateUTF8(content, enrichContentLimit)
		}
		reply, err := s.generator.Generate(ctx, []llm.Message{
			{Role: "user", Content: fmt.Sprintf(enrichPrompt, c.FilePath, c.Kind, content)},
		})
		if err != nil {
			s.logger.Warn("enrichment failed, continuing without", "path", w.Record.Path, "error", err)
			break
		}
		c.Summary, c.Purpose = parseEnrichment(reply)
	}
	return w, true, nil
}

// parseEnrichment extracts the Summary and Purpose sections of a reply.
// Without a recognizable summary the start of the reply is used.
func parseEnrichment(reply string) (summary, purpose string) {
	var summaryLines, purposeLines []string
	section := ""
	for _, line := range strings.Split(strings.TrimSpace(reply), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		label := strings.ToLower(strings.TrimLeft(line, "0123456789.-*#) "))
		switch {
		case strings.HasPrefix(label, "summary"):
			section = "summary"
			line = afterLabel(line)
		case strings.HasPrefix(label, "purpose"):
			section = "purpose"
			line = afterLabel(line)
		}
		if line == "" {
			continue
		}
		switch section {
		case "summary":
			summaryLines = append(summaryLines, line)
		case "purpose":
			purposeLines = append(purposeLines, line)
		}
	}

	summary = strings.Join(summaryLines, " ")
	if summary == "" {
		summary = truncateUTF8(strings.TrimSpace(reply), 200)
	}
	return summary, strings.Join(purposeLines, " ")
}

func afterLabel(line string) string {
	i := strings.Index(line, ":")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(strings.Trim(line[i+1:], "* "))
}

// embed attaches vectors to the chunks. A held lock or an embedder error
// lets the file through without embeddings; the next scan backfills it.
func (s *stages) embed(ctx context.Context, w *Work) (*Work, bool, error) {
	if w.deleted() || s.embedder == nil || len(w.Chunks) == 0 {
		return w, true, nil
	}
	if !s.waitForLLM(ctx, "embed", s.cfg.EmbedLockWait) {
		return w, true, nil
	}

	batch := s.cfg.EmbedBatchSize
	for start := 0; start < len(w.Chunks); start += batch {
		end := min(start+batch, len(w.Chunks))
		texts := make([]string, 0, end-start)
		for _, c := range w.Chunks[start:end] {
			texts = append(texts, chunker.EmbeddingInput(c.FilePath, c.Language, string(c.Kind), c.Name, c.Text))
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			s.logger.Warn("embedding failed, storing without", "path", w.Record.Path, "error", err)
			break
		}
		for i, v := range vectors {
			if zeroVector(v) {
				s.logger.Warn("embedder returned a zero vector", "chunk", w.Chunks[start+i].ID)
				continue
			}
			w.Chunks[start+i].Embedding = v
		}
	}
	return w, true, nil
}

func zeroVector(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum) == 0
}

// persist writes or removes the file in one store transaction, retrying
// transient failures. After the last attempt the previous state stays.
func (s *stages) persist(ctx context.Context, w *Work) (struct{}, bool, error) {
	rec := w.Record
	write := func() error {
		if w.deleted() {
			if err := s.store.DeleteFile(ctx, rec.Path); err != nil {
				return err
			}
			if rec.OldPath != "" {
				return s.store.DeleteFile(ctx, rec.OldPath)
			}
			return nil
		}
		oldPath := ""
		if rec.Kind == changes.KindRenamed {
			oldPath = rec.OldPath
		}
		w.Meta.IndexedAt = time.Now()
		return s.store.ReplaceFile(ctx, w.Meta, w.Chunks, oldPath)
	}

	if err := resilience.Retry(ctx, "persist "+rec.Path, s.cfg.Retry, write); err != nil {
		if s.metrics != nil {
			s.metrics.StoreRetries.Inc()
		}
		return struct{}{}, false, fmt.Errorf("persist %s: %w", rec.Path, err)
	}

	ev := events.Event{Path: rec.Path, OldPath: rec.OldPath, At: time.Now()}
	if w.deleted() {
		s.filesDeleted.Add(1)
		ev.Type = events.FileDeleted
	} else {
		s.filesIndexed.Add(1)
		s.chunksWritten.Add(int64(len(w.Chunks)))
		ev.Type = events.FileIndexed
		ev.Chunks = len(w.Chunks)
		ev.Embedded = w.embedded()
		ev.Enriched = w.enriched()
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("publish event failed", "path", rec.Path, "error", err)
		}
	}
	s.logger.Debug("persisted", "path", rec.Path, "kind", rec.Kind, "chunks", len(w.Chunks))
	return struct{}{}, true, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
