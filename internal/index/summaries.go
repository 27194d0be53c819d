package index

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tributary/internal/llm"
	"tributary/internal/llmlock"
	"tributary/internal/store"
)

// maxModuleNotes bounds how many chunk notes feed one module summary.
const maxModuleNotes = 12

const modulePrompt = `You are a senior software architect. Based ONLY on the notes below, describe what the module %q does in 2-3 sentences.

Rules:
- ONLY describe what you can directly observe in the notes
- Do NOT guess or infer features that aren't shown
- Do not include code snippets

Files: %s

Notes:
%s`

// Summarizer derives per-directory module summaries from the chunk
// summaries in the store. Summaries are rebuildable and never authoritative.
type Summarizer struct {
	store     store.Store
	generator llm.Generator
	lock      llmlock.Lock
	limiter   *rate.Limiter
	debounce  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	closed   bool
	inflight sync.WaitGroup
	running  sync.Mutex
}

// Trigger schedules a rebuild once no further triggers arrive for the
// debounce period. Triggers after Cancel are ignored.
func (s *Summarizer) Trigger(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		defer s.inflight.Done()

		if ctx.Err() != nil {
			return
		}
		if err := s.Rebuild(ctx); err != nil {
			s.logger.Warn("module summary rebuild failed", "error", err)
		}
	})
}

// Cancel drops a scheduled rebuild, stops later triggers and waits for a
// triggered rebuild that is already running.
func (s *Summarizer) Cancel() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.inflight.Wait()
}

// Rebuild recomputes every module summary. The LLM is used only while the
// lock is free; otherwise, and on any LLM error, the summary is assembled
// from the stored chunk notes.
func (s *Summarizer) Rebuild(ctx context.Context) error {
	s.running.Lock()
	defer s.running.Unlock()

	inputs, err := s.store.ModuleInputs(ctx)
	if err != nil {
		return fmt.Errorf("list modules: %w", err)
	}

	summaries := make([]store.ModuleSummary, 0, len(inputs))
	useLLM := s.generator != nil
	for _, in := range inputs {
		text := deterministicSummary(in)
		if useLLM && len(in.Notes) > 0 {
			if generated, ok := s.generate(ctx, in); ok {
				text = generated
			} else {
				useLLM = false
			}
		}
		summaries = append(summaries, store.ModuleSummary{
			ModulePath:       in.ModulePath,
			FileCount:        len(in.Files),
			AggregateSummary: text,
		})
	}

	if err := s.store.ReplaceModuleSummaries(ctx, summaries); err != nil {
		return fmt.Errorf("write module summaries: %w", err)
	}
	s.logger.Info("module summaries rebuilt", "modules", len(summaries))
	return nil
}

func (s *Summarizer) generate(ctx context.Context, in store.ModuleInput) (string, bool) {
	if s.lock != nil {
		if st, err := s.lock.Status(ctx); err != nil || st.Locked {
			return "", false
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", false
		}
	}
	notes := in.Notes
	if len(notes) > maxModuleNotes {
		notes = notes[:maxModuleNotes]
	}
	prompt := fmt.Sprintf(modulePrompt, in.ModulePath, fileList(in.Files), "- "+strings.Join(notes, "\n- "))
	reply, err := s.generator.Generate(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		s.logger.Debug("module summary generation failed", "module", in.ModulePath, "error", err)
		return "", false
	}
	reply = strings.TrimSpace(reply)
	return reply, reply != ""
}

// deterministicSummary describes a module without the LLM: its files and
// the first few chunk notes.
func deterministicSummary(in store.ModuleInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d files: %s.", len(in.Files), fileList(in.Files))
	notes := in.Notes
	if len(notes) > maxModuleNotes/2 {
		notes = notes[:maxModuleNotes/2]
	}
	for _, n := range notes {
		b.WriteByte(' ')
		b.WriteString(strings.TrimSuffix(n, "."))
		b.WriteByte('.')
	}
	return b.String()
}

func fileList(files []string) string {
	const shown = 8
	names := make([]string, 0, min(len(files), shown))
	for _, f := range files[:min(len(files), shown)] {
		names = append(names, path.Base(f))
	}
	out := strings.Join(names, ", ")
	if len(files) > shown {
		out += fmt.Sprintf(" and %d more", len(files)-shown)
	}
	return out
}
