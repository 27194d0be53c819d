package changes

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"tributary/internal/logging"
	"tributary/internal/store"
)

// MtimeTolerance absorbs filesystem timestamp rounding.
const MtimeTolerance = time.Millisecond

// Index is the part of the knowledge store the scanner reconciles against.
type Index interface {
	MinMtime(ctx context.Context) (time.Time, bool, error)
	ListFileMetadata(ctx context.Context) ([]store.FileMetadata, error)
	FilesMissingEmbeddings(ctx context.Context) ([]string, error)
}

// ScanReport summarises one reconciliation pass.
type ScanReport struct {
	Seen       int           `json:"seen"`
	Discovered int           `json:"discovered"`
	Modified   int           `json:"modified"`
	Deleted    int           `json:"deleted"`
	Unchanged  int           `json:"unchanged"`
	Backfilled int           `json:"backfilled"`
	Watermark  time.Time     `json:"watermark,omitzero"`
	Duration   time.Duration `json:"duration"`
}

// Scanner is the finite Source that reconciles the workspace with the index.
type Scanner struct {
	// Backfill re-emits unchanged files whose chunks have no embeddings.
	Backfill bool
	Origin   Origin

	rules  *Rules
	index  Index
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last ScanReport
}

// NewScanner returns a scanner over rules.Root().
func NewScanner(rules *Rules, index Index) *Scanner {
	return &Scanner{
		rules:    rules,
		index:    index,
		Backfill: true,
		Origin:   OriginScan,
		logger:   logging.WithComponent("scan"),
		now:      time.Now,
	}
}

func (s *Scanner) Name() string { return "scan" }

// Report returns the result of the last completed Run.
func (s *Scanner) Report() ScanReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run walks the workspace once and emits a record for every file whose
// state differs from the index.
func (s *Scanner) Run(ctx context.Context, sink Sink) error {
	report, err := s.Scan(ctx, sink)
	if err == nil {
		s.mu.Lock()
		s.last = report
		s.mu.Unlock()
	}
	return err
}

// Scan is Run returning the report directly.
func (s *Scanner) Scan(ctx context.Context, sink Sink) (ScanReport, error) {
	start := s.now()
	var report ScanReport

	watermark, ok, err := s.index.MinMtime(ctx)
	if err != nil {
		return report, fmt.Errorf("read watermark: %w", err)
	}
	if ok {
		report.Watermark = watermark
	}

	stored, err := s.index.ListFileMetadata(ctx)
	if err != nil {
		return report, fmt.Errorf("list indexed files: %w", err)
	}
	known := make(map[string]store.FileMetadata, len(stored))
	for _, m := range stored {
		known[m.Path] = m
	}

	missing := map[string]bool{}
	if s.Backfill {
		paths, err := s.index.FilesMissingEmbeddings(ctx)
		if err != nil {
			return report, fmt.Errorf("list files missing embeddings: %w", err)
		}
		for _, p := range paths {
			missing[p] = true
		}
	}

	root := s.rules.Root()
	seen := make(map[string]bool, len(stored))
	emit := func(rel, abs string, kind Kind) error {
		return sink(ctx, Record{Path: rel, AbsPath: abs, Kind: kind, ObservedAt: s.now(), Origin: s.Origin})
	}

	err = filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("walk error", "path", abs, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		relOS, _ := filepath.Rel(root, abs)
		rel := filepath.ToSlash(relOS)

		if d.IsDir() {
			if abs != root && s.rules.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if s.rules.SkipFile(rel, info.Size()) {
			return nil
		}

		report.Seen++
		seen[rel] = true

		meta, ok := known[rel]
		switch {
		case !ok:
			report.Discovered++
			return emit(rel, abs, KindDiscovered)
		case !sameMtime(meta.Mtime, info.ModTime()):
			report.Modified++
			return emit(rel, abs, KindModified)
		}

		sum, err := ChecksumFile(abs)
		if err != nil {
			s.logger.Debug("checksum failed", "path", rel, "error", err)
			return nil
		}
		switch {
		case sum != meta.Checksum:
			report.Modified++
			return emit(rel, abs, KindModified)
		case missing[rel]:
			report.Backfilled++
			return emit(rel, abs, KindModified)
		}
		report.Unchanged++
		return nil
	})
	if err != nil {
		return report, err
	}

	for _, m := range stored {
		if seen[m.Path] {
			continue
		}
		report.Deleted++
		abs := filepath.Join(root, filepath.FromSlash(m.Path))
		if err := emit(m.Path, abs, KindDeleted); err != nil {
			return report, err
		}
	}

	report.Duration = s.now().Sub(start)
	s.logger.Info("scan complete",
		"seen", report.Seen,
		"discovered", report.Discovered,
		"modified", report.Modified,
		"deleted", report.Deleted,
		"backfilled", report.Backfilled,
		"unchanged", report.Unchanged,
	)
	return report, nil
}

func sameMtime(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= MtimeTolerance
}
