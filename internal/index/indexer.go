// Package index runs the incremental indexing pipeline: change records go
// through classify, chunk, enrich, embed and persist stages into the
// knowledge store.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tributary/internal/changes"
	"tributary/internal/chunker"
	"tributary/internal/chunker/languages"
	"tributary/internal/embedder"
	"tributary/internal/events"
	"tributary/internal/llm"
	"tributary/internal/llmlock"
	"tributary/internal/logging"
	"tributary/internal/metrics"
	"tributary/internal/pipeline"
	"tributary/internal/resilience"
	"tributary/internal/store"
)

// ErrScanInProgress is returned when a scan is requested while one runs.
var ErrScanInProgress = errors.New("index: scan already in progress")

// Config holds the indexer configuration.
type Config struct {
	Root        string
	Workers     int
	QueueSize   int
	MaxFileSize int64

	Debounce     time.Duration
	RenameWindow time.Duration

	EnrichEnabled     bool
	EnrichLockWait    time.Duration
	EmbedLockWait     time.Duration
	LockCheckInterval time.Duration
	EmbedBatchSize    int
	RequestsPerSecond float64

	SummaryDebounce time.Duration
	ShutdownTimeout time.Duration
	Retry           resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.QueueSize < 1 {
		c.QueueSize = 256
	}
	if c.EmbedBatchSize < 1 {
		c.EmbedBatchSize = 32
	}
	if c.LockCheckInterval <= 0 {
		c.LockCheckInterval = llmlock.DefaultCheckInterval
	}
	if c.SummaryDebounce <= 0 {
		c.SummaryDebounce = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	return c
}

// Deps are the collaborators of the indexer. Store is required; a nil
// Embedder or Generator disables that stage, a nil Lock means nobody else
// uses the LLM.
type Deps struct {
	Store     store.Store
	Lock      llmlock.Lock
	Embedder  embedder.Embedder
	Generator llm.Generator
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Stats is a point-in-time view of the indexer.
type Stats struct {
	Stages        []pipeline.StageSnapshot `json:"stages"`
	LastScan      changes.ScanReport       `json:"last_scan"`
	Scanning      bool                     `json:"scanning"`
	FilesIndexed  int64                    `json:"files_indexed"`
	FilesDeleted  int64                    `json:"files_deleted"`
	ChunksWritten int64                    `json:"chunks_written"`
}

// Indexer is the public API for indexing a workspace.
type Indexer struct {
	cfg        Config
	deps       Deps
	stages     *stages
	rules      *changes.Rules
	scanner    *changes.Scanner
	summarizer *Summarizer
	chain      *pipeline.Chain[changes.Record]
	logger     *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
	cancelRun context.CancelFunc

	scanMu   sync.Mutex
	scanning atomic.Bool
}

// New wires the pipeline. Nothing runs until Index or Serve is called.
func New(cfg Config, deps Deps) (*Indexer, error) {
	if deps.Store == nil {
		return nil, errors.New("index: store is required")
	}
	cfg = cfg.withDefaults()
	if deps.Lock == nil {
		deps.Lock = llmlock.NewMemoryLock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.WithComponent("index")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	st := &stages{
		cfg:       cfg,
		chunker:   chunker.New(languages.NewRegistry()),
		store:     deps.Store,
		lock:      deps.Lock,
		embedder:  deps.Embedder,
		generator: deps.Generator,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		limiter:   limiter,
		logger:    deps.Logger,
	}
	st.rules = changes.LoadRules(cfg.Root,
		changes.WithMaxFileSize(cfg.MaxFileSize),
		changes.WithAccept(st.accept),
	)

	scanner := changes.NewScanner(st.rules, deps.Store)
	scanner.Backfill = deps.Embedder != nil

	idx := &Indexer{
		cfg:     cfg,
		deps:    deps,
		stages:  st,
		rules:   st.rules,
		scanner: scanner,
		summarizer: &Summarizer{
			store:     deps.Store,
			generator: deps.Generator,
			lock:      deps.Lock,
			limiter:   limiter,
			debounce:  cfg.SummaryDebounce,
			logger:    deps.Logger.With("part", "summaries"),
		},
		logger: deps.Logger,
	}
	idx.chain = idx.buildChain()
	return idx, nil
}

func (i *Indexer) buildChain() *pipeline.Chain[changes.Record] {
	n := i.cfg.QueueSize
	head := pipeline.NewQueue[changes.Record]("changes", n)
	classified := pipeline.NewQueue[*Work]("classified", n)
	chunked := pipeline.NewQueue[*Work]("chunked", n)
	enriched := pipeline.NewQueue[*Work]("enriched", n)
	embedded := pipeline.NewQueue[*Work]("embedded", n)

	m, log := i.deps.Metrics, i.logger
	// Enrich, embed and persist share one LLM and one SQLite writer, so
	// more workers would only queue on those.
	return pipeline.NewChain(head,
		pipeline.NewStage(pipeline.StageConfig[changes.Record, *Work]{
			Name: "classify", Workers: i.cfg.Workers, Input: head, Output: classified,
			Process: i.stages.classify, Metrics: m, Logger: log,
		}),
		pipeline.NewStage(pipeline.StageConfig[*Work, *Work]{
			Name: "chunk", Workers: i.cfg.Workers, Input: classified, Output: chunked,
			Process: i.stages.chunk, Metrics: m, Logger: log,
		}),
		pipeline.NewStage(pipeline.StageConfig[*Work, *Work]{
			Name: "enrich", Workers: 1, Input: chunked, Output: enriched,
			Process: i.stages.enrich, Metrics: m, Logger: log,
		}),
		pipeline.NewStage(pipeline.StageConfig[*Work, *Work]{
			Name: "embed", Workers: 1, Input: enriched, Output: embedded,
			Process: i.stages.embed, Metrics: m, Logger: log,
		}),
		pipeline.NewStage(pipeline.StageConfig[*Work, struct{}]{
			Name: "persist", Workers: 1, Input: embedded,
			Process: i.stages.persist, Metrics: m, Logger: log,
			OnPause: i.summarizer.Trigger,
		}),
	)
}

// start launches the stages. They run on a context detached from ctx's
// cancellation so that shutdown can drain queued work.
func (i *Indexer) start(ctx context.Context) {
	i.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		i.cancelRun = cancel
		i.chain.Start(runCtx)
	})
}

// Submit feeds one change record into the pipeline.
func (i *Indexer) Submit(ctx context.Context, rec changes.Record) error {
	i.deps.Metrics.ChangesTotal.WithLabelValues(string(rec.Origin), rec.Kind.String()).Inc()
	return i.chain.Submit(ctx, rec)
}

// RunScan reconciles the workspace with the store and then tells the
// pipeline the scan has run dry. It never shuts the pipeline down.
func (i *Indexer) RunScan(ctx context.Context) (changes.ScanReport, error) {
	if !i.scanMu.TryLock() {
		return changes.ScanReport{}, ErrScanInProgress
	}
	defer i.scanMu.Unlock()
	i.scanning.Store(true)
	defer i.scanning.Store(false)

	i.start(ctx)
	if err := i.scanner.Run(ctx, i.Submit); err != nil {
		return changes.ScanReport{}, fmt.Errorf("scan: %w", err)
	}
	report := i.scanner.Report()
	if err := i.chain.Pause(ctx); err != nil {
		return report, fmt.Errorf("pause after scan: %w", err)
	}
	if i.deps.Publisher != nil {
		ev := events.Event{Type: events.ScanCompleted, Report: report, At: time.Now()}
		if err := i.deps.Publisher.Publish(ctx, ev); err != nil {
			i.logger.Warn("publish scan event failed", "error", err)
		}
	}
	return report, nil
}

// Index runs one full scan, drains the pipeline, rebuilds module summaries
// and stops. An Indexer cannot be used again after Index returns.
func (i *Indexer) Index(ctx context.Context) (Stats, error) {
	i.start(ctx)
	_, scanErr := i.RunScan(ctx)
	if err := i.Shutdown(ctx); err != nil {
		return i.Stats(), err
	}
	if scanErr != nil {
		return i.Stats(), scanErr
	}
	i.summarizer.Cancel()
	if err := i.summarizer.Rebuild(ctx); err != nil {
		i.logger.Warn("module summaries not rebuilt", "error", err)
	}
	return i.Stats(), nil
}

// Serve runs the startup scan and the live watch together until ctx ends,
// then drains the pipeline.
func (i *Indexer) Serve(ctx context.Context) error {
	i.start(ctx)
	watcher, err := changes.NewWatcher(i.rules, changes.WatchOptions{
		Debounce:     i.cfg.Debounce,
		RenameWindow: i.cfg.RenameWindow,
		Logger:       i.logger.With("part", "watch"),
	})
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(gctx, i.Submit)
	})
	g.Go(func() error {
		if _, err := i.RunScan(gctx); err != nil && gctx.Err() == nil {
			i.logger.Error("startup scan failed", "error", err)
		}
		return nil
	})
	runErr := g.Wait()
	watcher.Close()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.ShutdownTimeout)
	defer cancel()
	if err := i.Shutdown(sctx); err != nil {
		return err
	}
	if errors.Is(runErr, pipeline.ErrClosed) {
		return nil
	}
	return runErr
}

// Shutdown injects the shutdown marker and waits for every stage to drain.
func (i *Indexer) Shutdown(ctx context.Context) error {
	i.stopOnce.Do(func() {
		i.start(ctx)
		defer func() {
			// Cancelling first makes a running summary rebuild return early.
			i.cancelRun()
			i.summarizer.Cancel()
		}()
		if err := i.chain.Shutdown(ctx); err != nil {
			i.stopErr = fmt.Errorf("shutdown: %w", err)
			return
		}
		if err := i.chain.Wait(ctx); err != nil {
			i.stopErr = fmt.Errorf("drain pipeline: %w", err)
		}
	})
	return i.stopErr
}

// Stats reports stage counters and the last scan.
func (i *Indexer) Stats() Stats {
	return Stats{
		Stages:        i.chain.Snapshots(),
		LastScan:      i.scanner.Report(),
		Scanning:      i.scanning.Load(),
		FilesIndexed:  i.stages.filesIndexed.Load(),
		FilesDeleted:  i.stages.filesDeleted.Load(),
		ChunksWritten: i.stages.chunksWritten.Load(),
	}
}

// Summarizer exposes the module summary builder.
func (i *Indexer) Summarizer() *Summarizer { return i.summarizer }
