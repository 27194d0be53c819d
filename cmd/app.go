package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"tributary/internal/embedder"
	"tributary/internal/events"
	"tributary/internal/health"
	"tributary/internal/index"
	"tributary/internal/knowledge"
	"tributary/internal/llm"
	"tributary/internal/llmlock"
	"tributary/internal/metrics"
	"tributary/internal/store"
)

// app holds the collaborators shared by index, serve, mcp and context.
type app struct {
	store     *store.SQLiteStore
	lock      llmlock.Lock
	embedder  *embedder.OllamaEmbedder
	generator *llm.OllamaChat
	publisher events.Publisher
	metrics   *metrics.Metrics
	closers   []func() error
}

// openApp opens the store and connects the lock backend. When mustExist is
// set an absent index is an error instead of being created.
func openApp(ctx context.Context, mustExist bool) (*app, error) {
	dbPath := cfg.DBPath()
	if mustExist {
		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("index not found at %s\nrun 'tributary index' first to build the index", dbPath)
		}
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	a := &app{
		store:     st,
		embedder:  embedder.NewOllamaEmbedder(cfg.LLM.OllamaURL, cfg.LLM.EmbedModel),
		generator: llm.NewOllamaChat(cfg.LLM.OllamaURL, cfg.LLM.ChatModel),
		closers:   []func() error{st.Close},
	}

	switch cfg.Lock.Backend {
	case "redis":
		rl, err := llmlock.NewRedisLock(ctx, llmlock.RedisOptions{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			Key:      cfg.Lock.Redis.Key,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect lock backend: %w", err)
		}
		a.lock = rl
		a.closers = append(a.closers, rl.Close)
	default:
		a.lock = llmlock.NewMemoryLock()
	}

	if len(cfg.Events.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		a.publisher = kp
		a.closers = append(a.closers, kp.Close)
	} else {
		a.publisher = events.NewLogPublisher(slog.Default())
	}
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// ensureFormat wipes the index when the checksum algorithm or embedding
// model it was built with no longer matches.
func (a *app) ensureFormat(ctx context.Context) error {
	wiped, err := a.store.EnsureFormat(ctx, cfg.LLM.EmbedModel)
	if err != nil {
		return fmt.Errorf("check index format: %w", err)
	}
	if wiped {
		slog.Warn("index format changed, re-indexing from scratch", "embed_model", cfg.LLM.EmbedModel)
	}
	return nil
}

func (a *app) indexer() (*index.Indexer, error) {
	return index.New(index.Config{
		Root:              cfg.Workspace.Root,
		Workers:           cfg.Pipeline.Workers,
		QueueSize:         cfg.Pipeline.QueueSize,
		MaxFileSize:       cfg.Workspace.MaxFileSize,
		Debounce:          cfg.Pipeline.Debounce,
		RenameWindow:      cfg.Pipeline.RenameWindow,
		EnrichEnabled:     cfg.Enrich.Enabled,
		EnrichLockWait:    cfg.Enrich.LockWait,
		EmbedLockWait:     cfg.Embed.LockWait,
		EmbedBatchSize:    cfg.Embed.BatchSize,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}, index.Deps{
		Store:     a.store,
		Lock:      a.lock,
		Embedder:  a.embedder,
		Generator: a.generator,
		Publisher: a.publisher,
		Metrics:   a.metrics,
		Logger:    slog.Default().With("component", "index"),
	})
}

func (a *app) port() *knowledge.Port {
	return knowledge.New(a.store,
		knowledge.WithEmbedder(a.embedder),
		knowledge.WithMaxBytes(cfg.Knowledge.MaxResponseBytes),
		knowledge.WithDefaultTopK(cfg.Knowledge.DefaultTopK),
		knowledge.WithMetrics(a.metrics),
	)
}

func (a *app) healthChecker() *health.Checker {
	c := health.NewChecker()
	c.Register("store", health.Probe(a.store.Ping, false))
	c.Register("ollama", health.Probe(a.embedder.Ping, true))
	if rl, ok := a.lock.(*llmlock.RedisLock); ok {
		c.Register("lock", health.Probe(rl.Ping, false))
	}
	return c
}
