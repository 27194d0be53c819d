// Package config loads tributary's settings from an optional YAML file,
// then applies TRIBUTARY_* environment overrides on top of the defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Store     StoreConfig     `yaml:"store"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	LLM       LLMConfig       `yaml:"llm"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	Embed     EmbedConfig     `yaml:"embed"`
	Lock      LockConfig      `yaml:"lock"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Assembler AssemblerConfig `yaml:"assembler"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WorkspaceConfig describes the tree being indexed.
type WorkspaceConfig struct {
	Root        string `yaml:"root"`
	MaxFileSize int64  `yaml:"maxFileSize"`
}

// StoreConfig points at the SQLite database. An empty path resolves to
// <root>/.tributary/index.db.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig sizes the stage runtime and the live watcher.
type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queueSize"`
	Debounce     time.Duration `yaml:"debounce"`
	RenameWindow time.Duration `yaml:"renameWindow"`
}

// LLMConfig addresses the Ollama-compatible inference server.
type LLMConfig struct {
	OllamaURL         string  `yaml:"ollamaURL"`
	EmbedModel        string  `yaml:"embedModel"`
	ChatModel         string  `yaml:"chatModel"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

// EnrichConfig controls chunk summarisation.
type EnrichConfig struct {
	Enabled  bool          `yaml:"enabled"`
	LockWait time.Duration `yaml:"lockWait"`
}

// EmbedConfig controls the embedding stage.
type EmbedConfig struct {
	LockWait  time.Duration `yaml:"lockWait"`
	BatchSize int           `yaml:"batchSize"`
}

// LockConfig selects the LLM lock backend.
type LockConfig struct {
	Backend    string        `yaml:"backend"`
	DefaultTTL time.Duration `yaml:"defaultTTL"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the connection settings for the redis lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// KnowledgeConfig bounds responses served to the agent.
type KnowledgeConfig struct {
	MaxResponseBytes int `yaml:"maxResponseBytes"`
	DefaultTopK      int `yaml:"defaultTopK"`
}

// AssemblerConfig caps the assembled context size.
type AssemblerConfig struct {
	MaxTokens int `yaml:"maxTokens"`
}

// APIConfig is the HTTP surface used by the agent.
type APIConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// MetricsConfig controls the Prometheus scrape server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EventsConfig enables publishing index events to Kafka. No brokers means
// events are only logged.
type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig controls slog level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root:        ".",
			MaxFileSize: 1 << 20,
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			QueueSize:    256,
			Debounce:     200 * time.Millisecond,
			RenameWindow: 500 * time.Millisecond,
		},
		LLM: LLMConfig{
			OllamaURL:         "http://localhost:11434",
			EmbedModel:        "nomic-embed-text",
			ChatModel:         "qwen3:8b",
			RequestsPerSecond: 4,
		},
		Enrich: EnrichConfig{
			Enabled:  true,
			LockWait: 2 * time.Second,
		},
		Embed: EmbedConfig{
			LockWait:  30 * time.Second,
			BatchSize: 32,
		},
		Lock: LockConfig{
			Backend:    "memory",
			DefaultTTL: 300 * time.Second,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "tributary:llm_lock",
			},
		},
		Knowledge: KnowledgeConfig{
			MaxResponseBytes: 50 * 1024,
			DefaultTopK:      5,
		},
		Assembler: AssemblerConfig{
			MaxTokens: 2048,
		},
		API: APIConfig{
			Addr:            "127.0.0.1:8765",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9465",
		},
		Events: EventsConfig{
			Topic: "tributary.index",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects settings the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queueSize must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Knowledge.MaxResponseBytes < 1024 {
		return fmt.Errorf("knowledge.maxResponseBytes must be at least 1024, got %d", c.Knowledge.MaxResponseBytes)
	}
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("lock.backend must be memory or redis, got %q", c.Lock.Backend)
	}
	return nil
}

// DBPath resolves the store location against the workspace root.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Workspace.Root, ".tributary", "index.db")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRIBUTARY_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("TRIBUTARY_DB"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TRIBUTARY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("TRIBUTARY_OLLAMA_URL"); v != "" {
		cfg.LLM.OllamaURL = v
	}
	if v := os.Getenv("TRIBUTARY_EMBED_MODEL"); v != "" {
		cfg.LLM.EmbedModel = v
	}
	if v := os.Getenv("TRIBUTARY_CHAT_MODEL"); v != "" {
		cfg.LLM.ChatModel = v
	}
	if v := os.Getenv("TRIBUTARY_LOCK_BACKEND"); v != "" {
		cfg.Lock.Backend = v
	}
	if v := os.Getenv("TRIBUTARY_REDIS_ADDR"); v != "" {
		cfg.Lock.Redis.Addr = v
	}
	if v := os.Getenv("TRIBUTARY_REDIS_PASSWORD"); v != "" {
		cfg.Lock.Redis.Password = v
	}
	if v := os.Getenv("TRIBUTARY_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("TRIBUTARY_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("TRIBUTARY_KAFKA_BROKERS"); v != "" {
		cfg.Events.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TRIBUTARY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRIBUTARY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
