// Package events publishes index change notifications so other services can
// follow what the indexer persisted.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Type names an event.
type Type string

const (
	FileIndexed   Type = "file.indexed"
	FileDeleted   Type = "file.deleted"
	ScanCompleted Type = "scan.completed"
)

// Event is one notification. Path is the partition key.
type Event struct {
	Type     Type      `json:"type"`
	Path     string    `json:"path,omitempty"`
	OldPath  string    `json:"old_path,omitempty"`
	Chunks   int       `json:"chunks,omitempty"`
	Embedded int       `json:"embedded,omitempty"`
	Enriched int       `json:"enriched,omitempty"`
	Report   any       `json:"report,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers events. Publish must not block the caller for long;
// delivery failures are logged, not retried by the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to a logger at debug level. It is the default
// when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher that logs through logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.DebugContext(ctx, "event",
		"type", ev.Type,
		"path", ev.Path,
		"old_path", ev.OldPath,
		"chunks", ev.Chunks,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
