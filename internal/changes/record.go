// Package changes detects workspace file changes, once through a full
// reconciliation scan and continuously through a filesystem watch.
package changes

import (
	"context"
	"time"
)

// Kind is what happened to a path.
type Kind int

const (
	KindDiscovered Kind = iota
	KindCreated
	KindModified
	KindDeleted
	KindRenamed
)

func (k Kind) String() string {
	switch k {
	case KindDiscovered:
		return "discovered"
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	case KindRenamed:
		return "renamed"
	}
	return "unknown"
}

// Origin names the producer of a record.
type Origin string

const (
	OriginScan   Origin = "scan"
	OriginWatch  Origin = "watch"
	OriginManual Origin = "manual"
)

// Record is one observed change. Path and OldPath are workspace-relative
// and slash-separated; OldPath is set for renames only.
type Record struct {
	Path       string    `json:"path"`
	Kind       Kind      `json:"kind"`
	AbsPath    string    `json:"abs_path"`
	OldPath    string    `json:"old_path,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Origin     Origin    `json:"origin"`
}

// Sink receives records. It may block to apply back-pressure.
type Sink func(ctx context.Context, rec Record) error

// Source produces records until it runs out or ctx ends. A Source must not
// assume anything about when other sources finish.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}
