package index

import (
	"tributary/internal/changes"
	"tributary/internal/store"
)

// Class is decided once, by the classify stage.
type Class int

const (
	ClassOther Class = iota
	ClassCode
	ClassDoc
)

func (c Class) String() string {
	switch c {
	case ClassCode:
		return "code"
	case ClassDoc:
		return "doc"
	}
	return "other"
}

// Work is the unit flowing between stages after classification. A Work
// whose record is a deletion carries no metadata or chunks.
type Work struct {
	Record   changes.Record
	Class    Class
	Language string
	Meta     store.FileMetadata
	Source   []byte
	Chunks   []store.Chunk
}

func (w *Work) deleted() bool {
	return w.Record.Kind == changes.KindDeleted
}

func (w *Work) embedded() int {
	n := 0
	for _, c := range w.Chunks {
		if len(c.Embedding) > 0 {
			n++
		}
	}
	return n
}

func (w *Work) enriched() int {
	n := 0
	for _, c := range w.Chunks {
		if c.Summary != "" {
			n++
		}
	}
	return n
}
