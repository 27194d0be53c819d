// Package pipeline is the bounded-queue worker runtime every indexing step
// runs on.
//
// Queues carry Envelopes, which are either an item, a Pause or a Shutdown.
// Pause means the current producer has nothing more for now; the pipeline
// stays up and workers keep consuming. Shutdown means the whole pipeline is
// stopping; each stage forwards it exactly once, after its workers exit.
package pipeline

import "fmt"

// Signal discriminates the three kinds of envelope.
type Signal uint8

const (
	SignalItem Signal = iota
	SignalPause
	SignalShutdown
)

func (s Signal) String() string {
	switch s {
	case SignalItem:
		return "item"
	case SignalPause:
		return "pause"
	case SignalShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}

// Envelope is the unit carried by a Queue. Value is only meaningful when
// Signal is SignalItem.
type Envelope[T any] struct {
	Signal Signal
	Value  T
}

// Item wraps v for sending.
func Item[T any](v T) Envelope[T] {
	return Envelope[T]{Signal: SignalItem, Value: v}
}

// Pause returns a pause marker.
func Pause[T any]() Envelope[T] {
	return Envelope[T]{Signal: SignalPause}
}

// Shutdown returns a shutdown marker.
func Shutdown[T any]() Envelope[T] {
	return Envelope[T]{Signal: SignalShutdown}
}
