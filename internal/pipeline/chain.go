package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when submitting to a chain that has been shut down.
var ErrClosed = errors.New("pipeline: chain is shut down")

// Runner is the type-erased view of a Stage used by Chain.
type Runner interface {
	Name() string
	Start(ctx context.Context)
	Done() <-chan struct{}
	Snapshot() StageSnapshot
}

// Chain owns the head queue of a linear sequence of stages. Any number of
// producers may submit to it concurrently; none of them may close it.
type Chain[T any] struct {
	head   *Queue[T]
	stages []Runner

	mu     sync.RWMutex
	closed bool
}

// NewChain wires the head queue to the stages that consume from it and
// from each other.
func NewChain[T any](head *Queue[T], stages ...Runner) *Chain[T] {
	return &Chain[T]{head: head, stages: stages}
}

// Start starts every stage.
func (c *Chain[T]) Start(ctx context.Context) {
	for _, s := range c.stages {
		s.Start(ctx)
	}
}

// Submit enqueues v at the head, blocking while the head queue is full.
func (c *Chain[T]) Submit(ctx context.Context, v T) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.head.Send(ctx, Item(v))
}

// Pause tells the stages that the current producer has run dry. The chain
// keeps accepting submissions afterwards.
func (c *Chain[T]) Pause(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.head.Send(ctx, Pause[T]())
}

// Shutdown injects the shutdown marker and refuses further submissions.
// Items already queued ahead of the marker are still processed.
func (c *Chain[T]) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.head.Send(ctx, Shutdown[T]())
}

// Wait blocks until every stage has stopped or ctx ends.
func (c *Chain[T]) Wait(ctx context.Context) error {
	for _, s := range c.stages {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Snapshots returns the counters of every stage in order.
func (c *Chain[T]) Snapshots() []StageSnapshot {
	out := make([]StageSnapshot, 0, len(c.stages))
	for _, s := range c.stages {
		out = append(out, s.Snapshot())
	}
	return out
}
