package pipeline

import "context"

// Queue is a bounded FIFO between two stages. Send blocks while the queue
// is full, which is how back-pressure reaches the producers.
type Queue[T any] struct {
	name string
	ch   chan Envelope[T]
}

// NewQueue creates a queue holding at most capacity envelopes.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{name: name, ch: make(chan Envelope[T], capacity)}
}

func (q *Queue[T]) Name() string { return q.name }
func (q *Queue[T]) Len() int     { return len(q.ch) }
func (q *Queue[T]) Cap() int     { return cap(q.ch) }

// Send enqueues env, waiting for room or for ctx to end.
func (q *Queue[T]) Send(ctx context.Context, env Envelope[T]) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv dequeues the next envelope, waiting for one or for ctx to end.
func (q *Queue[T]) Recv(ctx context.Context) (Envelope[T], error) {
	select {
	case env := <-q.ch:
		return env, nil
	case <-ctx.Done():
		var zero Envelope[T]
		return zero, ctx.Err()
	}
}
