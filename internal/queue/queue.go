// Package queue implements the bounded, blocking, FIFO queue spec.md §2
// treats as an external collaborator: a fixed-capacity single-producer/
// single-consumer channel wrapper used by the encoder's T worker input/
// output queues and by the uploader/downloader item pipelines. It replaces
// the teacher's mutex+condvar hand-rolled queue with Go channels, following
// the teacher's own note (spec.md §9) that channel-close is the natural
// cancellation primitive for a worker-pool rewrite.
package queue

import "context"

// Queue is a bounded FIFO of T. Zero value is not usable; use New.
type Queue[T any] struct {
	ch chan T
}

// New returns a Queue with the given capacity. Capacity must be >= 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Put inserts v, blocking if the queue is full until space is available or
// ctx is done.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get extracts the next value in FIFO order, blocking if the queue is empty
// until an item arrives, the queue is closed (ok=false), or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-q.ch:
		return v, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Close closes the queue; subsequent Get calls drain any buffered items and
// then return ok=false. Put after Close panics, matching channel semantics.
func (q *Queue[T]) Close() { close(q.ch) }

// Len reports the number of items currently buffered.
func (q *Queue[T]) Len() int { return len(q.ch) }
