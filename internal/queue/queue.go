// Package queue provides the unbounded FIFO used between weft's
// goroutines: store reference watches, coordinator inboxes and engine
// state events.
package queue

import (
	"context"
	"sync"
)

// Queue is a thread-safe unbounded FIFO.
//
// Producers never block, so a slow consumer can never stall the store's
// write path or an engine's apply path. The signal channel (buffer of 1)
// coalesces wakeups for context-aware waiting.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, item)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]

	// Clear the slot so the backing array does not retain the item.
	q.items[0] = zero

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return item, true
}

// Next blocks until an item is available, the queue is closed and
// drained, or ctx is done. The bool is false in the last two cases.
func (q *Queue[T]) Next(ctx context.Context) (T, bool) {
	for {
		if item, ok := q.TryDequeue(); ok {
			return item, true
		}

		q.mu.Lock()
		done := q.closed && len(q.items) == 0
		q.mu.Unlock()

		var zero T
		if done {
			return zero, false
		}

		select {
		case <-ctx.Done():
			return zero, false
		case <-q.signal:
		}
	}
}

// Wait returns a channel that signals when items may be available.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // TryDequeue until empty
//	}
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close signals that no more items will be enqueued and wakes all waiters.
// Items already queued can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Pipe forwards items to a new channel until the queue is closed and
// drained or ctx is done, then closes the channel.
func (q *Queue[T]) Pipe(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			item, ok := q.Next(ctx)
			if !ok {
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
