// Package blockqueue provides a capacity-bounded FIFO guarded by a single
// mutex and condition variable. Producers never block: Push fails when the
// queue is full. Consumers block in Pop until an item arrives, a deadline
// passes, a context ends, or the queue is closed.
package blockqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by pop operations once the queue has been closed and
// drained.
var ErrClosed = errors.New("blockqueue: closed")

// ErrTimeout is returned by PopTimeout when the deadline passes first.
var ErrTimeout = errors.New("blockqueue: timeout")

// Queue is a circular buffer of at most Cap items.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	front  int
	size   int
	closed bool
}

// New returns an empty queue holding at most capacity items. A non-positive
// capacity is treated as 1.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue[T]{items: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues item and wakes every waiter. It reports false without
// enqueueing when the queue is full or closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed || q.size == len(q.items) {
		q.mu.Unlock()
		q.cond.Broadcast()
		return false
	}
	q.items[(q.front+q.size)%len(q.items)] = item
	q.size++
	q.mu.Unlock()
	q.cond.Broadcast()
	return true
}

// Pop blocks until an item is available. It returns ErrClosed once the queue
// is closed and empty.
func (q *Queue[T]) Pop() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 {
		if q.closed {
			var zero T
			return zero, ErrClosed
		}
		q.cond.Wait()
	}
	return q.take(), nil
}

// PopTimeout behaves like Pop but gives up with ErrTimeout after d.
func (q *Queue[T]) PopTimeout(d time.Duration) (T, error) {
	deadline := time.Now().Add(d)
	expired := false
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		expired = true
		q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 {
		if q.closed {
			var zero T
			return zero, ErrClosed
		}
		if expired || !time.Now().Before(deadline) {
			var zero T
			return zero, ErrTimeout
		}
		q.cond.Wait()
	}
	return q.take(), nil
}

// PopContext behaves like Pop but returns ctx.Err() when ctx ends first.
func (q *Queue[T]) PopContext(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 {
		if q.closed {
			var zero T
			return zero, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		q.cond.Wait()
	}
	return q.take(), nil
}

// take removes the front item. Callers hold q.mu and guarantee size > 0.
func (q *Queue[T]) take() T {
	var zero T
	item := q.items[q.front]
	q.items[q.front] = zero
	q.front = (q.front + 1) % len(q.items)
	q.size--
	return item
}

// Close wakes every waiter. Items already queued can still be popped; further
// pushes fail.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Clear drops every queued item.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.front = 0
	q.size = 0
}

// Drain removes and returns every queued item, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, q.size)
	for q.size > 0 {
		out = append(out, q.take())
	}
	q.front = 0
	return out
}

// Front returns the oldest item without removing it.
func (q *Queue[T]) Front() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.front], true
}

// Back returns the newest item without removing it.
func (q *Queue[T]) Back() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.items[(q.front+q.size-1)%len(q.items)], true
}

// Size returns the number of queued items at the time of the call.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Empty reports whether the queue held no items at the time of the call.
func (q *Queue[T]) Empty() bool {
	return q.Size() == 0
}

// Full reports whether the queue was at capacity at the time of the call.
func (q *Queue[T]) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == len(q.items)
}
