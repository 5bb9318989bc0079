// Package memory provides the bounded in-process queue that feeds queued
// pipeline runs to the dispatcher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Queue errors.
var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, blocking until there is room, the context ends or
// the queue closes.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes an item without blocking.
func (q *Queue[T]) TryEnqueue(item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return zero, ErrClosed
	case item := <-q.ch:
		return item, nil
	}
}

// Len returns the number of waiting items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue; waiting and future calls return ErrClosed.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
