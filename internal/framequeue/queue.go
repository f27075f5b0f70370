// Package framequeue provides the bounded hand-off queue between the frame
// producer and the dispatch worker. Overflow sheds the oldest queued item so
// the producer never blocks; the most recent frames are the valuable ones.
package framequeue

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type Queue[T any] struct {
	capacity int

	mu         sync.Mutex
	notEmpty   *sync.Cond
	items      []T
	terminated bool

	dropped atomic.Uint64
}

func New[T any](capacity int) (*Queue[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be >= 1, got %d", capacity)
	}
	q := &Queue[T]{capacity: capacity, items: make([]T, 0, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Push enqueues item, evicting the oldest queued item first when the queue
// is full. It never blocks. Pushes after Terminate are discarded.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminated {
		return
	}
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped.Add(1)
	}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
}

// Pop blocks until an item is available or the queue is terminated. The
// second return value is false once the queue has been terminated; queued
// items are discarded at that point, not drained.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.terminated {
		q.notEmpty.Wait()
	}
	var zero T
	if q.terminated {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Terminate is idempotent and one-way: every current and future Pop returns
// immediately with ok=false.
func (q *Queue[T]) Terminate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminated {
		return
	}
	q.terminated = true
	q.items = nil
	q.notEmpty.Broadcast()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped counts items shed on overflow since construction.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
