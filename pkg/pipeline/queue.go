package pipeline

import (
	"sync"
	"time"
)

const compactThreshold = 1024

// Queue is an unbounded FIFO. Push never blocks; Pop waits up to a timeout.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	notify chan struct{}
	pushed uint64
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.pushed++
	q.mu.Unlock()
	q.Wake()
}

// Wake releases a consumer blocked in Pop without adding an item.
func (q *Queue[T]) Wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > compactThreshold && q.head > len(q.items)/2:
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = zero
		}
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

// Pop returns the oldest item, waiting at most timeout for one to arrive. It
// may return early and empty after Wake.
func (q *Queue[T]) Pop(timeout time.Duration) (T, bool) {
	if v, ok := q.TryPop(); ok {
		return v, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.notify:
	case <-timer.C:
	}
	return q.TryPop()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Pushed is the total number of items ever pushed.
func (q *Queue[T]) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}
