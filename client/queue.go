package client

import "sync"

// Queue is a bounded FIFO that drops its oldest entry when full.
type Queue[T any] struct {
	mu    sync.Mutex
	limit int
	items []T
}

func NewQueue[T any](limit int) *Queue[T] {
	if limit <= 0 {
		limit = 1
	}
	return &Queue[T]{limit: limit}
}

// Push appends v and reports whether an older entry was dropped to make
// room.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, v)
	return dropped
}

// PushFront puts v back at the head, ahead of everything queued since. When
// the queue is full v is itself the oldest entry, so it is dropped and
// PushFront reports true.
func (q *Queue[T]) PushFront(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		return true
	}
	q.items = append([]T{v}, q.items...)
	return false
}

// Drain removes and returns every entry in enqueue order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
