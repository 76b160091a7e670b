package router

import "sync"

// PendingQueue holds at most one queued item per thread, in arrival order.
// Enqueueing for a thread that is already queued replaces the item in place,
// preserving the thread's position: the newest message supersedes older
// unstarted ones without losing the thread's turn in line.
type PendingQueue[T any] struct {
	mu    sync.Mutex
	order []ThreadKey
	items map[ThreadKey]T
}

// NewPendingQueue creates an empty queue.
func NewPendingQueue[T any]() *PendingQueue[T] {
	return &PendingQueue[T]{items: make(map[ThreadKey]T)}
}

// Enqueue adds or replaces the thread's pending item. Returns true when an
// existing item was replaced (coalesced).
func (q *PendingQueue[T]) Enqueue(key ThreadKey, item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, coalesced := q.items[key]
	if !coalesced {
		q.order = append(q.order, key)
	}
	q.items[key] = item
	return coalesced
}

// Dequeue removes and returns the oldest pending item.
func (q *PendingQueue[T]) Dequeue() (ThreadKey, T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.order) == 0 {
		return ThreadKey{}, zero, false
	}

	key := q.order[0]
	q.order = q.order[1:]
	item := q.items[key]
	delete(q.items, key)
	return key, item, true
}

// DequeueThread removes and returns the pending item for a specific thread,
// regardless of its position.
func (q *PendingQueue[T]) DequeueThread(key ThreadKey) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	item, ok := q.items[key]
	if !ok {
		return zero, false
	}

	delete(q.items, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return item, true
}

// Contains reports whether the thread has a pending item.
func (q *PendingQueue[T]) Contains(key ThreadKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[key]
	return ok
}

// Keys returns the queued threads in arrival order.
func (q *PendingQueue[T]) Keys() []ThreadKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]ThreadKey, len(q.order))
	copy(keys, q.order)
	return keys
}

// Len returns the number of queued threads.
func (q *PendingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
