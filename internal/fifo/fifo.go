// Package fifo provides a small thread-safe generic FIFO used by every
// queue the node keeps: pending lookup responses, ring-map traversal
// responses, and predecessor-change notifications. It is a thin,
// type-safe wrapper over github.com/eapache/queue's ring buffer, which
// amortizes to O(1) push/pop without the repeated slice-shift cost of
// a naive append/shift queue — the structure spec.md asks for when it
// describes these queues as "bounded conceptually but unbounded in
// code".
package fifo

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is a thread-safe FIFO of values of type T.
type Queue[T any] struct {
	mu sync.Mutex
	q  *queue.Queue
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{q: queue.New()}
}

// Push appends v to the back of the queue.
func (f *Queue[T]) Push(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.q.Add(v)
}

// Pop removes and returns the front of the queue. ok is false if the
// queue was empty.
func (f *Queue[T]) Pop() (v T, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.q.Length() == 0 {
		return v, false
	}
	return f.q.Remove().(T), true
}

// Len reports the number of queued values.
func (f *Queue[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q.Length()
}

// PopMatching removes and returns the first queued value for which keep
// returns true, preserving the relative order of everything else. It is
// used to scan past stale entries (e.g. lookup responses for a
// different search term) without discarding entries that might still
// be wanted by another waiter.
//
// Entries for which keep returns false are requeued at the back in
// their original relative order.
func (f *Queue[T]) PopMatching(keep func(T) bool) (v T, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.q.Length()
	var requeue []T
	for i := 0; i < n; i++ {
		item := f.q.Remove().(T)
		if !ok && keep(item) {
			v = item
			ok = true
			continue
		}
		requeue = append(requeue, item)
	}
	for _, item := range requeue {
		f.q.Add(item)
	}
	return v, ok
}
