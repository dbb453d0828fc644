package daq

import "sync"

// Queue is an unbounded FIFO of sample packages.
//
// The producer appends one package per cycle and removes bursts when the consumer
// asks for them. Growth between requests is not limited.
type Queue struct {
	mu   sync.Mutex
	data []Package
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends p at the tail.
func (q *Queue) Push(p Package) {
	q.mu.Lock()
	q.data = append(q.data, p)
	q.mu.Unlock()
}

// DequeueBatch removes and returns up to max packages from the head.
func (q *Queue) DequeueBatch(max int) []Package {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || len(q.data) == 0 {
		return nil
	}
	if max > len(q.data) {
		max = len(q.data)
	}

	out := make([]Package, max)
	copy(out, q.data[:max])
	// Clear references so drained packages can be collected.
	clear(q.data[:max])
	q.data = q.data[max:]
	if len(q.data) == 0 {
		q.data = nil
	}
	return out
}

// Len returns the number of queued packages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}
