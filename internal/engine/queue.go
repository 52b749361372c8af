package engine

import (
	"sync"

	"alertd/internal/alert"
)

// dispatchQueue is a bounded FIFO. push never blocks; close is safe against
// concurrent pushes because both take the same lock.
type dispatchQueue struct {
	mu     sync.RWMutex
	ch     chan *alert.Alert
	closed bool
}

func newDispatchQueue(size int) *dispatchQueue {
	return &dispatchQueue{ch: make(chan *alert.Alert, size)}
}

func (q *dispatchQueue) push(a *alert.Alert) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrStopped
	}
	select {
	case q.ch <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *dispatchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *dispatchQueue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *dispatchQueue) len() int { return len(q.ch) }

// drain removes whatever is still buffered. Only valid after close.
func (q *dispatchQueue) drain() []*alert.Alert {
	var out []*alert.Alert
	for a := range q.ch {
		out = append(out, a)
	}
	return out
}
