package engine

import (
	"sync"
	"time"

	"alertd/internal/alert"
)

type pendingRetry struct {
	timer *time.Timer
	alert *alert.Alert
}

// retryScheduler holds CRITICAL alerts waiting for their backoff delay.
// Nothing sleeps in a worker; each retry is a timer.
type retryScheduler struct {
	mu      sync.Mutex
	pending map[string]*pendingRetry
	closed  bool
}

func newRetryScheduler() *retryScheduler {
	return &retryScheduler{pending: map[string]*pendingRetry{}}
}

// schedule arranges fire(a) after delay. It returns false once the scheduler
// has been stopped.
func (r *retryScheduler) schedule(a *alert.Alert, delay time.Duration, fire func(*alert.Alert)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	id := a.ID
	p := &pendingRetry{alert: a}
	p.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		cur, ok := r.pending[id]
		if !ok || cur != p {
			r.mu.Unlock()
			return
		}
		delete(r.pending, id)
		r.mu.Unlock()
		fire(a)
	})
	r.pending[id] = p
	return true
}

func (r *retryScheduler) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// stop cancels every pending timer and returns the alerts that will not fire.
func (r *retryScheduler) stop() []*alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*alert.Alert, 0, len(r.pending))
	for id, p := range r.pending {
		p.timer.Stop()
		out = append(out, p.alert)
		delete(r.pending, id)
	}
	return out
}

// reopen allows scheduling again after a restart.
func (r *retryScheduler) reopen() {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()
}
