package jobs

import (
	"sync"
	"time"
)

// retryTimers holds at most one pending re-enqueue timer per id. A waiting
// record holds no worker and no in-flight slot, only a timer.
type retryTimers struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newRetryTimers() *retryTimers {
	return &retryTimers{timers: make(map[string]*time.Timer)}
}

// Schedule runs fn for id after d, replacing any timer already pending for id.
func (r *retryTimers) Schedule(id string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if old, ok := r.timers[id]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		current, ok := r.timers[id]
		if !ok || current != t || r.stopped {
			r.mu.Unlock()
			return
		}
		delete(r.timers, id)
		r.mu.Unlock()
		fn()
	})
	r.timers[id] = t
}

// Stop cancels the pending timer for id. Returns false if none was pending.
func (r *retryTimers) Stop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, id)
	return true
}

// Pending reports whether a timer is waiting for id.
func (r *retryTimers) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

// Len returns the number of pending timers.
func (r *retryTimers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// StopAll cancels every pending timer and refuses new ones.
// Records waiting on a timer stay queued in the store and are picked up again
// on the next start.
func (r *retryTimers) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
