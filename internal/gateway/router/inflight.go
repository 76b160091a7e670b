package router

import "sync"

// InFlightTracker records which threads have a turn executing and how to
// cancel it. Cancellation is edge-triggered: the first supersession fires the
// cancel func, later ones are no-ops.
type InFlightTracker struct {
	mu      sync.Mutex
	seq     uint64
	entries map[ThreadKey]*inflightEntry
}

type inflightEntry struct {
	token     uint64
	cancel    func()
	cancelled bool
}

// NewInFlightTracker creates an empty tracker.
func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{entries: make(map[ThreadKey]*inflightEntry)}
}

// Track registers a running turn with its cancel func and returns a token
// identifying it. A stale entry for the same thread is superseded: it is
// evicted, and its cancel fires if it had not already. The stale turn's own
// untrack then becomes a no-op, leaving the new turn cancellable.
func (t *InFlightTracker) Track(key ThreadKey, cancel func()) uint64 {
	var fireStale func()

	t.mu.Lock()
	if prev, ok := t.entries[key]; ok && !prev.cancelled {
		prev.cancelled = true
		fireStale = prev.cancel
	}
	t.seq++
	token := t.seq
	t.entries[key] = &inflightEntry{token: token, cancel: cancel}
	t.mu.Unlock()

	if fireStale != nil {
		fireStale()
	}
	return token
}

// InFlight reports whether the thread has a turn executing.
func (t *InFlightTracker) InFlight(key ThreadKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Cancel fires the thread's cancel func once. Returns true when this call
// triggered the cancellation, false when there was nothing to cancel or it
// had already fired.
func (t *InFlightTracker) Cancel(key ThreadKey) bool {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || entry.cancelled {
		t.mu.Unlock()
		return false
	}
	entry.cancelled = true
	cancel := entry.cancel
	t.mu.Unlock()

	// Invoked outside the lock; the cancel func may run arbitrary code.
	cancel()
	return true
}

// Untrack removes the thread's entry regardless of which turn owns it.
func (t *InFlightTracker) Untrack(key ThreadKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// UntrackOwned removes the thread's entry only when the token still owns it,
// so a superseded turn cannot evict its successor on the way out.
func (t *InFlightTracker) UntrackOwned(key ThreadKey, token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[key]; ok && entry.token == token {
		delete(t.entries, key)
	}
}

// Len returns the number of in-flight turns.
func (t *InFlightTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
