// Package clock implements the Lamport logical clock every stamped
// record and outbound frame in the cluster carries.
package clock

import "sync"

// Lamport is a monotonic counter merged on receive as max(local, received)+1.
// It is safe for concurrent use.
type Lamport struct {
	mu    sync.Mutex
	value int
}

// Increment advances the counter and returns the new value. Call this
// immediately before stamping an outbound frame.
func (l *Lamport) Increment() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value++
	return l.value
}

// Update merges a received clock value into the counter and advances it,
// per the Lamport merge rule: local = max(local, received) + 1.
func (l *Lamport) Update(received int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if received > l.value {
		l.value = received
	}
	l.value++
}

// Value returns the current counter value without advancing it.
func (l *Lamport) Value() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}
