// Package ptt implements the process-wide push-to-talk mutual-exclusion
// arbiter (spec.md §4.7).
package ptt

import "sync"

// State is a PTT state-change event broadcast to every subscriber
// (spec.md §4.7 "subscribe() -> receiver of PTT state changes").
type State struct {
	Transmitting bool
}

// Arbiter grants exclusive uplink audio to at most one session at a time.
// Grounded on original_source/src/webrtc.rs's PttTransmitHandle /
// start_ptt / stop_ptt; Go has no destructors, so the Rust "Drop triggers
// stop" RAII pattern becomes an explicit Release call paired with a
// successful TryAcquire (webrtcgw.Session.StopPTT makes it).
type Arbiter struct {
	mu     sync.RWMutex
	holder string // session ID, "" when unheld

	subMu       sync.Mutex
	subscribers []chan State
}

// New returns an unheld arbiter.
func New() *Arbiter {
	return &Arbiter{}
}

// TryAcquire grants the lock to session if unheld, broadcasting
// transmitting=true on success. Returns false if the lock is already held,
// including by session itself (spec.md §4.7, invariant P5).
func (a *Arbiter) TryAcquire(session string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != "" {
		return false
	}
	a.holder = session

	// Broadcasting under mu keeps state changes in the order they happen.
	a.broadcast(State{Transmitting: true})
	return true
}

// Release clears the lock if session is the current holder, broadcasting
// transmitting=false. A no-op for non-holders — important for cleanup paths
// that call Release unconditionally on teardown (spec.md §4.7 invariant).
func (a *Arbiter) Release(session string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != session {
		return
	}
	a.holder = ""

	a.broadcast(State{Transmitting: false})
}

// IsTransmitting reports whether any session currently holds the lock.
func (a *Arbiter) IsTransmitting() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.holder != ""
}

// Subscribe returns a channel of PTT state changes, totally ordered
// (spec.md §5, invariant P6), and an unsubscribe func the caller must
// invoke on teardown so the arbiter doesn't accumulate a channel per
// session over a long-running process.
func (a *Arbiter) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	a.subMu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.subMu.Unlock()

	unsub := func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		for i, c := range a.subscribers {
			if c == ch {
				a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

func (a *Arbiter) broadcast(s State) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subscribers {
		select {
		case ch <- s:
		default:
			// Lagged subscriber: drop rather than block (spec.md §5 backpressure policy).
		}
	}
}
