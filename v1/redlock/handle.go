package redlock

import (
	"sync"
	"time"
)

// Handle represents one successful quorum acquisition. A handle is owned by
// the goroutine that acquired it and must not be copied; release happens at
// most once, and a handle is never valid past its computed deadline.
type Handle struct {
	key    string
	quorum int

	mu               sync.Mutex
	token            Token
	acquiredAt       time.Time
	ttl              time.Duration
	validityDeadline time.Time
	nodeResults      []bool
	released         bool
}

// Key returns the lock key.
func (h *Handle) Key() string { return h.key }

// Quorum returns the node count that was required to agree.
func (h *Handle) Quorum() int { return h.quorum }

// Token returns the token of the current acquisition.
func (h *Handle) Token() Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// TTL returns the nominal TTL requested at acquisition or last extension.
func (h *Handle) TTL() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ttl
}

// ValidityDeadline returns the latest instant at which the lock may still be
// considered safely owned.
func (h *Handle) ValidityDeadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.validityDeadline
}

// NodeResults returns a copy of the per-node outcomes of the acquisition.
func (h *Handle) NodeResults() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.nodeResults...)
}

// Valid reports whether the handle may still be treated as owned at now.
func (h *Handle) Valid(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released && now.Before(h.validityDeadline)
}

// markReleased flips the handle to released exactly once and reports whether
// this call did the flip.
func (h *Handle) markReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.released = true
	return true
}

func (h *Handle) extendTo(ttl time.Duration, acquiredAt, deadline time.Time, results []bool) {
	h.mu.Lock()
	h.ttl = ttl
	h.acquiredAt = acquiredAt
	h.validityDeadline = deadline
	h.nodeResults = results
	h.mu.Unlock()
}
