package cache

import (
	"context"
	"time"
)

// State is the derived freshness of an entry at a given instant. It is never
// stored; it is computed from the entry's timestamps at read time.
type State int

const (
	Missing State = iota
	Fresh
	Stale
	Expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "missing"
	}
}

// Entry is one cached value with the timestamps that drive its state
// transitions. Value and RefreshedAt are only ever mutated by the process
// holding the corresponding refresh lock; readers never write.
type Entry[T any] struct {
	Value       T             `json:"value"`
	CreatedAt   time.Time     `json:"created_at"`
	RefreshedAt time.Time     `json:"refreshed_at"`
	TTL         time.Duration `json:"ttl"`
	StaleWindow time.Duration `json:"stale_window"`
	Namespace   string        `json:"namespace,omitempty"`

	// RetainFor is how long past RefreshedAt a backend keeps the entry
	// physically available. It exceeds TTL when expired values may still be
	// served as a fallback. Zero means retain for exactly TTL.
	RetainFor time.Duration `json:"retain_for,omitempty"`
}

// StaleAt returns the instant the entry leaves the Fresh state.
func (e Entry[T]) StaleAt() time.Time {
	return e.RefreshedAt.Add(e.TTL - e.StaleWindow)
}

// ExpiresAt returns the instant the entry leaves the Stale state.
func (e Entry[T]) ExpiresAt() time.Time {
	return e.RefreshedAt.Add(e.TTL)
}

// DropAt returns the instant a backend may physically discard the entry.
func (e Entry[T]) DropAt() time.Time {
	retain := e.RetainFor
	if retain < e.TTL {
		retain = e.TTL
	}
	return e.RefreshedAt.Add(retain)
}

// StateAt computes the entry state at now.
func (e Entry[T]) StateAt(now time.Time) State {
	switch {
	case now.Before(e.StaleAt()):
		return Fresh
	case now.Before(e.ExpiresAt()):
		return Stale
	default:
		return Expired
	}
}

// Store abstracts the backing storage for cache entries. Implementations
// must return entries through the whole retention window, including the
// Expired state, so callers can decide whether to serve stale fallbacks.
type Store[T any] interface {
	// Get retrieves the entry for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (Entry[T], bool, error)
	// Set stores the entry for the given key.
	Set(ctx context.Context, key string, e Entry[T]) error
	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error
}
