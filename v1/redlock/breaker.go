package redlock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-ward/v1/lockstore"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breakerStore decorates a lockstore.Store with circuit-breaker logic. Only
// transport errors count as failures; a clean false result is a healthy
// response. While open, calls fail fast with ErrCircuitOpen, which the
// coordinator counts as an ordinary node failure.
type breakerStore struct {
	store lockstore.Store

	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

func newBreakerStore(store lockstore.Store, threshold int, cooldown time.Duration) *breakerStore {
	return &breakerStore{store: store, threshold: threshold, cooldown: cooldown}
}

func (b *breakerStore) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFail) > b.cooldown {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// Only one probe at a time.
		return false
	}
	return false
}

func (b *breakerStore) onSuccess() {
	b.mu.Lock()
	b.state = stateClosed
	b.failures = 0
	b.mu.Unlock()
}

func (b *breakerStore) onFailure() {
	b.mu.Lock()
	b.lastFail = time.Now()
	b.failures++
	if b.state == stateHalfOpen || (b.state == stateClosed && b.failures >= b.threshold) {
		b.state = stateOpen
	}
	b.mu.Unlock()
}

func (b *breakerStore) call(fn func() (bool, error)) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := fn()
	if err != nil {
		b.onFailure()
		return false, err
	}
	b.onSuccess()
	return ok, nil
}

func (b *breakerStore) TryAcquire(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	return b.call(func() (bool, error) { return b.store.TryAcquire(ctx, key, token, ttl) })
}

func (b *breakerStore) TryRelease(ctx context.Context, key string, token []byte) (bool, error) {
	return b.call(func() (bool, error) { return b.store.TryRelease(ctx, key, token) })
}

func (b *breakerStore) TryExtend(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	return b.call(func() (bool, error) { return b.store.TryExtend(ctx, key, token, ttl) })
}
