package swr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
)

// AutoRefresh proactively re-fetches registered keys on an interval, keeping
// them permanently Fresh instead of waiting for a stale read to trigger
// revalidation. Every cycle goes through the scheduler's non-blocking lock,
// so with many processes running the same registrations only one of them
// performs each refresh.
type AutoRefresh[T any] struct {
	cache *Cache[T]

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewAutoRefresh returns an AutoRefresh driving the given cache.
func NewAutoRefresh[T any](c *Cache[T]) *AutoRefresh[T] {
	return &AutoRefresh[T]{
		cache:  c,
		cancel: make(map[string]context.CancelFunc),
	}
}

// Register starts refreshing key every interval until Cancel or Close. It
// returns an opaque registration id. The key is refreshed once immediately.
func (a *AutoRefresh[T]) Register(key string, interval time.Duration, fetch FetchFunc[T]) (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generating registration id: %w", err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", fmt.Errorf("auto refresh closed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel[id] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.refresh(ctx, key, fetch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.refresh(ctx, key, fetch)
			}
		}
	}()
	return id, nil
}

// refresh performs one single-flight refresh cycle for key. A lost lock
// means another process is already on it this cycle.
func (a *AutoRefresh[T]) refresh(ctx context.Context, key string, fetch FetchFunc[T]) {
	c := a.cache
	ctx, cancelTO := context.WithTimeout(ctx, c.opts.LockTTL)
	defer cancelTO()

	h, won, err := c.sched.TryLock(ctx, c.opts.Namespace, key, c.opts.LockTTL)
	if err != nil {
		c.reportRefreshErr(fmt.Errorf("acquiring refresh lock for %q: %w", key, err))
		return
	}
	if !won {
		inc(c.refreshSkips)
		return
	}
	defer func() { _ = c.sched.Unlock(context.Background(), h) }()

	value, err := fetch(ctx)
	if err != nil {
		inc(c.fetchFails)
		c.reportRefreshErr(fmt.Errorf("refreshing %q: %w", key, err))
		return
	}
	if err := c.store.Set(ctx, key, c.newEntry(value)); err != nil {
		c.reportRefreshErr(fmt.Errorf("storing refreshed %q: %w", key, err))
		return
	}
	inc(c.refreshWins)
	_ = c.sched.Announce(ctx, c.opts.Namespace, key)
}

// Cancel stops the registration with the given id. Unknown ids are a no-op.
func (a *AutoRefresh[T]) Cancel(id string) {
	a.mu.Lock()
	cancel := a.cancel[id]
	delete(a.cancel, id)
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops all registrations and waits for in-flight refreshes.
func (a *AutoRefresh[T]) Close() {
	a.mu.Lock()
	a.closed = true
	for id, cancel := range a.cancel {
		cancel()
		delete(a.cancel, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
