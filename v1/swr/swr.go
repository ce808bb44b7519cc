package swr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-ward/v1/cache"
	"github.com/mirkobrombin/go-ward/v1/redlock"
)

// ErrWouldBlock is returned on a miss when the refresh lock could not be
// obtained, nobody else populated the key within MissTimeout, and no stale
// fallback was available.
var ErrWouldBlock = errors.New("ward: cache miss and refresh lock unavailable")

// FetchFunc produces the authoritative value for a key. It is invoked only
// by the single caller that holds the refresh lock.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options configures a Cache. The zero value is usable; unset fields take
// the defaults documented on each.
type Options struct {
	// TTL is the total lifetime of an entry. Default 5m.
	TTL time.Duration
	// StaleWindow is the trailing slice of TTL in which reads return the
	// cached value but trigger a background refresh. Zero disables the
	// stale state entirely.
	StaleWindow time.Duration
	// StaleTTL is how long past expiry a value may still be served as a
	// degraded fallback when ReturnStale is set. A read never returns data
	// older than RefreshedAt+TTL+StaleTTL.
	StaleTTL time.Duration
	// ReturnStale serves an expired value when the refresh lock is lost or
	// the fetch fails, as long as the value is within StaleTTL.
	ReturnStale bool
	// MissTimeout bounds how long a missing read waits for the key to be
	// populated, by itself or by the lock winner. Default 5s.
	MissTimeout time.Duration
	// MissPoll is the store re-check interval for miss losers. Default 50ms.
	MissPoll time.Duration
	// LockTTL is the TTL of the refresh lock, sized to comfortably cover one
	// fetch. Default 10s.
	LockTTL time.Duration
	// Namespace scopes entries and refresh locks. Default "default".
	Namespace string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.MissTimeout <= 0 {
		o.MissTimeout = 5 * time.Second
	}
	if o.MissPoll <= 0 {
		o.MissPoll = 50 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	if o.Namespace == "" {
		o.Namespace = "default"
	}
	return o
}

// Cache is a stale-while-revalidate cache over a backing store, with refresh
// work serialized cluster-wide through a Scheduler.
type Cache[T any] struct {
	store cache.Store[T]
	sched *Scheduler
	opts  Options
	now   func() time.Time

	refreshErrs chan error
	wg          sync.WaitGroup

	staleServes  prometheus.Counter
	refreshWins  prometheus.Counter
	refreshSkips prometheus.Counter
	fetchFails   prometheus.Counter
}

// CacheOption configures a Cache.
type CacheOption[T any] func(*Cache[T])

// WithClock overrides the time source.
func WithClock[T any](now func() time.Time) CacheOption[T] {
	return func(c *Cache[T]) { c.now = now }
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) CacheOption[T] {
	return func(c *Cache[T]) {
		c.staleServes = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_swr_stale_serves_total",
			Help: "Total number of reads served from the stale window",
		})
		c.refreshWins = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_swr_refresh_wins_total",
			Help: "Total number of refreshes this process performed",
		})
		c.refreshSkips = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_swr_refresh_skips_total",
			Help: "Total number of refreshes skipped because another process held the lock",
		})
		c.fetchFails = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_swr_fetch_failures_total",
			Help: "Total number of failed fetches",
		})
		reg.MustRegister(c.staleServes, c.refreshWins, c.refreshSkips, c.fetchFails)
	}
}

// New returns a Cache over the given store and scheduler.
func New[T any](store cache.Store[T], sched *Scheduler, opts Options, copts ...CacheOption[T]) *Cache[T] {
	c := &Cache[T]{
		store:       store,
		sched:       sched,
		opts:        opts.withDefaults(),
		now:         time.Now,
		refreshErrs: make(chan error, 16),
	}
	for _, opt := range copts {
		opt(c)
	}
	return c
}

// RefreshErrors exposes fetch errors from background (stale-path) refreshes.
// The caller already received a value when these occur, so they are reported
// out of band. The channel is buffered; unread errors are dropped.
func (c *Cache[T]) RefreshErrors() <-chan error {
	return c.refreshErrs
}

// Close waits for in-flight background refreshes to finish.
func (c *Cache[T]) Close() {
	c.wg.Wait()
}

func inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}

// Get returns the value for key, fetching through fetch when the cache
// cannot serve it. Fresh entries return immediately. Stale entries return
// immediately and revalidate in the background, with at most one refresher
// across the cluster. Missing and expired entries block up to MissTimeout
// for a single fetcher to fill the key.
func (c *Cache[T]) Get(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	var zero T
	entry, found, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("reading cache entry: %w", err)
	}
	state := cache.Missing
	if found {
		state = entry.StateAt(c.now())
	}

	switch state {
	case cache.Fresh:
		return entry.Value, nil
	case cache.Stale:
		inc(c.staleServes)
		c.revalidate(key, fetch)
		return entry.Value, nil
	default:
		return c.fillMiss(ctx, key, entry, found, fetch)
	}
}

// Set stores a value directly, bypassing the refresh lock. Intended for
// writers that already hold authoritative data.
func (c *Cache[T]) Set(ctx context.Context, key string, value T) error {
	return c.store.Set(ctx, key, c.newEntry(value))
}

// Delete removes the key from the backing store.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

func (c *Cache[T]) newEntry(value T) cache.Entry[T] {
	now := c.now()
	return cache.Entry[T]{
		Value:       value,
		CreatedAt:   now,
		RefreshedAt: now,
		TTL:         c.opts.TTL,
		StaleWindow: c.opts.StaleWindow,
		Namespace:   c.opts.Namespace,
		RetainFor:   c.opts.TTL + c.opts.StaleTTL,
	}
}

// revalidate performs the stale-path background refresh. Exactly one caller
// cluster-wide wins the non-blocking lock attempt; everyone else keeps
// serving the stale value until the winner finishes.
func (c *Cache[T]) revalidate(key string, fetch FetchFunc[T]) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.LockTTL)
		defer cancel()

		h, won, err := c.sched.TryLock(ctx, c.opts.Namespace, key, c.opts.LockTTL)
		if err != nil {
			c.reportRefreshErr(fmt.Errorf("acquiring refresh lock for %q: %w", key, err))
			return
		}
		if !won {
			inc(c.refreshSkips)
			return
		}
		defer func() { _ = c.sched.Unlock(ctx, h) }()

		// A previous holder may have refreshed the entry already.
		if entry, found, err := c.store.Get(ctx, key); err == nil && found {
			if entry.StateAt(c.now()) == cache.Fresh {
				inc(c.refreshSkips)
				return
			}
		}

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
	}()
}

func (c *Cache[T]) reportRefreshErr(err error) {
	select {
	case c.refreshErrs <- err:
	default:
	}
}

// fillMiss handles the Missing and Expired states. It races for the refresh
// lock; the winner fetches and populates the key, losers poll the store
// (woken early by notify events when a bus is attached) until the winner's
// value lands or MissTimeout elapses.
func (c *Cache[T]) fillMiss(ctx context.Context, key string, prev cache.Entry[T], hadPrev bool, fetch FetchFunc[T]) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, c.opts.MissTimeout)
	defer cancel()

	events, err := c.sched.Watch(ctx, c.opts.Namespace, key)
	if err != nil {
		return zero, fmt.Errorf("subscribing to refresh events for %q: %w", key, err)
	}
	defer func() { _ = c.sched.Unwatch(context.Background(), c.opts.Namespace, key, events) }()

	ticker := time.NewTicker(c.opts.MissPoll)
	defer ticker.Stop()

	for {
		h, won, err := c.sched.TryLock(ctx, c.opts.Namespace, key, c.opts.LockTTL)
		if err != nil {
			return c.degrade(prev, hadPrev, fmt.Errorf("acquiring refresh lock for %q: %w", key, err))
		}
		if won {
			return c.fillLocked(ctx, key, h, prev, hadPrev, fetch)
		}

		// Someone else holds the lock; re-check the store for their value
		// each poll interval, woken early by refresh events.
		entry, found, err := c.store.Get(ctx, key)
		if err != nil {
			return c.degrade(prev, hadPrev, fmt.Errorf("polling cache entry %q: %w", key, err))
		}
		if found {
			if s := entry.StateAt(c.now()); s == cache.Fresh || s == cache.Stale {
				return entry.Value, nil
			}
		}
		select {
		case <-ctx.Done():
			return c.degrade(prev, hadPrev, ErrWouldBlock)
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// fillLocked runs the single-fetcher path once the refresh lock is held. The
// lock is always released, whatever fetch does.
func (c *Cache[T]) fillLocked(ctx context.Context, key string, h *redlock.Handle, prev cache.Entry[T], hadPrev bool, fetch FetchFunc[T]) (T, error) {
	defer func() { _ = c.sched.Unlock(context.Background(), h) }()

	// Double-check: the previous holder may have populated the key between
	// our store read and winning the lock.
	if entry, found, err := c.store.Get(ctx, key); err == nil && found {
		if s := entry.StateAt(c.now()); s == cache.Fresh || s == cache.Stale {
			return entry.Value, nil
		}
	}

	value, err := fetch(ctx)
	if err != nil {
		inc(c.fetchFails)
		return c.degrade(prev, hadPrev, fmt.Errorf("fetching %q: %w", key, err))
	}
	if err := c.store.Set(ctx, key, c.newEntry(value)); err != nil {
		return value, fmt.Errorf("storing %q: %w", key, err)
	}
	inc(c.refreshWins)
	_ = c.sched.Announce(ctx, c.opts.Namespace, key)
	return value, nil
}

// degrade applies the stale-fallback policy: when allowed and the previous
// value is within the hard staleness ceiling, serve it instead of the error.
func (c *Cache[T]) degrade(prev cache.Entry[T], hadPrev bool, cause error) (T, error) {
	var zero T
	if c.opts.ReturnStale && hadPrev {
		ceiling := prev.RefreshedAt.Add(prev.TTL + c.opts.StaleTTL)
		if c.now().Before(ceiling) {
			inc(c.staleServes)
			return prev.Value, nil
		}
	}
	return zero, cause
}
