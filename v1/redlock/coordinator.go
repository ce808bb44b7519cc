package redlock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-ward/v1/lockstore"
)

const jitterFactor = 0.1

// Coordinator drives N independent lock stores in parallel and interprets a
// majority as cluster-wide ownership.
type Coordinator struct {
	stores      []lockstore.Store
	quorum      int
	driftFactor float64
	nodeTimeout time.Duration
	retry       RetryConfig
	now         func() time.Time

	acquireCounter prometheus.Counter
	failCounter    prometheus.Counter
	releaseCounter prometheus.Counter
	acquireHist    prometheus.Histogram
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source. Useful for validity-window tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.acquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_lock_acquire_total",
			Help: "Total number of successful lock acquisitions",
		})
		c.failCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_lock_acquire_failures_total",
			Help: "Total number of failed lock acquisition attempts",
		})
		c.releaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_lock_release_total",
			Help: "Total number of lock releases",
		})
		c.acquireHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ward_lock_acquire_seconds",
			Help:    "Latency of lock acquisition attempts",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.acquireCounter, c.failCounter, c.releaseCounter, c.acquireHist)
	}
}

// New returns a Coordinator over the configured store set. The quorum is
// fixed at len(stores)/2+1 for the lifetime of the coordinator.
func New(cfg ClusterConfig, opts ...Option) (*Coordinator, error) {
	if len(cfg.Stores) == 0 {
		return nil, ErrNoStores
	}
	cfg = cfg.withDefaults()
	stores := cfg.Stores
	if cfg.BreakerThreshold > 0 {
		wrapped := make([]lockstore.Store, len(stores))
		for i, s := range stores {
			wrapped[i] = newBreakerStore(s, cfg.BreakerThreshold, cfg.BreakerCooldown)
		}
		stores = wrapped
	}
	c := &Coordinator{
		stores:      stores,
		quorum:      len(stores)/2 + 1,
		driftFactor: cfg.DriftFactor,
		nodeTimeout: cfg.NodeTimeout,
		retry:       cfg.Retry,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Quorum returns the number of nodes that must agree.
func (c *Coordinator) Quorum() int { return c.quorum }

func (c *Coordinator) perNodeTimeout(ttl time.Duration) time.Duration {
	if c.nodeTimeout > 0 {
		return c.nodeTimeout
	}
	return ttl / 10
}

func (c *Coordinator) drift(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl)*c.driftFactor) + driftFloor
}

// TryAcquire performs a single acquisition attempt with no retries. A held
// lock surfaces as ErrQuorumNotReached.
func (c *Coordinator) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	return c.attempt(ctx, key, ttl)
}

// Acquire obtains the lock, retrying failed attempts with exponential
// backoff and jitter until the retry budget or the context deadline is
// exhausted. Each attempt uses a fresh token.
func (c *Coordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
			case <-time.After(c.backoff(attempt)):
			}
		}
		h, err := c.attempt(ctx, key, ttl)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
		}
		lastErr = err
	}
	return nil, lastErr
}

// attempt races one TryAcquire against every node and decides quorum.
// Whatever the outcome, a failed attempt ends with a best-effort release on
// all nodes so partial locks never linger until TTL expiry.
func (c *Coordinator) attempt(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	start := c.now()
	results := make([]bool, len(c.stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, store := range c.stores {
		i, store := i, store
		g.Go(func() error {
			nctx, cancel := context.WithTimeout(gctx, c.perNodeTimeout(ttl))
			defer cancel()
			ok, err := store.TryAcquire(nctx, key, token[:], ttl)
			// Node errors and timeouts are absorbed: they count as a false
			// result for quorum purposes and are never propagated.
			results[i] = err == nil && ok
			return nil
		})
	}
	_ = g.Wait()

	elapsed := c.now().Sub(start)
	if c.acquireHist != nil {
		c.acquireHist.Observe(elapsed.Seconds())
	}
	validity := ttl - elapsed - c.drift(ttl)

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}

	if successes >= c.quorum && validity > 0 {
		if c.acquireCounter != nil {
			c.acquireCounter.Inc()
		}
		return &Handle{
			key:              key,
			quorum:           c.quorum,
			token:            token,
			acquiredAt:       start,
			ttl:              ttl,
			validityDeadline: start.Add(validity),
			nodeResults:      results,
		}, nil
	}

	c.releaseAll(key, token)
	if c.failCounter != nil {
		c.failCounter.Inc()
	}
	if successes >= c.quorum {
		return nil, ErrValidityExpired
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}
	return nil, fmt.Errorf("%w: %d/%d nodes", ErrQuorumNotReached, successes, c.quorum)
}

// Release frees the handle on every node, best effort. Releasing an already
// released handle is a no-op; a false result from a node means the record
// already expired or was reacquired, which is expected. An error is returned
// only when every node errored, and even then the lock self-expires.
func (c *Coordinator) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.markReleased() {
		return nil
	}
	if c.releaseCounter != nil {
		c.releaseCounter.Inc()
	}
	token := h.Token()

	var errs atomic.Int64
	g, _ := errgroup.WithContext(ctx)
	for _, store := range c.stores {
		store := store
		g.Go(func() error {
			nctx, cancel := context.WithTimeout(ctx, c.perNodeTimeout(h.TTL()))
			defer cancel()
			if _, err := store.TryRelease(nctx, h.key, token[:]); err != nil {
				errs.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if int(errs.Load()) == len(c.stores) {
		return ErrReleaseFailed
	}
	return nil
}

// Extend renews the handle for a further ttl using the same quorum protocol
// as acquisition. Extension of a handle already past its validity deadline
// is always rejected.
func (c *Coordinator) Extend(ctx context.Context, h *Handle, ttl time.Duration) (*Handle, error) {
	if h == nil || !h.Valid(c.now()) {
		return nil, ErrHandleExpired
	}
	token := h.Token()

	start := c.now()
	results := make([]bool, len(c.stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, store := range c.stores {
		i, store := i, store
		g.Go(func() error {
			nctx, cancel := context.WithTimeout(gctx, c.perNodeTimeout(ttl))
			defer cancel()
			ok, err := store.TryExtend(nctx, h.key, token[:], ttl)
			results[i] = err == nil && ok
			return nil
		})
	}
	_ = g.Wait()

	elapsed := c.now().Sub(start)
	validity := ttl - elapsed - c.drift(ttl)

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	if successes < c.quorum || validity <= 0 {
		return nil, fmt.Errorf("%w: %d/%d nodes", ErrQuorumNotReached, successes, c.quorum)
	}

	h.extendTo(ttl, start, start.Add(validity), results)
	return h, nil
}

// releaseAll deletes the token from every node after a failed attempt. It
// runs on a background context so caller cancellation cannot leave partial
// locks behind.
func (c *Coordinator) releaseAll(key string, token Token) {
	timeout := c.nodeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	g, _ := errgroup.WithContext(ctx)
	for _, store := range c.stores {
		store := store
		g.Go(func() error {
			_, _ = store.TryRelease(ctx, key, token[:])
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := float64(c.retry.InitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retry.MaxDelay) {
		delay = float64(c.retry.MaxDelay)
	}
	if c.retry.Jitter {
		delay += rand.Float64() * delay * jitterFactor
	}
	return time.Duration(delay)
}
