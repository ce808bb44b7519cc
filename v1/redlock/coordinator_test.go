package redlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-ward/v1/lockstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newMemCluster(n int, clock *fakeClock) ([]*lockstore.InMemory, []lockstore.Store) {
	nodes := make([]*lockstore.InMemory, n)
	stores := make([]lockstore.Store, n)
	for i := range nodes {
		if clock != nil {
			nodes[i] = lockstore.NewInMemory(lockstore.WithClock(clock.Now))
		} else {
			nodes[i] = lockstore.NewInMemory()
		}
		stores[i] = nodes[i]
	}
	return nodes, stores
}

func TestQuorumWithTwoNodeFailures(t *testing.T) {
	nodes, stores := newMemCluster(5, nil)
	nodes[0].SetUnavailable(true)
	nodes[1].SetUnavailable(true)

	c, err := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire with 2/5 failures: %v", err)
	}
	successes := 0
	for _, ok := range h.NodeResults() {
		if ok {
			successes++
		}
	}
	if successes != 3 {
		t.Fatalf("successes = %d, want 3", successes)
	}
	if err := c.Release(context.Background(), h); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestQuorumFailureReleasesPartialLocks(t *testing.T) {
	nodes, stores := newMemCluster(5, nil)
	nodes[0].SetUnavailable(true)
	nodes[1].SetUnavailable(true)
	nodes[2].SetUnavailable(true)

	c, err := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.TryAcquire(context.Background(), "k", time.Second)
	if !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("expected ErrQuorumNotReached, got %v", err)
	}

	// The two reachable nodes accepted the token; the failed attempt must
	// have cleaned them up so other callers are not blocked until TTL.
	for i := 3; i < 5; i++ {
		if ok, _ := nodes[i].TryAcquire(context.Background(), "k", []byte("probe"), time.Second); !ok {
			t.Fatalf("node %d still holds a partial lock", i)
		}
	}
}

func TestValidityWindowScenario(t *testing.T) {
	nodes, stores := newMemCluster(5, nil)
	for _, n := range nodes {
		n.SetLatency(50 * time.Millisecond)
	}
	c, err := New(ClusterConfig{Stores: stores, DriftFactor: 0.01, NodeTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	start := time.Now()
	h, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// validity = 1000ms - elapsed(>=50ms) - (10ms + 2ms floor) ~ 938ms.
	validity := h.ValidityDeadline().Sub(start)
	if validity > 940*time.Millisecond || validity < 850*time.Millisecond {
		t.Fatalf("validity = %v, want roughly 938ms", validity)
	}
	if !h.Valid(time.Now()) {
		t.Fatal("handle should be valid right after acquisition")
	}

	// A second acquisition on the same key must fail while the lock is held.
	if _, err := c.TryAcquire(context.Background(), "k", time.Second); !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("expected ErrQuorumNotReached while held, got %v", err)
	}
}

func TestLivenessAfterTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	_, stores := newMemCluster(5, clock)
	c, err := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	h, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := c.TryAcquire(context.Background(), "k", time.Second); err == nil {
		t.Fatal("second acquisition must fail at t=0")
	}

	clock.Advance(500 * time.Millisecond)
	if _, err := c.TryAcquire(context.Background(), "k", time.Second); err == nil {
		t.Fatal("second acquisition must fail at t=500ms")
	}

	// The holder never releases; after the TTL the lock is acquirable again
	// with no manual intervention.
	clock.Advance(501 * time.Millisecond)
	h2, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquisition after expiry: %v", err)
	}
	if h2.Token() == h.Token() {
		t.Fatal("reacquisition must use a fresh token")
	}
}

func TestReleaseAfterReacquisitionIsNoOp(t *testing.T) {
	clock := newFakeClock()
	nodes, stores := newMemCluster(3, clock)
	c, err := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	h1, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(1100 * time.Millisecond)
	h2, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	// Stale release must not corrupt the new holder's lock.
	if err := c.Release(context.Background(), h1); err != nil {
		t.Fatalf("stale release must be a non-error no-op, got %v", err)
	}
	tok := h2.Token()
	for i, n := range nodes {
		if !n.Holds("k", tok[:]) {
			t.Fatalf("node %d lost the new holder's record", i)
		}
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	_, stores := newMemCluster(3, nil)
	c, _ := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond})
	h, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := c.Release(context.Background(), h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.Release(context.Background(), h); err != nil {
		t.Fatalf("double release must be a no-op, got %v", err)
	}
	if h.Valid(time.Now()) {
		t.Fatal("released handle must not be valid")
	}
}

func TestReleaseAllNodesUnreachable(t *testing.T) {
	nodes, stores := newMemCluster(3, nil)
	c, _ := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond})
	h, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for _, n := range nodes {
		n.SetUnavailable(true)
	}
	if err := c.Release(context.Background(), h); !errors.Is(err, ErrReleaseFailed) {
		t.Fatalf("expected ErrReleaseFailed, got %v", err)
	}
}

func TestValidityExpiredDespiteQuorum(t *testing.T) {
	nodes, stores := newMemCluster(3, nil)
	for _, n := range nodes {
		n.SetLatency(60 * time.Millisecond)
	}
	c, _ := New(ClusterConfig{Stores: stores, NodeTimeout: 500 * time.Millisecond})
	_, err := c.TryAcquire(context.Background(), "k", 40*time.Millisecond)
	if !errors.Is(err, ErrValidityExpired) {
		t.Fatalf("expected ErrValidityExpired, got %v", err)
	}
	// Defensive refusal must also have released the accepted records.
	for _, n := range nodes {
		n.SetLatency(0)
	}
	if ok, _ := nodes[0].TryAcquire(context.Background(), "k", []byte("probe"), time.Second); !ok {
		t.Fatal("record left behind after refused acquisition")
	}
}

func TestExtendRenewsValidity(t *testing.T) {
	clock := newFakeClock()
	_, stores := newMemCluster(3, clock)
	c, _ := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond}, WithClock(clock.Now))

	h, err := c.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before := h.ValidityDeadline()

	clock.Advance(500 * time.Millisecond)
	if _, err := c.Extend(context.Background(), h, time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !h.ValidityDeadline().After(before) {
		t.Fatal("extension did not push the validity deadline forward")
	}

	clock.Advance(2 * time.Second)
	if _, err := c.Extend(context.Background(), h, time.Second); !errors.Is(err, ErrHandleExpired) {
		t.Fatalf("extension past validity must be rejected, got %v", err)
	}
}

func TestConcurrentAcquirersMutualExclusion(t *testing.T) {
	_, stores := newMemCluster(5, nil)
	c, _ := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond})

	const contenders = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*Handle
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.TryAcquire(context.Background(), "k", time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(handles) > 1 {
		t.Fatalf("%d handles acquired concurrently, want at most 1", len(handles))
	}
	// Either one caller won, or the votes split and everyone cleaned up; in
	// both cases a follow-up acquisition after release must succeed.
	for _, h := range handles {
		_ = c.Release(context.Background(), h)
	}
	if _, err := c.TryAcquire(context.Background(), "k", time.Second); err != nil {
		t.Fatalf("acquisition after cleanup: %v", err)
	}
}

func TestAcquireRetriesThenTimesOut(t *testing.T) {
	_, stores := newMemCluster(3, nil)
	c, _ := New(ClusterConfig{
		Stores:      stores,
		NodeTimeout: 100 * time.Millisecond,
		Retry:       RetryConfig{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})

	if _, err := c.TryAcquire(context.Background(), "k", time.Minute); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	if _, err := c.Acquire(context.Background(), "k", time.Minute); !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("expected ErrQuorumNotReached after retries, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
}

func TestAutoExtendKeepsHandleAlive(t *testing.T) {
	_, stores := newMemCluster(3, nil)
	c, _ := New(ClusterConfig{Stores: stores, NodeTimeout: 100 * time.Millisecond})

	h, err := c.TryAcquire(context.Background(), "k", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := c.AutoExtend(ctx, h, 50*time.Millisecond)

	time.Sleep(400 * time.Millisecond)
	if !h.Valid(time.Now()) {
		t.Fatal("handle expired despite auto-extension")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("auto-extend terminated with error: %v", err)
	}
}
