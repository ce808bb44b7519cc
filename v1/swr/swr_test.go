package swr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-ward/v1/cache"
	"github.com/mirkobrombin/go-ward/v1/lockstore"
	"github.com/mirkobrombin/go-ward/v1/notify"
	"github.com/mirkobrombin/go-ward/v1/redlock"
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

type testEnv struct {
	cache *Cache[string]
	store *cache.InMemory[string]
	sched *Scheduler
	clock *fakeClock
}

func newTestEnv(t *testing.T, opts Options, bus notify.Bus) *testEnv {
	t.Helper()
	clock := newFakeClock()

	stores := make([]lockstore.Store, 3)
	for i := range stores {
		stores[i] = lockstore.NewInMemory(lockstore.WithClock(clock.Now))
	}
	coord, err := redlock.New(redlock.ClusterConfig{Stores: stores}, redlock.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("redlock.New: %v", err)
	}

	var schedOpts []SchedulerOption
	if bus != nil {
		schedOpts = append(schedOpts, WithBus(bus))
	}
	sched := NewScheduler(coord, schedOpts...)
	store := cache.NewInMemory[string](cache.WithClock[string](clock.Now))
	t.Cleanup(store.Close)

	c := New[string](store, sched, opts, WithClock[string](clock.Now))
	t.Cleanup(c.Close)
	return &testEnv{cache: c, store: store, sched: sched, clock: clock}
}

func countingFetch(n *atomic.Int64, value string, delay time.Duration) FetchFunc[string] {
	return func(ctx context.Context) (string, error) {
		n.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		return value, nil
	}
}

func failingFetch(n *atomic.Int64) FetchFunc[string] {
	return func(ctx context.Context) (string, error) {
		n.Add(1)
		return "", fmt.Errorf("upstream down")
	}
}

func TestFreshReadNeverFetches(t *testing.T) {
	env := newTestEnv(t, Options{TTL: 300 * time.Second, StaleWindow: 60 * time.Second}, nil)
	ctx := context.Background()

	if err := env.cache.Set(ctx, "orders", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	env.clock.Advance(100 * time.Second)

	var fetches atomic.Int64
	got, err := env.cache.Get(ctx, "orders", countingFetch(&fetches, "v2", 0))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v1" {
		t.Fatalf("got %q, want v1", got)
	}
	if n := fetches.Load(); n != 0 {
		t.Fatalf("fetches = %d, want 0", n)
	}
}

func TestMissStampedeSingleFetch(t *testing.T) {
	env := newTestEnv(t, Options{
		TTL:         300 * time.Second,
		StaleWindow: 60 * time.Second,
		MissTimeout: 5 * time.Second,
		MissPoll:    5 * time.Millisecond,
	}, nil)
	ctx := context.Background()

	var fetches atomic.Int64
	fetch := countingFetch(&fetches, "fetched", 50*time.Millisecond)

	const contenders = 50
	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.cache.Get(ctx, "orders", fetch)
			if err != nil {
				errs <- err
				return
			}
			if got != "fetched" {
				errs <- fmt.Errorf("got %q, want fetched", got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("contender: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestStaleReadReturnsImmediatelyAndRefreshesOnce(t *testing.T) {
	env := newTestEnv(t, Options{TTL: 300 * time.Second, StaleWindow: 60 * time.Second}, nil)
	ctx := context.Background()

	if err := env.cache.Set(ctx, "orders", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	// 250s into a 300s TTL with a 60s stale window: stale but not expired.
	env.clock.Advance(250 * time.Second)

	var fetches atomic.Int64
	fetch := countingFetch(&fetches, "v2", 50*time.Millisecond)

	const readers = 50
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.cache.Get(ctx, "orders", fetch)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			if got != "v1" {
				t.Errorf("got %q, want stale v1", got)
			}
		}()
	}
	wg.Wait()
	env.cache.Close() // wait for the background refresh

	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
	entry, found, err := env.store.Get(ctx, "orders")
	if err != nil || !found {
		t.Fatalf("refreshed entry missing: found=%v err=%v", found, err)
	}
	if entry.Value != "v2" {
		t.Fatalf("refreshed value = %q, want v2", entry.Value)
	}
	if entry.StateAt(env.clock.Now()) != cache.Fresh {
		t.Fatalf("refreshed entry state = %v, want fresh", entry.StateAt(env.clock.Now()))
	}
}

func TestStaleFetchErrorReportedOutOfBand(t *testing.T) {
	env := newTestEnv(t, Options{TTL: 300 * time.Second, StaleWindow: 60 * time.Second}, nil)
	ctx := context.Background()

	if err := env.cache.Set(ctx, "orders", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	env.clock.Advance(250 * time.Second)

	var fetches atomic.Int64
	got, err := env.cache.Get(ctx, "orders", failingFetch(&fetches))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v1" {
		t.Fatalf("got %q, want stale v1", got)
	}
	env.cache.Close()

	select {
	case rerr := <-env.cache.RefreshErrors():
		if rerr == nil {
			t.Fatal("nil refresh error")
		}
	default:
		t.Fatal("no refresh error reported")
	}

	// The failed refresher must have released the lock: a later miss-path
	// read can acquire it.
	env.clock.Advance(100 * time.Second) // entry now expired
	got, err = env.cache.Get(ctx, "orders", countingFetch(&fetches, "v2", 0))
	if err != nil {
		t.Fatalf("get after failed refresh: %v", err)
	}
	if got != "v2" {
		t.Fatalf("got %q, want v2", got)
	}
}

func TestExpiredFallbackWithinStaleTTL(t *testing.T) {
	env := newTestEnv(t, Options{
		TTL:         300 * time.Second,
		StaleWindow: 60 * time.Second,
		StaleTTL:    120 * time.Second,
		ReturnStale: true,
		MissTimeout: time.Second,
	}, nil)
	ctx := context.Background()

	if err := env.cache.Set(ctx, "orders", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	env.clock.Advance(350 * time.Second) // expired, 50s into the 120s fallback window

	var fetches atomic.Int64
	got, err := env.cache.Get(ctx, "orders", failingFetch(&fetches))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v1" {
		t.Fatalf("got %q, want degraded v1", got)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestExpiredFallbackBeyondStaleTTLFails(t *testing.T) {
	env := newTestEnv(t, Options{
		TTL:         300 * time.Second,
		StaleWindow: 60 * time.Second,
		StaleTTL:    120 * time.Second,
		ReturnStale: true,
		MissTimeout: time.Second,
	}, nil)
	ctx := context.Background()

	if err := env.cache.Set(ctx, "orders", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	env.clock.Advance(450 * time.Second) // past TTL+StaleTTL

	var fetches atomic.Int64
	_, err := env.cache.Get(ctx, "orders", failingFetch(&fetches))
	if err == nil {
		t.Fatal("expected fetch error, got degraded value past the staleness ceiling")
	}
}

func TestMissLockHeldElsewhereWouldBlock(t *testing.T) {
	env := newTestEnv(t, Options{
		TTL:         300 * time.Second,
		MissTimeout: 100 * time.Millisecond,
		MissPoll:    10 * time.Millisecond,
	}, nil)
	ctx := context.Background()

	// Another process holds the refresh lock and never populates the key.
	h, err := env.sched.Lock(ctx, "default", "orders", time.Hour)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer env.sched.Unlock(ctx, h)

	var fetches atomic.Int64
	_, err = env.cache.Get(ctx, "orders", countingFetch(&fetches, "v1", 0))
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
	if n := fetches.Load(); n != 0 {
		t.Fatalf("fetches = %d, want 0", n)
	}
}

func TestMissLoserWokenByBusEvent(t *testing.T) {
	bus := notify.NewInMemoryBus()
	env := newTestEnv(t, Options{
		TTL:         300 * time.Second,
		MissTimeout: 5 * time.Second,
		MissPoll:    time.Second, // long poll so only the bus can wake us quickly
	}, bus)
	ctx := context.Background()

	h, err := env.sched.Lock(ctx, "default", "orders", time.Hour)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		got, err := env.cache.Get(ctx, "orders", countingFetch(new(atomic.Int64), "loser", 0))
		if err != nil {
			t.Errorf("loser get: %v", err)
		}
		done <- got
	}()

	time.Sleep(50 * time.Millisecond) // let the loser subscribe and block
	if err := env.cache.Set(ctx, "orders", "winner"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := env.sched.Unlock(ctx, h); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := env.sched.Announce(ctx, "default", "orders"); err != nil {
		t.Fatalf("announce: %v", err)
	}

	select {
	case got := <-done:
		if got != "winner" {
			t.Fatalf("got %q, want winner", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("loser was not woken by the bus event")
	}
}

func TestSetThenDelete(t *testing.T) {
	env := newTestEnv(t, Options{TTL: time.Minute}, nil)
	ctx := context.Background()

	if err := env.cache.Set(ctx, "orders", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := env.cache.Delete(ctx, "orders"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, err := env.store.Get(ctx, "orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("entry survived delete")
	}
}
