package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoStore implements Store using dgraph-io/ristretto. Retention maps
// to the ristretto item TTL; cost is a flat per-entry unit unless the value
// implements Sizer.
type RistrettoStore[T any] struct {
	c   *ristretto.Cache
	now func() time.Time
}

// Sizer lets cached values report their own storage cost.
type Sizer interface {
	Size() int64
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a Store backed by ristretto with a generous default
// configuration.
func NewRistretto[T any](opts ...RistrettoOption) *RistrettoStore[T] {
	cfg := &ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		panic(err)
	}
	return &RistrettoStore[T]{c: rc, now: time.Now}
}

func cost[T any](v T) int64 {
	if s, ok := any(v).(Sizer); ok {
		return s.Size()
	}
	return 1
}

// Get implements Store.Get.
func (r *RistrettoStore[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	select {
	case <-ctx.Done():
		return Entry[T]{}, false, ctx.Err()
	default:
	}
	v, ok := r.c.Get(key)
	if !ok {
		return Entry[T]{}, false, nil
	}
	e, _ := v.(Entry[T])
	return e, true, nil
}

// Set implements Store.Set.
func (r *RistrettoStore[T]) Set(ctx context.Context, key string, e Entry[T]) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	retain := e.DropAt().Sub(r.now())
	if retain <= 0 {
		r.c.Del(key)
		r.c.Wait()
		return nil
	}
	r.c.SetWithTTL(key, e, cost(e.Value), retain)
	r.c.Wait()
	return nil
}

// Delete implements Store.Delete.
func (r *RistrettoStore[T]) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Close releases resources held by the cache.
func (r *RistrettoStore[T]) Close() {
	r.c.Close()
}
