package lockstore

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type record struct {
	token     []byte
	expiresAt time.Time
}

// InMemory implements Store using local memory. It is used for tests and for
// single-process deployments; latency and availability can be injected to
// simulate slow or partitioned nodes.
type InMemory struct {
	mu          sync.Mutex
	records     map[string]record
	now         func() time.Time
	latency     time.Duration
	unavailable bool
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithClock overrides the time source. Useful for expiry tests.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemory) { s.now = now }
}

// NewInMemory returns a new in-memory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{records: make(map[string]record), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLatency makes every operation take at least d before responding.
func (s *InMemory) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// SetUnavailable toggles a simulated partition: every operation fails with
// ErrUnavailable while the store is unavailable.
func (s *InMemory) SetUnavailable(v bool) {
	s.mu.Lock()
	s.unavailable = v
	s.mu.Unlock()
}

// Holds reports whether the store currently holds a non-expired record for
// key with the given token. Test helper.
func (s *InMemory) Holds(key string, token []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return ok && s.now().Before(rec.expiresAt) && bytes.Equal(rec.token, token)
}

func (s *InMemory) enter(ctx context.Context) error {
	s.mu.Lock()
	latency := s.latency
	unavailable := s.unavailable
	s.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if unavailable {
		return ErrUnavailable
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

// TryAcquire implements Store.TryAcquire.
func (s *InMemory) TryAcquire(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	if err := s.enter(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec, ok := s.records[key]; ok && now.Before(rec.expiresAt) {
		return false, nil
	}
	s.records[key] = record{token: append([]byte(nil), token...), expiresAt: now.Add(ttl)}
	return true, nil
}

// TryRelease implements Store.TryRelease.
func (s *InMemory) TryRelease(ctx context.Context, key string, token []byte) (bool, error) {
	if err := s.enter(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || !bytes.Equal(rec.token, token) {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// TryExtend implements Store.TryExtend.
func (s *InMemory) TryExtend(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	if err := s.enter(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.records[key]
	if !ok || !now.Before(rec.expiresAt) || !bytes.Equal(rec.token, token) {
		return false, nil
	}
	rec.expiresAt = now.Add(ttl)
	s.records[key] = rec
	return true, nil
}
