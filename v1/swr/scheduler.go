package swr

import (
	"context"
	"errors"
	"time"

	"github.com/mirkobrombin/go-ward/v1/notify"
	"github.com/mirkobrombin/go-ward/v1/redlock"
)

// Scheduler owns the refresh-lock naming convention and is the only
// component that talks to the lock coordinator on behalf of a cache. It can
// optionally announce completed refreshes on a Bus so processes waiting on a
// miss wake up before their next poll.
type Scheduler struct {
	coord *redlock.Coordinator
	bus   notify.Bus
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithBus attaches a notify bus; refresh completions for a key are published
// on it and waiters can subscribe through Watch.
func WithBus(bus notify.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

// NewScheduler returns a Scheduler backed by the given coordinator.
func NewScheduler(coord *redlock.Coordinator, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{coord: coord}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lockName(namespace, key string) string {
	return "refresh:" + namespace + ":" + key
}

// TryLock makes a single, non-retrying attempt at the refresh lock for the
// key. A lost race is not an error: it returns (nil, false, nil) so callers
// on the stale path can simply move on.
func (s *Scheduler) TryLock(ctx context.Context, namespace, key string, ttl time.Duration) (*redlock.Handle, bool, error) {
	h, err := s.coord.TryAcquire(ctx, lockName(namespace, key), ttl)
	if err != nil {
		if errors.Is(err, redlock.ErrQuorumNotReached) || errors.Is(err, redlock.ErrValidityExpired) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return h, true, nil
}

// Lock obtains the refresh lock for the key, retrying with backoff until the
// coordinator's retry budget or ctx is exhausted.
func (s *Scheduler) Lock(ctx context.Context, namespace, key string, ttl time.Duration) (*redlock.Handle, error) {
	return s.coord.Acquire(ctx, lockName(namespace, key), ttl)
}

// Unlock releases a refresh lock. Release is best effort; the lock
// self-expires either way.
func (s *Scheduler) Unlock(ctx context.Context, h *redlock.Handle) error {
	return s.coord.Release(ctx, h)
}

// Announce publishes a refresh-completed event for the key. It is a no-op
// without a bus.
func (s *Scheduler) Announce(ctx context.Context, namespace, key string) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Publish(ctx, lockName(namespace, key))
}

// Watch subscribes to refresh-completed events for the key. It returns nil
// without a bus; callers fall back to pure polling.
func (s *Scheduler) Watch(ctx context.Context, namespace, key string) (chan struct{}, error) {
	if s.bus == nil {
		return nil, nil
	}
	return s.bus.Subscribe(ctx, lockName(namespace, key))
}

// Unwatch drops a subscription obtained from Watch.
func (s *Scheduler) Unwatch(ctx context.Context, namespace, key string, ch chan struct{}) error {
	if s.bus == nil || ch == nil {
		return nil
	}
	return s.bus.Unsubscribe(ctx, lockName(namespace, key), ch)
}
