package lockstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a store cannot be reached. Callers treat it
// the same as a false result when counting quorum.
var ErrUnavailable = errors.New("ward: lock store unavailable")

// Store is a single independent lock-record node. A node holds at most one
// record per key; writes are only permitted when the key is absent or its
// record has expired.
type Store interface {
	// TryAcquire atomically sets key to token with the given expiry, only if
	// the key is currently absent or expired. It returns true iff the write
	// succeeded.
	TryAcquire(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error)
	// TryRelease atomically deletes key only if its current value equals
	// token. A false result means the key was absent or owned by a different
	// token; both are expected and safe.
	TryRelease(ctx context.Context, key string, token []byte) (bool, error)
	// TryExtend atomically resets the expiry of key only if its current value
	// equals token.
	TryExtend(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error)
}
