package redlock

import "errors"

var (
	// ErrNoStores is returned by New when the cluster has no nodes.
	ErrNoStores = errors.New("ward: at least one lock store is required")
	// ErrQuorumNotReached is returned when fewer than quorum nodes accepted
	// the acquisition or extension.
	ErrQuorumNotReached = errors.New("ward: lock quorum not reached")
	// ErrAcquireTimeout is returned when the caller's deadline elapsed before
	// a quorum decision.
	ErrAcquireTimeout = errors.New("ward: lock acquire deadline exceeded")
	// ErrValidityExpired is returned when raw quorum was met but the computed
	// validity window was non-positive; the acquisition is refused
	// defensively and the partial locks are released.
	ErrValidityExpired = errors.New("ward: lock validity window elapsed during acquisition")
	// ErrHandleExpired is returned when extending or auto-extending a handle
	// that is already past its validity deadline.
	ErrHandleExpired = errors.New("ward: lock handle past validity deadline")
	// ErrReleaseFailed is returned when releasing a handle failed on every
	// node. The lock still self-expires, so this is a warning, not a fatal
	// condition.
	ErrReleaseFailed = errors.New("ward: lock release failed on all nodes")
	// ErrCircuitOpen is returned by a node wrapper while its circuit breaker
	// is open; the coordinator counts it as an ordinary node failure.
	ErrCircuitOpen = errors.New("ward: lock store circuit open")
)
