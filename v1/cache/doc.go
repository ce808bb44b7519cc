// Package cache defines the timestamped cache entry, its Fresh/Stale/Expired
// state machine, and the backing-store abstraction used by the stale-aware
// cache. Backends exist for local memory, Redis and ristretto.
package cache
