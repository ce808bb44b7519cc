// Package redlock implements a quorum-based distributed lock over N
// independent lockstore nodes. An acquisition succeeds when a majority of
// nodes accepted the same random token and the remaining validity window,
// after subtracting acquisition latency and a clock-drift margin from the
// nominal TTL, is still positive. Safety is best-effort under extreme clock
// skew or indefinitely paused processes; within the stated assumptions at
// most one handle for a key is valid at any instant, and an abandoned lock
// becomes acquirable again once its TTL elapses.
package redlock
