package redlock

import (
	"time"

	"github.com/mirkobrombin/go-ward/v1/lockstore"
)

// RetryConfig bounds the retry loop used by Acquire. Each attempt uses a
// fresh token; delays grow exponentially and are optionally jittered.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
}

// ClusterConfig describes a fixed set of lock stores. The node set is
// immutable for the lifetime of a Coordinator; dynamic membership is out of
// scope. Multiple independently configured coordinators may coexist in one
// process.
type ClusterConfig struct {
	// Stores are the N independent lock-record nodes.
	Stores []lockstore.Store

	// DriftFactor scales the TTL to obtain the clock-drift component of the
	// safety margin. Defaults to 0.01.
	DriftFactor float64

	// NodeTimeout bounds each per-node call. When zero, a tenth of the
	// requested TTL is used.
	NodeTimeout time.Duration

	// Retry configures the Acquire retry loop. Zero values fall back to
	// 3 attempts, 50ms initial delay, 1s cap, jitter on.
	Retry RetryConfig

	// BreakerThreshold, when positive, wraps every store in a circuit
	// breaker that opens after that many consecutive transport errors and
	// stays open for BreakerCooldown (default 30s).
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

const (
	defaultDriftFactor  = 0.01
	defaultMaxAttempts  = 3
	defaultInitialDelay = 50 * time.Millisecond
	defaultMaxDelay     = time.Second
	defaultCooldown     = 30 * time.Second

	// driftFloor bounds the variance of elapsed-time measurement from below,
	// so very small TTLs still carry a non-zero safety margin.
	driftFloor = 2 * time.Millisecond
)

func (c ClusterConfig) withDefaults() ClusterConfig {
	if c.DriftFactor <= 0 {
		c.DriftFactor = defaultDriftFactor
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = defaultInitialDelay
		c.Retry.Jitter = true
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = defaultMaxDelay
	}
	if c.BreakerThreshold > 0 && c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultCooldown
	}
	return c
}
