package redlock

import (
	"context"
	"time"
)

// AutoExtend renews the handle every interval with its original TTL until the
// context is cancelled, the handle is released, or an extension fails. The
// returned channel receives the terminating error (nil on context cancel or
// release) and is then closed.
func (c *Coordinator) AutoExtend(ctx context.Context, h *Handle, interval time.Duration) <-chan error {
	done := make(chan error, 1)
	if interval <= 0 {
		interval = h.TTL() / 2
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				done <- nil
				return
			case <-ticker.C:
				if !h.Valid(c.now()) {
					done <- ErrHandleExpired
					return
				}
				if _, err := c.Extend(ctx, h, h.TTL()); err != nil {
					done <- err
					return
				}
			}
		}
	}()
	return done
}
