package engine

import (
	"context"
	"time"
)

// runExpiryMonitor sweeps overdue flags every ExpiryInterval, independent of
// the submission tick.
func (e *Engine) runExpiryMonitor(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.SweepExpired(ctx)
		}
	}
}

// SweepExpired expires every Pending or retry-eligible Error flag whose
// scoring window has closed, and returns how many it expired.
func (e *Engine) SweepExpired(ctx context.Context) int {
	now := e.now()
	expired := 0
	for _, value := range e.store.Overdue(now) {
		_, ok, err := e.store.ApplyExpiration(ctx, value, now)
		if err != nil {
			e.flagError(value, "expire", err)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		e.log.Info("flags expired", "count", expired)
	}
	return expired
}
