package engine

import (
	"context"
	"time"

	"github.com/peace-maker/anthill/internal/types"
)

// reconcileTimeout bounds how long persisting one batch outcome may take.
const reconcileTimeout = 10 * time.Second

// runBatcher submits one batch per tick. The next draw happens only after
// the previous batch has been reconciled, so batches never overlap.
func (e *Engine) runBatcher(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickLength)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.SubmitPending(ctx)
		}
	}
}

// SubmitPending draws up to batch_size eligible flags, oldest first, submits
// them as one batch and reconciles the outcome. It returns the number of
// flags submitted.
func (e *Engine) SubmitPending(ctx context.Context) int {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if ctx.Err() != nil {
		return 0
	}
	batch := e.store.ListPending(e.cfg.BatchSize)
	if len(batch) == 0 {
		return 0
	}

	values := flagValues(batch)

	bctx, cancel := e.batchContext(ctx)
	defer cancel()

	attempt := e.now()
	start := time.Now()
	e.log.Debug("submitting batch", "size", len(values), "oldest", batch[0].FirstSeen)
	verdicts, err := e.client.Submit(bctx, values)

	// The outcome is persisted even when the grace period cut the request
	// short, otherwise the flag would stay Pending without an attempt.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(bctx), reconcileTimeout)
	defer rcancel()
	e.metrics.batch(rctx, len(values), time.Since(start))
	e.reconcile(rctx, values, verdicts, err, attempt)
	return len(values)
}

// batchContext detaches the batch from parent cancellation: once parent is
// done, the batch has ShutdownGrace left to finish and reconcile.
func (e *Engine) batchContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(e.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.log.Warn("shutdown grace elapsed, abandoning in-flight batch")
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func flagValues(flags []types.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.Value
	}
	return out
}
