package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peace-maker/anthill/internal/eventbus"
	"github.com/peace-maker/anthill/internal/flagstore"
	"github.com/peace-maker/anthill/internal/submission"
	"github.com/peace-maker/anthill/internal/types"
)

// reconcile maps the outcome of one batch back onto the flag store. Each
// flag is handled on its own; a failure for one never skips the rest.
func (e *Engine) reconcile(ctx context.Context, batch []string, verdicts []types.Verdict, err error, attempt time.Time) {
	if err == nil && len(verdicts) != len(batch) {
		err = submission.Transient(fmt.Errorf("endpoint returned %d verdicts for %d flags", len(verdicts), len(batch)))
	}
	if err != nil {
		e.reconcileFailure(ctx, batch, err, attempt)
		return
	}

	for i, value := range batch {
		verdict := verdicts[i]
		f, final, applyErr := e.store.ApplyVerdict(ctx, value, verdict, attempt)
		if applyErr != nil {
			e.flagError(value, "apply verdict", applyErr)
			continue
		}
		e.metrics.verdict(ctx, verdict)
		if final {
			e.abandon(ctx, f, fmt.Sprintf("retries exhausted: endpoint answered %q", verdict))
		}
	}
}

func (e *Engine) reconcileFailure(ctx context.Context, batch []string, err error, attempt time.Time) {
	retryable := submission.IsRetryable(err)
	e.metrics.batchFailure(ctx, retryable)
	e.log.Warn("batch submission failed",
		"size", len(batch),
		"retryable", retryable,
		"error", err)

	for _, value := range batch {
		f, final, applyErr := e.store.ApplyFailure(ctx, value, attempt, retryable)
		if applyErr != nil {
			e.flagError(value, "apply failure", applyErr)
			continue
		}
		if final {
			reason := "retries exhausted: " + err.Error()
			if !retryable {
				reason = "permanent failure: " + err.Error()
			}
			e.abandon(ctx, f, reason)
		}
	}
}

// abandon raises the operator alert for a flag that ended in final Error.
func (e *Engine) abandon(ctx context.Context, f types.Flag, reason string) {
	e.metrics.abandoned.Add(ctx, 1)
	e.dispatch(ctx, &eventbus.Event{
		Type:       eventbus.EventFlagAbandoned,
		Flag:       f.Value,
		From:       types.StateError,
		To:         types.StateError,
		RetryCount: f.RetryCount,
		Reason:     reason,
	})
}

func (e *Engine) flagError(value, op string, err error) {
	var nf *flagstore.NotFoundError
	if errors.As(err, &nf) {
		// The batch was built from the store, so this is a bug.
		e.log.Error("batch referenced unknown flag", "flag", value, "op", op)
		return
	}
	e.log.Error("could not update flag", "flag", value, "op", op, "error", err)
}
