// Package submission talks to the scoring endpoint that judges flags.
package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/peace-maker/anthill/internal/types"
)

// Client submits one batch of flag values and returns one verdict per flag,
// in batch order. A whole-batch failure is reported as a *Failure.
type Client interface {
	Submit(ctx context.Context, flags []string) ([]types.Verdict, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, flags []string) ([]types.Verdict, error)

// Submit calls f.
func (f ClientFunc) Submit(ctx context.Context, flags []string) ([]types.Verdict, error) {
	return f(ctx, flags)
}

// Failure is a batch-level submission failure.
type Failure struct {
	// Retryable is false when resubmitting the same batch cannot succeed,
	// e.g. the endpoint rejected our credentials.
	Retryable  bool
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	kind := "permanent"
	if f.Retryable {
		kind = "transient"
	}
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s submission failure (HTTP %d): %v", kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("%s submission failure: %v", kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) *Failure { return &Failure{Retryable: true, Err: err} }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *Failure { return &Failure{Retryable: false, Err: err} }

// IsRetryable reports whether a failed batch may be tried again. Errors that
// are not a *Failure are treated as transient.
func IsRetryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	return err != nil
}
