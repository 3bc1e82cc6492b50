package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"tallyd/internal/metrics"
	"tallyd/internal/repository"
)

// RetryPolicy bounds how often an operation is attempted and how long to
// back off between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   25 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// runTx runs fn in a store transaction, retrying the whole transaction when
// the store reports a concurrency conflict. Exhausted retries surface as
// ErrConflict; any other error is returned unchanged.
func runTx(ctx context.Context, store repository.Store, policy RetryPolicy, m *metrics.Metrics, op string, fn func(tx repository.Tx) error) error {
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := store.RunInTx(ctx, fn)
		if errors.Is(err, repository.ErrConflict) {
			if m != nil {
				m.TxConflicts.WithLabelValues(op).Inc()
			}
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
	}
	return err
}
