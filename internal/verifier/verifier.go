// Package verifier talks to the payment processor to obtain the
// authoritative verdict for a transaction reference.
package verifier

import (
	"context"
	"errors"
	"time"

	"tallyd/internal/model"
)

// ErrUnavailable means the processor could not be asked (network failure,
// timeout, 5xx, rate limited). Callers may retry later.
var ErrUnavailable = errors.New("payment verifier unavailable")

// Verdict is the processor's view of a transaction.
type Verdict struct {
	TransactionReference string
	Status               model.PaymentStatus
	Amount               int64
	Currency             string
	Channel              string
	// ReferenceID is the intent reference the processor has on file, when it reports one.
	ReferenceID string
	PaidAt      *time.Time
	Metadata    map[string]string
}

type Verifier interface {
	Verify(ctx context.Context, transactionReference string) (Verdict, error)
}

// Func adapts a plain function to the Verifier interface.
type Func func(ctx context.Context, transactionReference string) (Verdict, error)

func (f Func) Verify(ctx context.Context, transactionReference string) (Verdict, error) {
	return f(ctx, transactionReference)
}
