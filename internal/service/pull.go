package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tallyd/internal/model"
)

// VerifyPayment is the pull ingress shared by the HTTP, gRPC and NATS
// adapters. The caller must own the intent it asks about. The result is
// always populated so clients can react; the error is returned alongside it
// for adapters that map it to a status code.
func (l *Ledger) VerifyPayment(ctx context.Context, ownerID string, req model.VerifyRequest, source string) (model.VerifyResult, error) {
	res := model.VerifyResult{
		TransactionReference: strings.TrimSpace(req.TransactionReference),
		ReferenceID:          strings.TrimSpace(req.ReferenceID),
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return withError(res, ErrUnauthenticated)
	}
	if res.TransactionReference == "" || res.ReferenceID == "" {
		return withError(res, fmt.Errorf("%w: transactionReference and referenceId are required", ErrInvalidArgument))
	}

	if _, err := l.GetOwnedIntent(ctx, ownerID, res.ReferenceID); err != nil {
		return withError(res, err)
	}

	out, err := l.Reconcile(ctx, Event{
		TransactionReference: res.TransactionReference,
		ReferenceID:          res.ReferenceID,
		Source:               source,
	})
	if err != nil {
		return withError(res, err)
	}
	res.Status = out.Status
	res.IntentStatus = out.IntentStatus
	res.AlreadySettled = out.AlreadySettled
	// Still pending at the processor: ask the client to poll again.
	res.Retry = out.Status == model.PaymentPending
	return res, nil
}

func withError(res model.VerifyResult, err error) (model.VerifyResult, error) {
	res.Error = ErrorCode(err)
	res.Retry = IsTransient(err)
	return res, err
}

// ErrorCode is the stable, client-facing name of err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrRetriable):
		return "retriable"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrMatchFinalized):
		return "match_finalized"
	default:
		return "internal"
	}
}
