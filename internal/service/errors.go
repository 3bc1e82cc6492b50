package service

import "errors"

// Failure taxonomy surfaced to the ingress adapters. Duplicate deliveries
// are not errors: they come back as an Outcome with AlreadySettled set.
var (
	ErrNotFound        = errors.New("not found")
	ErrAmountMismatch  = errors.New("amount mismatch")
	ErrRetriable       = errors.New("payment verifier unavailable")
	ErrConflict        = errors.New("concurrent update conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyExists   = errors.New("already exists")
	ErrMatchFinalized  = errors.New("match already finalized")
)

// IsTransient reports whether the caller should retry the same request later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRetriable) || errors.Is(err, ErrConflict)
}
