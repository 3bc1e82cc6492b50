package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tallyd/internal/model"
	"tallyd/internal/repository"
)

// IntentRegistry creates and looks up pending intents. It never changes an
// intent's status; only the reconciliation engine does, inside its
// settlement transaction.
type IntentRegistry struct {
	store   repository.Store
	txRetry RetryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

func NewIntentRegistry(store repository.Store, txRetry RetryPolicy, logger *slog.Logger) *IntentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentRegistry{store: store, txRetry: txRetry, logger: logger, now: time.Now}
}

// CreateIntent persists a pending intent. A colliding referenceID yields
// ErrAlreadyExists and the caller must pick a fresh one.
func (r *IntentRegistry) CreateIntent(ctx context.Context, req model.CreateIntentRequest) (*model.Intent, error) {
	req.ReferenceID = strings.TrimSpace(req.ReferenceID)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	switch {
	case req.ReferenceID == "":
		return nil, fmt.Errorf("%w: reference_id is required", ErrInvalidArgument)
	case req.SubjectID == "":
		return nil, fmt.Errorf("%w: subject_id is required", ErrInvalidArgument)
	case req.OwnerID == "":
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalidArgument)
	case req.Amount <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}

	intent := &model.Intent{
		ReferenceID: req.ReferenceID,
		SubjectID:   req.SubjectID,
		OwnerID:     req.OwnerID,
		Amount:      req.Amount,
		Status:      model.IntentPending,
		CreatedAt:   r.now().UTC(),
	}
	// Serialization failures are retried; a retry that loses to a concurrent
	// insert of the same key then reports the unique violation.
	err := runTx(ctx, r.store, r.txRetry, nil, "create_intent", func(tx repository.Tx) error {
		return tx.InsertIntent(ctx, intent)
	})
	switch {
	case errors.Is(err, repository.ErrAlreadyExists):
		return nil, fmt.Errorf("%w: intent %s", ErrAlreadyExists, req.ReferenceID)
	case errors.Is(err, ErrConflict):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("create intent: %w", err)
	}

	r.logger.Info("intent created",
		"reference_id", intent.ReferenceID,
		"subject_id", intent.SubjectID,
		"amount", intent.Amount,
	)
	return intent, nil
}

func (r *IntentRegistry) GetIntent(ctx context.Context, referenceID string) (*model.Intent, error) {
	var intent *model.Intent
	err := r.store.View(ctx, func(tx repository.Tx) error {
		var err error
		intent, err = tx.GetIntent(ctx, referenceID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: intent %s", ErrNotFound, referenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return intent, nil
}

// GetOwnedIntent returns the intent only when ownerID created it. An intent
// owned by someone else is reported as missing.
func (r *IntentRegistry) GetOwnedIntent(ctx context.Context, ownerID, referenceID string) (*model.Intent, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}
	intent, err := r.GetIntent(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	if intent.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: intent %s", ErrNotFound, referenceID)
	}
	return intent, nil
}
