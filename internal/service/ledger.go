package service

import (
	"context"

	"tallyd/internal/model"
)

// LedgerService defines the business operations of the ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete components.
type LedgerService interface {
	CreateIntent(ctx context.Context, req model.CreateIntentRequest) (*model.Intent, error)
	GetIntent(ctx context.Context, referenceID string) (*model.Intent, error)
	GetOwnedIntent(ctx context.Context, ownerID, referenceID string) (*model.Intent, error)
	Reconcile(ctx context.Context, ev Event) (Outcome, error)
	VerifyPayment(ctx context.Context, ownerID string, req model.VerifyRequest, source string) (model.VerifyResult, error)

	GetCounter(ctx context.Context, key string) (*model.Counter, error)
	ApplyVote(ctx context.Context, subjectID, transactionReference string) (bool, error)

	CreatePrediction(ctx context.Context, req model.PredictionRequest) (*model.Prediction, error)
	UpdatePrediction(ctx context.Context, predictionID, score string) (*model.Prediction, error)
	FinalizeMatch(ctx context.Context, matchID, score string) (*FinalizeResult, error)
	GetMatch(ctx context.Context, matchID string) (*model.Match, error)
}

// Ledger bundles the components behind LedgerService.
type Ledger struct {
	*IntentRegistry
	*Engine
	*Counters
	*Predictions
}

var _ LedgerService = (*Ledger)(nil)
