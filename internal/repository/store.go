package repository

import (
	"context"
	"errors"
	"time"

	"tallyd/internal/model"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict means the transaction lost an optimistic-concurrency race and
	// can be retried from the top.
	ErrConflict = errors.New("transaction conflict")
)

// Store is the transactional ledger store. RunInTx runs fn inside a single
// read-write transaction that either commits entirely or not at all; reads
// done through the Tx are protected against concurrent modification until
// commit. View runs fn in a read-only transaction.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx exposes the ledger documents inside a transaction. Getters return
// ErrNotFound when the document does not exist, except GetCounter which
// returns an empty counter.
type Tx interface {
	GetIntent(ctx context.Context, referenceID string) (*model.Intent, error)
	InsertIntent(ctx context.Context, intent *model.Intent) error
	UpdateIntent(ctx context.Context, intent *model.Intent) error

	GetPayment(ctx context.Context, transactionReference string) (*model.Payment, error)
	InsertPayment(ctx context.Context, payment *model.Payment) error
	MergePaymentMetadata(ctx context.Context, transactionReference string, metadata map[string]string) error

	GetVote(ctx context.Context, subjectID, transactionReference string) (*model.Vote, error)
	InsertVote(ctx context.Context, vote *model.Vote) error
	MarkVoteApplied(ctx context.Context, subjectID, transactionReference string, at time.Time) error
	ListUnappliedVotes(ctx context.Context, limit int) ([]model.Vote, error)

	GetCounter(ctx context.Context, key string) (*model.Counter, error)
	PutCounterBucket(ctx context.Context, key, bucket string, value int64) error

	GetMatch(ctx context.Context, matchID string) (*model.Match, error)
	PutMatch(ctx context.Context, match *model.Match) error

	GetPrediction(ctx context.Context, predictionID string) (*model.Prediction, error)
	InsertPrediction(ctx context.Context, prediction *model.Prediction) error
	UpdatePrediction(ctx context.Context, prediction *model.Prediction) error
	ListPredictionsByMatch(ctx context.Context, matchID string) ([]model.Prediction, error)
}

// mergeMetadata copies descriptive fields from incoming that are not yet
// present in current. Existing keys are never overwritten.
func mergeMetadata(current, incoming map[string]string) (map[string]string, bool) {
	changed := false
	if current == nil {
		current = make(map[string]string, len(incoming))
	}
	for k, v := range incoming {
		if _, ok := current[k]; ok {
			continue
		}
		current[k] = v
		changed = true
	}
	return current, changed
}
