package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tallyd/internal/metrics"
	"tallyd/internal/model"
	"tallyd/internal/repository"
)

// Predictions owns prediction writes. Each write and the matching trend
// histogram change commit in the same transaction.
type Predictions struct {
	store    repository.Store
	counters *Counters
	retry    RetryPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewPredictions(store repository.Store, counters *Counters, policy RetryPolicy, m *metrics.Metrics, logger *slog.Logger) *Predictions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictions{
		store:    store,
		counters: counters,
		retry:    policy,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// FinalizeResult summarizes a match finalization batch.
type FinalizeResult struct {
	Match *model.Match `json:"match"`
	Won   int          `json:"won"`
	Lost  int          `json:"lost"`
}

func loadMatch(ctx context.Context, tx repository.Tx, matchID string) (*model.Match, error) {
	match, err := tx.GetMatch(ctx, matchID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.Match{ID: matchID, Trends: map[string]int64{}}, nil
	}
	return match, err
}

// CreatePrediction stores a new prediction and adds it to the match trends:
// +1 on its scoreline bucket and +1 on the total.
func (p *Predictions) CreatePrediction(ctx context.Context, req model.PredictionRequest) (*model.Prediction, error) {
	req.MatchID = strings.TrimSpace(req.MatchID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.MatchID == "" || req.OwnerID == "" {
		return nil, fmt.Errorf("%w: match_id and owner_id are required", ErrInvalidArgument)
	}
	score, err := model.ParseScore(req.Score)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = p.newID()
	}

	now := p.now().UTC()
	prediction := &model.Prediction{
		ID:        id,
		MatchID:   req.MatchID,
		OwnerID:   req.OwnerID,
		Score:     score,
		Outcome:   model.PredictionOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = runTx(ctx, p.store, p.retry, p.metrics, "create_prediction", func(tx repository.Tx) error {
		match, err := loadMatch(ctx, tx, req.MatchID)
		if err != nil {
			return err
		}
		if match.Final != nil {
			return fmt.Errorf("%w: %s", ErrMatchFinalized, match.ID)
		}
		if err := tx.InsertPrediction(ctx, prediction); err != nil {
			return err
		}
		p.counters.applyTrendCreate(match, score)
		return tx.PutMatch(ctx, match)
	})
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: prediction %s", ErrAlreadyExists, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create prediction: %w", err)
	}

	p.logger.Info("prediction created", "prediction_id", id, "match_id", req.MatchID, "score", score.String())
	return prediction, nil
}

// UpdatePrediction changes a prediction's scoreline and moves it between
// trend buckets. Resubmitting the same score is a no-op.
func (p *Predictions) UpdatePrediction(ctx context.Context, predictionID, rawScore string) (*model.Prediction, error) {
	score, err := model.ParseScore(rawScore)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var updated *model.Prediction
	err = runTx(ctx, p.store, p.retry, p.metrics, "update_prediction", func(tx repository.Tx) error {
		prediction, err := tx.GetPrediction(ctx, predictionID)
		if err != nil {
			return err
		}
		updated = prediction
		if prediction.Score == score {
			return nil
		}
		match, err := loadMatch(ctx, tx, prediction.MatchID)
		if err != nil {
			return err
		}
		if match.Final != nil {
			return fmt.Errorf("%w: %s", ErrMatchFinalized, match.ID)
		}

		p.counters.applyTrendUpdate(match, prediction.Score, score)
		prediction.Score = score
		prediction.UpdatedAt = p.now().UTC()
		if err := tx.UpdatePrediction(ctx, prediction); err != nil {
			return err
		}
		return tx.PutMatch(ctx, match)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: prediction %s", ErrNotFound, predictionID)
	}
	if err != nil {
		return nil, fmt.Errorf("update prediction: %w", err)
	}
	return updated, nil
}

// FinalizeMatch stores the final result and marks every prediction for the
// match won (exact scoreline) or lost. The whole batch commits in one
// transaction; any failure leaves every prediction untouched. Posting a
// corrected result re-evaluates all predictions.
func (p *Predictions) FinalizeMatch(ctx context.Context, matchID, rawScore string) (*FinalizeResult, error) {
	final, err := model.ParseScore(rawScore)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var result *FinalizeResult
	err = runTx(ctx, p.store, p.retry, p.metrics, "finalize_match", func(tx repository.Tx) error {
		result = &FinalizeResult{}
		match, err := loadMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		predictions, err := tx.ListPredictionsByMatch(ctx, matchID)
		if err != nil {
			return err
		}

		now := p.now().UTC()
		for i := range predictions {
			pred := &predictions[i]
			outcome := model.PredictionLost
			if pred.Score == final {
				outcome = model.PredictionWon
				result.Won++
			} else {
				result.Lost++
			}
			if pred.Outcome == outcome {
				continue
			}
			pred.Outcome = outcome
			pred.UpdatedAt = now
			if err := tx.UpdatePrediction(ctx, pred); err != nil {
				return err
			}
		}

		match.Final = &final
		match.FinalizedAt = &now
		result.Match = match
		return tx.PutMatch(ctx, match)
	})
	if err != nil {
		return nil, fmt.Errorf("finalize match %s: %w", matchID, err)
	}

	p.logger.Info("match finalized",
		"match_id", matchID,
		"score", final.String(),
		"won", result.Won,
		"lost", result.Lost,
	)
	return result, nil
}

func (p *Predictions) GetMatch(ctx context.Context, matchID string) (*model.Match, error) {
	var match *model.Match
	err := p.store.View(ctx, func(tx repository.Tx) error {
		var err error
		match, err = tx.GetMatch(ctx, matchID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: match %s", ErrNotFound, matchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get match: %w", err)
	}
	return match, nil
}
