package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tallyd/internal/metrics"
	"tallyd/internal/model"
	"tallyd/internal/repository"
)

const VoteBucket = "votes"

// VoteCounterKey names the aggregate counter holding a subject's vote total.
func VoteCounterKey(subjectID string) string {
	return "contests/" + subjectID
}

// Counters applies signed deltas to aggregate counters. Every
// read-modify-write happens inside a store transaction so concurrent
// updates are never lost.
type Counters struct {
	store   repository.Store
	retry   RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewCounters(store repository.Store, policy RetryPolicy, m *metrics.Metrics, logger *slog.Logger) *Counters {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counters{store: store, retry: policy, metrics: m, logger: logger, now: time.Now}
}

// ApplyDelta adds delta to counterKey/bucketKey and returns the new value.
func (c *Counters) ApplyDelta(ctx context.Context, counterKey, bucketKey string, delta int64) (int64, error) {
	if counterKey == "" || bucketKey == "" {
		return 0, fmt.Errorf("%w: counter and bucket keys are required", ErrInvalidArgument)
	}
	var value int64
	err := runTx(ctx, c.store, c.retry, c.metrics, "apply_delta", func(tx repository.Tx) error {
		var err error
		value, err = c.applyDeltaTx(ctx, tx, counterKey, bucketKey, delta)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("apply delta %s/%s: %w", counterKey, bucketKey, err)
	}
	return value, nil
}

func (c *Counters) applyDeltaTx(ctx context.Context, tx repository.Tx, counterKey, bucketKey string, delta int64) (int64, error) {
	counter, err := tx.GetCounter(ctx, counterKey)
	if err != nil {
		return 0, err
	}
	next := c.clamp(counter.Buckets[bucketKey], delta, counterKey, bucketKey)
	if err := tx.PutCounterBucket(ctx, counterKey, bucketKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// clamp returns current+delta, floored at zero. Going negative only happens
// when the data is already inconsistent, so it is logged rather than failed.
func (c *Counters) clamp(current, delta int64, key, bucket string) int64 {
	next := current + delta
	if next >= 0 {
		return next
	}
	c.logger.Warn("counter would go negative, clamping at zero",
		"key", key,
		"bucket", bucket,
		"current", current,
		"delta", delta,
	)
	if c.metrics != nil {
		c.metrics.CounterClamps.Inc()
	}
	return 0
}

// ApplyVote folds one tallied vote into its subject's counter. The vote's
// Applied flag is flipped in the same transaction as the increment, so the
// vote is counted exactly once no matter how often this is called. Returns
// true when this call did the increment.
func (c *Counters) ApplyVote(ctx context.Context, subjectID, transactionReference string) (bool, error) {
	applied := false
	err := runTx(ctx, c.store, c.retry, c.metrics, "apply_vote", func(tx repository.Tx) error {
		applied = false
		vote, err := tx.GetVote(ctx, subjectID, transactionReference)
		if err != nil {
			return err
		}
		if vote.Applied {
			return nil
		}
		if err := tx.MarkVoteApplied(ctx, subjectID, transactionReference, c.now().UTC()); err != nil {
			return err
		}
		if _, err := c.applyDeltaTx(ctx, tx, VoteCounterKey(subjectID), VoteBucket, 1); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("%w: vote %s/%s", ErrNotFound, subjectID, transactionReference)
	}
	if err != nil {
		return false, fmt.Errorf("apply vote %s/%s: %w", subjectID, transactionReference, err)
	}
	return applied, nil
}

// ApplyPendingVotes applies up to limit votes whose counter increment has
// not happened yet and returns how many it applied.
func (c *Counters) ApplyPendingVotes(ctx context.Context, limit int) (int, error) {
	var votes []model.Vote
	err := c.store.View(ctx, func(tx repository.Tx) error {
		var err error
		votes, err = tx.ListUnappliedVotes(ctx, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list unapplied votes: %w", err)
	}

	n := 0
	for _, v := range votes {
		applied, err := c.ApplyVote(ctx, v.SubjectID, v.TransactionReference)
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	return n, nil
}

func (c *Counters) GetCounter(ctx context.Context, key string) (*model.Counter, error) {
	var counter *model.Counter
	err := c.store.View(ctx, func(tx repository.Tx) error {
		var err error
		counter, err = tx.GetCounter(ctx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get counter %s: %w", key, err)
	}
	return counter, nil
}

// applyTrendCreate records a new prediction in the match histogram.
func (c *Counters) applyTrendCreate(match *model.Match, score model.Score) {
	if match.Trends == nil {
		match.Trends = map[string]int64{}
	}
	bucket := score.String()
	match.Trends[bucket] = c.clamp(match.Trends[bucket], 1, "matches/"+match.ID, bucket)
	match.Total = c.clamp(match.Total, 1, "matches/"+match.ID, "total")
}

// applyTrendUpdate moves one prediction from the old bucket to the new one.
// The total is unchanged.
func (c *Counters) applyTrendUpdate(match *model.Match, from, to model.Score) {
	if from == to {
		return
	}
	if match.Trends == nil {
		match.Trends = map[string]int64{}
	}
	oldBucket, newBucket := from.String(), to.String()
	match.Trends[oldBucket] = c.clamp(match.Trends[oldBucket], -1, "matches/"+match.ID, oldBucket)
	match.Trends[newBucket] = c.clamp(match.Trends[newBucket], 1, "matches/"+match.ID, newBucket)
}
