package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"tallyd/internal/model"
)

var (
	bucketIntents          = []byte("intents")
	bucketPayments         = []byte("payments")
	bucketVotes            = []byte("votes")
	bucketCounters         = []byte("counters")
	bucketMatches          = []byte("matches")
	bucketPredictions      = []byte("predictions")
	bucketMatchPredictions = []byte("match_predictions")
)

// BoltStore is the embedded single-node ledger store. Bolt allows one
// writer at a time, so read-write transactions are fully serialized and
// never report ErrConflict.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path and makes sure every
// bucket exists.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketIntents, bucketPayments, bucketVotes, bucketCounters,
			bucketMatches, bucketPredictions, bucketMatchPredictions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (b *boltTx) get(bucket []byte, key string, v any) error {
	raw := b.tx.Bucket(bucket).Get([]byte(key))
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, v)
}

func (b *boltTx) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.tx.Bucket(bucket).Put([]byte(key), data)
}

func (b *boltTx) insert(bucket []byte, key string, v any) error {
	if b.tx.Bucket(bucket).Get([]byte(key)) != nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrAlreadyExists)
	}
	return b.put(bucket, key, v)
}

func (b *boltTx) update(bucket []byte, key string, v any) error {
	if b.tx.Bucket(bucket).Get([]byte(key)) == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return b.put(bucket, key, v)
}

func voteKey(subjectID, transactionReference string) string {
	return subjectID + "\x00" + transactionReference
}

func (b *boltTx) GetIntent(_ context.Context, referenceID string) (*model.Intent, error) {
	var intent model.Intent
	if err := b.get(bucketIntents, referenceID, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (b *boltTx) InsertIntent(_ context.Context, intent *model.Intent) error {
	return b.insert(bucketIntents, intent.ReferenceID, intent)
}

func (b *boltTx) UpdateIntent(_ context.Context, intent *model.Intent) error {
	return b.update(bucketIntents, intent.ReferenceID, intent)
}

func (b *boltTx) GetPayment(_ context.Context, transactionReference string) (*model.Payment, error) {
	var p model.Payment
	if err := b.get(bucketPayments, transactionReference, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *boltTx) InsertPayment(_ context.Context, payment *model.Payment) error {
	return b.insert(bucketPayments, payment.TransactionReference, payment)
}

func (b *boltTx) MergePaymentMetadata(ctx context.Context, transactionReference string, metadata map[string]string) error {
	p, err := b.GetPayment(ctx, transactionReference)
	if err != nil {
		return err
	}
	merged, changed := mergeMetadata(p.Metadata, metadata)
	if !changed {
		return nil
	}
	p.Metadata = merged
	return b.put(bucketPayments, transactionReference, p)
}

func (b *boltTx) GetVote(_ context.Context, subjectID, transactionReference string) (*model.Vote, error) {
	var v model.Vote
	if err := b.get(bucketVotes, voteKey(subjectID, transactionReference), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (b *boltTx) InsertVote(_ context.Context, vote *model.Vote) error {
	return b.insert(bucketVotes, voteKey(vote.SubjectID, vote.TransactionReference), vote)
}

func (b *boltTx) MarkVoteApplied(ctx context.Context, subjectID, transactionReference string, at time.Time) error {
	v, err := b.GetVote(ctx, subjectID, transactionReference)
	if err != nil {
		return err
	}
	v.Applied = true
	v.AppliedAt = &at
	return b.put(bucketVotes, voteKey(subjectID, transactionReference), v)
}

func (b *boltTx) ListUnappliedVotes(_ context.Context, limit int) ([]model.Vote, error) {
	var votes []model.Vote
	c := b.tx.Bucket(bucketVotes).Cursor()
	for k, raw := c.First(); k != nil; k, raw = c.Next() {
		var v model.Vote
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.Applied {
			continue
		}
		votes = append(votes, v)
		if limit > 0 && len(votes) >= limit {
			break
		}
	}
	return votes, nil
}

func (b *boltTx) GetCounter(_ context.Context, key string) (*model.Counter, error) {
	counter := model.Counter{Key: key}
	err := b.get(bucketCounters, key, &counter)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if counter.Buckets == nil {
		counter.Buckets = map[string]int64{}
	}
	return &counter, nil
}

func (b *boltTx) PutCounterBucket(ctx context.Context, key, bucket string, value int64) error {
	counter, err := b.GetCounter(ctx, key)
	if err != nil {
		return err
	}
	counter.Buckets[bucket] = value
	return b.put(bucketCounters, key, counter)
}

func (b *boltTx) GetMatch(_ context.Context, matchID string) (*model.Match, error) {
	var m model.Match
	if err := b.get(bucketMatches, matchID, &m); err != nil {
		return nil, err
	}
	if m.Trends == nil {
		m.Trends = map[string]int64{}
	}
	return &m, nil
}

func (b *boltTx) PutMatch(_ context.Context, match *model.Match) error {
	return b.put(bucketMatches, match.ID, match)
}

func (b *boltTx) GetPrediction(_ context.Context, predictionID string) (*model.Prediction, error) {
	var p model.Prediction
	if err := b.get(bucketPredictions, predictionID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *boltTx) InsertPrediction(_ context.Context, prediction *model.Prediction) error {
	if err := b.insert(bucketPredictions, prediction.ID, prediction); err != nil {
		return err
	}
	return b.tx.Bucket(bucketMatchPredictions).Put([]byte(prediction.MatchID+"\x00"+prediction.ID), []byte{})
}

func (b *boltTx) UpdatePrediction(_ context.Context, prediction *model.Prediction) error {
	return b.update(bucketPredictions, prediction.ID, prediction)
}

func (b *boltTx) ListPredictionsByMatch(ctx context.Context, matchID string) ([]model.Prediction, error) {
	prefix := []byte(matchID + "\x00")
	var out []model.Prediction
	c := b.tx.Bucket(bucketMatchPredictions).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		p, err := b.GetPrediction(ctx, string(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}
