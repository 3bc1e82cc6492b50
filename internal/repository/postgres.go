package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tallyd/internal/model"
)

// PostgresStore runs every read-write transaction at SERIALIZABLE isolation
// and takes row locks on the documents it reads, so two settlements racing
// on the same intent are ordered by the database. Serialization failures
// surface as ErrConflict.
type PostgresStore struct {
	dbPool *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{dbPool: db}
}

func (s *PostgresStore) Close() error {
	s.dbPool.Close()
	return nil
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, true, fn)
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, lock bool, fn func(tx Tx) error) error {
	tx, err := s.dbPool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPgError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, lock: lock}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapPgError(err))
	}
	return nil
}

// mapPgError translates driver errors into repository sentinels.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		}
	}
	return err
}

type pgTx struct {
	tx   pgx.Tx
	lock bool
}

func (t *pgTx) forUpdate(query string) string {
	if t.lock {
		return query + " FOR UPDATE"
	}
	return query
}

func (t *pgTx) exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	return tag, mapPgError(err)
}

func (t *pgTx) GetIntent(ctx context.Context, referenceID string) (*model.Intent, error) {
	var i model.Intent
	query := t.forUpdate(`SELECT reference_id, subject_id, owner_id, amount, status, created_at, settled_at
		FROM intents WHERE reference_id = $1`)
	err := t.tx.QueryRow(ctx, query, referenceID).Scan(
		&i.ReferenceID, &i.SubjectID, &i.OwnerID, &i.Amount, &i.Status, &i.CreatedAt, &i.SettledAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &i, nil
}

func (t *pgTx) InsertIntent(ctx context.Context, i *model.Intent) error {
	_, err := t.exec(ctx, `
		INSERT INTO intents (reference_id, subject_id, owner_id, amount, status, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		i.ReferenceID, i.SubjectID, i.OwnerID, i.Amount, i.Status, i.CreatedAt, i.SettledAt,
	)
	return err
}

func (t *pgTx) UpdateIntent(ctx context.Context, i *model.Intent) error {
	tag, err := t.exec(ctx, `UPDATE intents SET status = $2, settled_at = $3 WHERE reference_id = $1`,
		i.ReferenceID, i.Status, i.SettledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intents/%s: %w", i.ReferenceID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetPayment(ctx context.Context, transactionReference string) (*model.Payment, error) {
	var p model.Payment
	query := t.forUpdate(`SELECT transaction_reference, reference_id, subject_id, owner_id, status, amount,
		currency, channel, metadata, first_seen_at
		FROM payments WHERE transaction_reference = $1`)
	err := t.tx.QueryRow(ctx, query, transactionReference).Scan(
		&p.TransactionReference, &p.ReferenceID, &p.SubjectID, &p.OwnerID, &p.Status, &p.Amount,
		&p.Currency, &p.Channel, &p.Metadata, &p.FirstSeenAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &p, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := t.exec(ctx, `
		INSERT INTO payments (transaction_reference, reference_id, subject_id, owner_id, status, amount,
			currency, channel, metadata, first_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.TransactionReference, p.ReferenceID, p.SubjectID, p.OwnerID, p.Status, p.Amount,
		p.Currency, p.Channel, metadata, p.FirstSeenAt,
	)
	return err
}

func (t *pgTx) MergePaymentMetadata(ctx context.Context, transactionReference string, metadata map[string]string) error {
	p, err := t.GetPayment(ctx, transactionReference)
	if err != nil {
		return err
	}
	merged, changed := mergeMetadata(p.Metadata, metadata)
	if !changed {
		return nil
	}
	_, err = t.exec(ctx, `UPDATE payments SET metadata = $2 WHERE transaction_reference = $1`,
		transactionReference, merged)
	return err
}

func (t *pgTx) GetVote(ctx context.Context, subjectID, transactionReference string) (*model.Vote, error) {
	var v model.Vote
	query := t.forUpdate(`SELECT subject_id, transaction_reference, reference_id, owner_id, amount,
		created_at, applied, applied_at
		FROM votes WHERE subject_id = $1 AND transaction_reference = $2`)
	err := t.tx.QueryRow(ctx, query, subjectID, transactionReference).Scan(
		&v.SubjectID, &v.TransactionReference, &v.ReferenceID, &v.OwnerID, &v.Amount,
		&v.CreatedAt, &v.Applied, &v.AppliedAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &v, nil
}

func (t *pgTx) InsertVote(ctx context.Context, v *model.Vote) error {
	_, err := t.exec(ctx, `
		INSERT INTO votes (subject_id, transaction_reference, reference_id, owner_id, amount, created_at, applied, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.SubjectID, v.TransactionReference, v.ReferenceID, v.OwnerID, v.Amount, v.CreatedAt, v.Applied, v.AppliedAt,
	)
	return err
}

func (t *pgTx) MarkVoteApplied(ctx context.Context, subjectID, transactionReference string, at time.Time) error {
	tag, err := t.exec(ctx, `UPDATE votes SET applied = TRUE, applied_at = $3
		WHERE subject_id = $1 AND transaction_reference = $2`,
		subjectID, transactionReference, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("votes/%s/%s: %w", subjectID, transactionReference, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListUnappliedVotes(ctx context.Context, limit int) ([]model.Vote, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `SELECT subject_id, transaction_reference, reference_id, owner_id, amount,
		created_at, applied, applied_at
		FROM votes WHERE NOT applied ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var votes []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.SubjectID, &v.TransactionReference, &v.ReferenceID, &v.OwnerID, &v.Amount,
			&v.CreatedAt, &v.Applied, &v.AppliedAt); err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, mapPgError(rows.Err())
}

func (t *pgTx) GetCounter(ctx context.Context, key string) (*model.Counter, error) {
	rows, err := t.tx.Query(ctx, t.forUpdate(`SELECT bucket, value FROM counters WHERE key = $1`), key)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	counter := &model.Counter{Key: key, Buckets: map[string]int64{}}
	for rows.Next() {
		var bucket string
		var value int64
		if err := rows.Scan(&bucket, &value); err != nil {
			return nil, err
		}
		counter.Buckets[bucket] = value
	}
	return counter, mapPgError(rows.Err())
}

func (t *pgTx) PutCounterBucket(ctx context.Context, key, bucket string, value int64) error {
	_, err := t.exec(ctx, `
		INSERT INTO counters (key, bucket, value) VALUES ($1, $2, $3)
		ON CONFLICT (key, bucket) DO UPDATE SET value = EXCLUDED.value`,
		key, bucket, value)
	return err
}

func (t *pgTx) GetMatch(ctx context.Context, matchID string) (*model.Match, error) {
	var (
		m          model.Match
		home, away *int
	)
	query := t.forUpdate(`SELECT id, total, trends, final_home, final_away, finalized_at FROM matches WHERE id = $1`)
	err := t.tx.QueryRow(ctx, query, matchID).Scan(&m.ID, &m.Total, &m.Trends, &home, &away, &m.FinalizedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	if home != nil && away != nil {
		m.Final = &model.Score{Home: *home, Away: *away}
	}
	if m.Trends == nil {
		m.Trends = map[string]int64{}
	}
	return &m, nil
}

func (t *pgTx) PutMatch(ctx context.Context, m *model.Match) error {
	var home, away *int
	if m.Final != nil {
		home, away = &m.Final.Home, &m.Final.Away
	}
	trends := m.Trends
	if trends == nil {
		trends = map[string]int64{}
	}
	_, err := t.exec(ctx, `
		INSERT INTO matches (id, total, trends, final_home, final_away, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET total = EXCLUDED.total, trends = EXCLUDED.trends,
			final_home = EXCLUDED.final_home, final_away = EXCLUDED.final_away, finalized_at = EXCLUDED.finalized_at`,
		m.ID, m.Total, trends, home, away, m.FinalizedAt)
	return err
}

const predictionColumns = `id, match_id, owner_id, home, away, outcome, created_at, updated_at`

func scanPrediction(row pgx.Row) (*model.Prediction, error) {
	var p model.Prediction
	err := row.Scan(&p.ID, &p.MatchID, &p.OwnerID, &p.Score.Home, &p.Score.Away, &p.Outcome, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &p, nil
}

func (t *pgTx) GetPrediction(ctx context.Context, predictionID string) (*model.Prediction, error) {
	query := t.forUpdate(`SELECT ` + predictionColumns + ` FROM predictions WHERE id = $1`)
	return scanPrediction(t.tx.QueryRow(ctx, query, predictionID))
}

func (t *pgTx) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	_, err := t.exec(ctx, `INSERT INTO predictions (`+predictionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.MatchID, p.OwnerID, p.Score.Home, p.Score.Away, p.Outcome, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *pgTx) UpdatePrediction(ctx context.Context, p *model.Prediction) error {
	tag, err := t.exec(ctx, `UPDATE predictions SET home = $2, away = $3, outcome = $4, updated_at = $5 WHERE id = $1`,
		p.ID, p.Score.Home, p.Score.Away, p.Outcome, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("predictions/%s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListPredictionsByMatch(ctx context.Context, matchID string) ([]model.Prediction, error) {
	rows, err := t.tx.Query(ctx, t.forUpdate(`SELECT `+predictionColumns+` FROM predictions WHERE match_id = $1 ORDER BY id`), matchID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []model.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, mapPgError(rows.Err())
}
