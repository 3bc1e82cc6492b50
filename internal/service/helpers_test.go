package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tallyd/internal/metrics"
	"tallyd/internal/model"
	"tallyd/internal/repository"
	"tallyd/internal/verifier"
)

var testRetry = RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVerifier answers from a table of verdicts keyed by transaction
// reference. Unknown references are reported as failed.
type fakeVerifier struct {
	mu       sync.Mutex
	verdicts map[string]verifier.Verdict
	err      error
	calls    int
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{verdicts: map[string]verifier.Verdict{}}
}

func (f *fakeVerifier) set(ref string, status model.PaymentStatus, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[ref] = verifier.Verdict{TransactionReference: ref, Status: status, Amount: amount, Currency: "NGN"}
}

func (f *fakeVerifier) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeVerifier) Verify(_ context.Context, ref string) (verifier.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return verifier.Verdict{}, f.err
	}
	v, ok := f.verdicts[ref]
	if !ok {
		return verifier.Verdict{TransactionReference: ref, Status: model.PaymentFailed}, nil
	}
	return v, nil
}

// faultyStore injects an error right before commit into transactions that
// wrote a payment record, simulating a crash or a lost race at commit time.
type faultyStore struct {
	repository.Store
	mu     sync.Mutex
	faults int
	fault  error

	intentConflicts int
	mergeErr        error
	viewErr         error
}

func (s *faultyStore) inject(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults, s.fault = n, err
}

func (s *faultyStore) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	err := s.viewErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.View(ctx, fn)
}

func (s *faultyStore) RunInTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.RunInTx(ctx, func(tx repository.Tx) error {
		ft := &faultyTx{Tx: tx, store: s}
		if err := fn(ft); err != nil {
			return err
		}
		if !ft.wrotePayment {
			return nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.faults > 0 {
			s.faults--
			return s.fault
		}
		return nil
	})
}

type faultyTx struct {
	repository.Tx
	store        *faultyStore
	wrotePayment bool
}

func (t *faultyTx) InsertIntent(ctx context.Context, i *model.Intent) error {
	t.store.mu.Lock()
	if t.store.intentConflicts > 0 {
		t.store.intentConflicts--
		t.store.mu.Unlock()
		return repository.ErrConflict
	}
	t.store.mu.Unlock()
	return t.Tx.InsertIntent(ctx, i)
}

func (t *faultyTx) MergePaymentMetadata(ctx context.Context, ref string, metadata map[string]string) error {
	t.store.mu.Lock()
	err := t.store.mergeErr
	t.store.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Tx.MergePaymentMetadata(ctx, ref, metadata)
}

func (t *faultyTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	t.wrotePayment = true
	return t.Tx.InsertPayment(ctx, p)
}

type testEnv struct {
	store    *faultyStore
	verifier *fakeVerifier
	metrics  *metrics.Metrics
	registry *IntentRegistry
	counters *Counters
	engine   *Engine
	preds    *Predictions
}

func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()
	bolt, err := repository.OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	store := &faultyStore{Store: bolt}
	v := newFakeVerifier()
	m := metrics.New()
	logger := discardLogger()
	counters := NewCounters(store, testRetry, m, logger)

	base := []EngineOption{
		WithMetrics(m),
		WithLogger(logger),
		WithTxRetry(testRetry),
		WithVerifyPolicy(time.Second, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}),
	}
	return &testEnv{
		store:    store,
		verifier: v,
		metrics:  m,
		registry: NewIntentRegistry(store, testRetry, logger),
		counters: counters,
		engine:   NewEngine(store, v, counters, append(base, opts...)...),
		preds:    NewPredictions(store, counters, testRetry, m, logger),
	}
}

func (e *testEnv) createIntent(t *testing.T, ref, subject string, amount int64) {
	t.Helper()
	_, err := e.registry.CreateIntent(context.Background(), model.CreateIntentRequest{
		ReferenceID: ref, SubjectID: subject, OwnerID: "owner-1", Amount: amount,
	})
	require.NoError(t, err)
}

func (e *testEnv) votes(t *testing.T, subject string) int64 {
	t.Helper()
	c, err := e.counters.GetCounter(context.Background(), VoteCounterKey(subject))
	require.NoError(t, err)
	return c.Buckets[VoteBucket]
}

func (e *testEnv) intent(t *testing.T, ref string) *model.Intent {
	t.Helper()
	i, err := e.registry.GetIntent(context.Background(), ref)
	require.NoError(t, err)
	return i
}

func (e *testEnv) payment(t *testing.T, ref string) (*model.Payment, error) {
	t.Helper()
	var p *model.Payment
	err := e.store.View(context.Background(), func(tx repository.Tx) error {
		var err error
		p, err = tx.GetPayment(context.Background(), ref)
		return err
	})
	return p, err
}

func (e *testEnv) vote(t *testing.T, subject, ref string) (*model.Vote, error) {
	t.Helper()
	var v *model.Vote
	err := e.store.View(context.Background(), func(tx repository.Tx) error {
		var err error
		v, err = tx.GetVote(context.Background(), subject, ref)
		return err
	})
	return v, err
}
