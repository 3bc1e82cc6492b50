package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyd/internal/model"
	"tallyd/internal/repository"
	"tallyd/internal/verifier"
)

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(topic string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func TestReconcileSettlesAndIgnoresReplay(t *testing.T) {
	bus := &recordingBus{}
	env := newTestEnv(t, WithBus(bus))
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	event := Event{
		TransactionReference: "tx-1",
		ReferenceID:          "intent-1",
		ReportedAmount:       3000,
		ReportedStatus:       model.PaymentSuccess,
		Source:               SourcePush,
	}

	out, err := env.engine.Reconcile(ctx, event)
	require.NoError(t, err)
	assert.False(t, out.AlreadySettled)
	assert.Equal(t, model.PaymentSuccess, out.Status)
	assert.Equal(t, model.IntentCounted, out.IntentStatus)

	p, err := env.payment(t, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, p.Status)
	assert.Equal(t, int64(3000), p.Amount)
	assert.Equal(t, model.IntentCounted, env.intent(t, "intent-1").Status)
	v, err := env.vote(t, "candidate-9", "tx-1")
	require.NoError(t, err)
	assert.True(t, v.Applied)
	assert.Equal(t, int64(1), env.votes(t, "candidate-9"))

	replay, err := env.engine.Reconcile(ctx, event)
	require.NoError(t, err)
	assert.True(t, replay.AlreadySettled)
	assert.Equal(t, model.PaymentSuccess, replay.Status)
	assert.Equal(t, int64(1), env.votes(t, "candidate-9"))
	assert.Equal(t, 1, env.verifier.callCount(), "replay must not re-verify")
	assert.Equal(t, []string{repository.TopicPaymentSettled}, bus.topics)
}

func TestReconcileConcurrentDeliveriesSettleOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		failures []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := SourcePush
			if i%2 == 1 {
				source = SourcePull
			}
			out, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1", Source: source})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			if !out.AlreadySettled {
				fresh++
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, failures)
	assert.Equal(t, 1, fresh, "exactly one delivery performs the settlement")
	assert.Equal(t, int64(1), env.votes(t, "candidate-9"))
	assert.Equal(t, model.IntentCounted, env.intent(t, "intent-1").Status)
}

func TestReconcileVerifierIsAuthoritative(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentFailed, 3000)

	out, err := env.engine.Reconcile(ctx, Event{
		TransactionReference: "tx-1",
		ReferenceID:          "intent-1",
		ReportedAmount:       3000,
		ReportedStatus:       model.PaymentSuccess,
		Source:               SourcePush,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, out.Status)
	assert.Equal(t, model.IntentFailed, out.IntentStatus)

	assert.Equal(t, model.IntentFailed, env.intent(t, "intent-1").Status)
	_, err = env.vote(t, "candidate-9", "tx-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Zero(t, env.votes(t, "candidate-9"))
}

func TestReconcileAmountMismatchWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 100)

	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1", ReportedAmount: 3000})
	require.ErrorIs(t, err, ErrAmountMismatch)

	_, err = env.payment(t, "tx-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, model.IntentPending, env.intent(t, "intent-1").Status)
	assert.Zero(t, env.votes(t, "candidate-9"))
}

func TestReconcileUnknownIntent(t *testing.T) {
	env := newTestEnv(t)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	_, err := env.engine.Reconcile(context.Background(), Event{TransactionReference: "tx-1", ReferenceID: "nope"})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.payment(t, "tx-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReconcileRejectsTransactionOfAnotherIntent(t *testing.T) {
	env := newTestEnv(t)
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.mu.Lock()
	env.verifier.verdicts["tx-1"] = verifier.Verdict{Status: model.PaymentSuccess, Amount: 3000, ReferenceID: "intent-2"}
	env.verifier.mu.Unlock()

	_, err := env.engine.Reconcile(context.Background(), Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, model.IntentPending, env.intent(t, "intent-1").Status)
}

func TestReconcileVerifierUnavailableIsRetriable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)
	env.verifier.setErr(fmt.Errorf("%w: connection refused", verifier.ErrUnavailable))

	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.ErrorIs(t, err, ErrRetriable)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, env.verifier.callCount(), "verifier is retried up to the policy bound")

	_, err = env.payment(t, "tx-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, model.IntentPending, env.intent(t, "intent-1").Status)

	env.verifier.setErr(nil)
	out, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.NoError(t, err)
	assert.Equal(t, model.IntentCounted, out.IntentStatus)
	assert.Equal(t, int64(1), env.votes(t, "candidate-9"))
}

func TestReconcileVerifierTimeoutIsRetriable(t *testing.T) {
	env := newTestEnv(t, WithVerifyPolicy(20*time.Millisecond, RetryPolicy{MaxAttempts: 1}))
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.engine.verifier = verifier.Func(func(ctx context.Context, _ string) (verifier.Verdict, error) {
		<-ctx.Done()
		return verifier.Verdict{}, ctx.Err()
	})

	_, err := env.engine.Reconcile(context.Background(), Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.ErrorIs(t, err, ErrRetriable)
	assert.Equal(t, model.IntentPending, env.intent(t, "intent-1").Status)
}

func TestReconcilePendingVerdictWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentPending, 3000)

	out, err := env.engine.Reconcile(context.Background(), Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, out.Status)
	_, err = env.payment(t, "tx-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, model.IntentPending, env.intent(t, "intent-1").Status)
}

func TestReconcileTerminalIntentIsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)
	env.verifier.set("tx-2", model.PaymentSuccess, 3000)

	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.NoError(t, err)

	out, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-2", ReferenceID: "intent-1"})
	require.NoError(t, err)
	assert.True(t, out.AlreadySettled)
	assert.Equal(t, model.IntentCounted, out.IntentStatus)
	assert.Equal(t, int64(1), env.votes(t, "candidate-9"))
	_, err = env.payment(t, "tx-2")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReconcileCrashBeforeCommitLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	crash := errors.New("process crashed")
	env.store.inject(1, crash)
	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.ErrorIs(t, err, crash)

	_, err = env.payment(t, "tx-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = env.vote(t, "candidate-9", "tx-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, model.IntentPending, env.intent(t, "intent-1").Status)

	out, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.NoError(t, err)
	assert.False(t, out.AlreadySettled)
	assert.Equal(t, model.IntentCounted, env.intent(t, "intent-1").Status)
	assert.Equal(t, int64(1), env.votes(t, "candidate-9"))
}

func TestReconcileRetriesConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	env.store.inject(2, repository.ErrConflict)
	out, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.NoError(t, err)
	assert.Equal(t, model.IntentCounted, out.IntentStatus)
	assert.Equal(t, 1, env.verifier.callCount(), "conflicts retry the transaction, not the verifier")
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.TxConflicts.WithLabelValues("settle")))
}

func TestReconcileConflictExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	env.store.inject(testRetry.MaxAttempts, repository.ErrConflict)
	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsTransient(err))
	assert.Equal(t, model.IntentPending, env.intent(t, "intent-1").Status)
}

func TestReconcileConcurrentSettlementsCountEach(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const k = 25
	for i := 0; i < k; i++ {
		ref := fmt.Sprintf("intent-%d", i)
		env.createIntent(t, ref, "candidate-9", 500)
		env.verifier.set(fmt.Sprintf("tx-%d", i), model.PaymentSuccess, 500)
	}

	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.engine.Reconcile(ctx, Event{
				TransactionReference: fmt.Sprintf("tx-%d", i),
				ReferenceID:          fmt.Sprintf("intent-%d", i),
				Source:               SourcePush,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(k), env.votes(t, "candidate-9"))
}

func TestReconcileCounterFailureIsHealed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	env.engine.counters = nil // propagation skipped, as if the process died after commit
	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.NoError(t, err)
	assert.Zero(t, env.votes(t, "candidate-9"))

	n, err := env.counters.ApplyPendingVotes(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), env.votes(t, "candidate-9"))

	n, err = env.counters.ApplyPendingVotes(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), env.votes(t, "candidate-9"))
}

func TestReconcileDuplicateMergesSourceOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1", Source: SourcePush})
	require.NoError(t, err)
	_, err = env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1", Source: SourcePull})
	require.NoError(t, err)

	p, err := env.payment(t, "tx-1")
	require.NoError(t, err)
	assert.Contains(t, p.Metadata, "seen_via_push")
	assert.Contains(t, p.Metadata, "seen_via_pull")
	assert.Equal(t, model.PaymentSuccess, p.Status)
	assert.Equal(t, int64(3000), p.Amount)
}

func TestReconcileDuplicateSurvivesMetadataFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1", Source: SourcePush})
	require.NoError(t, err)

	env.store.mu.Lock()
	env.store.mergeErr = repository.ErrConflict
	env.store.mu.Unlock()
	env.verifier.setErr(fmt.Errorf("%w: down", verifier.ErrUnavailable))

	out, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1", Source: SourcePull})
	require.NoError(t, err)
	assert.True(t, out.AlreadySettled)
	assert.Equal(t, model.IntentCounted, out.IntentStatus)
	assert.Equal(t, 1, env.verifier.callCount(), "duplicate must not re-verify")

	p, err := env.payment(t, "tx-1")
	require.NoError(t, err)
	assert.NotContains(t, p.Metadata, "seen_via_pull")
}

func TestReconcileGateReadFailureIsRetriable(t *testing.T) {
	env := newTestEnv(t)
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	env.store.mu.Lock()
	env.store.viewErr = errors.New("connection reset")
	env.store.mu.Unlock()

	_, err := env.engine.Reconcile(context.Background(), Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.ErrorIs(t, err, ErrRetriable)
	assert.Zero(t, env.verifier.callCount())
}

func TestReconcileTransactionUnknownToProcessorFailsIntent(t *testing.T) {
	env := newTestEnv(t)
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.mu.Lock()
	env.verifier.verdicts["tx-404"] = verifier.Verdict{TransactionReference: "tx-404", Status: model.PaymentFailed}
	env.verifier.mu.Unlock()

	out, err := env.engine.Reconcile(context.Background(), Event{
		TransactionReference: "tx-404",
		ReferenceID:          "intent-1",
		ReportedAmount:       3000,
		ReportedStatus:       model.PaymentSuccess,
		Source:               SourcePush,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, out.Status)
	assert.Equal(t, model.IntentFailed, out.IntentStatus)
	assert.Equal(t, model.IntentFailed, env.intent(t, "intent-1").Status)

	p, err := env.payment(t, "tx-404")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, p.Status)
	assert.Zero(t, env.votes(t, "candidate-9"))
}

func TestReconcileFailedVerdictWithWrongAmountIsMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentFailed, 100)

	_, err := env.engine.Reconcile(context.Background(), Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, model.IntentPending, env.intent(t, "intent-1").Status)
}

func TestReconcileUsesOutcomeCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := newTestEnv(t, WithOutcomeCache(repository.NewOutcomeCache(rdb, time.Hour)))
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("payment:tx-1"))

	out, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1"})
	require.NoError(t, err)
	assert.True(t, out.AlreadySettled)
	assert.Equal(t, model.IntentCounted, out.IntentStatus)
	assert.Equal(t, 1, env.verifier.callCount())
}

func TestReconcileValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Reconcile(context.Background(), Event{TransactionReference: " ", ReferenceID: "intent-1"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, env.verifier.callCount())
}

func TestReconcileRecordsMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createIntent(t, "intent-1", "candidate-9", 3000)
	env.verifier.set("tx-1", model.PaymentSuccess, 3000)

	for i := 0; i < 2; i++ {
		_, err := env.engine.Reconcile(ctx, Event{TransactionReference: "tx-1", ReferenceID: "intent-1", Source: SourcePush})
		require.NoError(t, err)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Settlements.WithLabelValues(SourcePush, "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Settlements.WithLabelValues(SourcePush, "already_settled")))
}
