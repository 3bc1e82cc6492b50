package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"tallyd/internal/metrics"
	"tallyd/internal/model"
	"tallyd/internal/repository"
	"tallyd/internal/verifier"
)

// Ingress sources, used for logging and metrics only.
const (
	SourcePush = "push"
	SourcePull = "pull"
	SourceGRPC = "grpc"
	SourceNATS = "nats"
)

// Event is a payment notification from either ingress path. Reported* fields
// come from the caller and are never trusted.
type Event struct {
	TransactionReference string
	ReferenceID          string
	ReportedAmount       int64
	ReportedStatus       model.PaymentStatus
	Source               string
}

// Outcome is the settled state for a transaction. AlreadySettled marks a
// duplicate delivery: nothing was written by this call.
type Outcome struct {
	TransactionReference string              `json:"transaction_reference"`
	ReferenceID          string              `json:"reference_id"`
	SubjectID            string              `json:"subject_id,omitempty"`
	Status               model.PaymentStatus `json:"status"`
	IntentStatus         model.IntentStatus  `json:"intent_status"`
	AlreadySettled       bool                `json:"already_settled"`
}

// OutcomeCache remembers committed outcomes so replays skip the store.
type OutcomeCache interface {
	Get(ctx context.Context, transactionReference string) (*repository.CachedOutcome, error)
	Remember(ctx context.Context, o repository.CachedOutcome) (*repository.CachedOutcome, error)
}

type EngineOption func(*Engine)

func WithOutcomeCache(c OutcomeCache) EngineOption { return func(e *Engine) { e.cache = c } }
func WithBus(b repository.MessageBus) EngineOption { return func(e *Engine) { e.bus = b } }
func WithMetrics(m *metrics.Metrics) EngineOption  { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *slog.Logger) EngineOption       { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) EngineOption  { return func(e *Engine) { e.now = now } }
func WithTxRetry(p RetryPolicy) EngineOption       { return func(e *Engine) { e.txRetry = p } }

// WithVerifyPolicy sets the per-attempt verifier timeout and how often an
// unavailable verifier is retried before giving up with ErrRetriable.
func WithVerifyPolicy(timeout time.Duration, p RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.verifyTimeout = timeout
		e.verifyRetry = p
	}
}

// Engine settles payment events exactly once. Push and pull ingress both
// call Reconcile; the store's transaction isolation decides which racer
// writes the payment record, every other caller observes it and becomes a
// no-op.
type Engine struct {
	store    repository.Store
	verifier verifier.Verifier
	counters *Counters
	cache    OutcomeCache
	bus      repository.MessageBus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	txRetry       RetryPolicy
	verifyRetry   RetryPolicy
	verifyTimeout time.Duration
}

func NewEngine(store repository.Store, v verifier.Verifier, counters *Counters, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         store,
		verifier:      v,
		counters:      counters,
		bus:           repository.NopBus{},
		logger:        slog.Default(),
		now:           time.Now,
		txRetry:       DefaultRetryPolicy,
		verifyRetry:   RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		verifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// errDuplicate aborts the settlement transaction when it finds the event
// already settled. It never escapes Reconcile.
var errDuplicate = errors.New("duplicate settlement")

// Reconcile runs the full settlement for one payment event.
func (e *Engine) Reconcile(ctx context.Context, ev Event) (Outcome, error) {
	ev.TransactionReference = strings.TrimSpace(ev.TransactionReference)
	ev.ReferenceID = strings.TrimSpace(ev.ReferenceID)
	if ev.TransactionReference == "" || ev.ReferenceID == "" {
		return Outcome{}, fmt.Errorf("%w: transaction reference and reference id are required", ErrInvalidArgument)
	}
	if ev.Source == "" {
		ev.Source = SourcePull
	}

	out, err := e.reconcile(ctx, ev)
	e.observe(ev, out, err)
	return out, err
}

func (e *Engine) reconcile(ctx context.Context, ev Event) (Outcome, error) {
	log := e.logger.With(
		"transaction_reference", ev.TransactionReference,
		"reference_id", ev.ReferenceID,
		"source", ev.Source,
	)

	// 1. Idempotency gate. A gate that cannot read must not fall through to
	// the verifier: the event may be a duplicate.
	out, ok, err := e.lookupSettled(ctx, ev, log)
	if err != nil {
		log.Warn("idempotency gate read failed", "error", err)
		return Outcome{}, fmt.Errorf("%w: idempotency gate: %v", ErrRetriable, err)
	}
	if ok {
		log.Info("duplicate payment event", "status", out.Status)
		return out, nil
	}

	// 2. Authoritative verdict. Nothing is written until it is in hand.
	verdict, err := e.verify(ctx, ev.TransactionReference)
	if err != nil {
		log.Warn("payment verifier unavailable", "error", err)
		return Outcome{}, fmt.Errorf("%w: %v", ErrRetriable, err)
	}
	if ev.ReportedStatus != "" && ev.ReportedStatus != verdict.Status {
		log.Warn("reported status disagrees with verifier",
			"reported_status", ev.ReportedStatus,
			"verified_status", verdict.Status,
		)
	}
	if ev.ReportedAmount != 0 && ev.ReportedAmount != verdict.Amount {
		log.Warn("reported amount disagrees with verifier",
			"reported_amount", ev.ReportedAmount,
			"verified_amount", verdict.Amount,
		)
	}
	if verdict.ReferenceID != "" && verdict.ReferenceID != ev.ReferenceID {
		log.Warn("processor assigns transaction to another intent", "verified_reference_id", verdict.ReferenceID)
		return Outcome{}, fmt.Errorf("%w: transaction %s does not belong to intent %s",
			ErrNotFound, ev.TransactionReference, ev.ReferenceID)
	}
	if verdict.Status == model.PaymentPending {
		// The processor has not decided yet; a later delivery will settle it.
		return Outcome{
			TransactionReference: ev.TransactionReference,
			ReferenceID:          ev.ReferenceID,
			Status:               model.PaymentPending,
			IntentStatus:         model.IntentPending,
		}, nil
	}

	// 3-5. Cross-validate against the intent and settle atomically.
	out, payment, vote, err := e.settle(ctx, ev, verdict)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warn("payment event for unknown intent", "error", err)
		return Outcome{}, err
	case errors.Is(err, ErrAmountMismatch):
		log.Warn("payment amount does not match intent", "error", err, "verified_amount", verdict.Amount)
		return Outcome{}, err
	case err != nil:
		return Outcome{}, err
	}
	if out.AlreadySettled {
		log.Info("duplicate payment event", "status", out.Status, "intent_status", out.IntentStatus)
		e.remember(ctx, out, log)
		return out, nil
	}

	log.Info("payment settled",
		"status", out.Status,
		"intent_status", out.IntentStatus,
		"subject_id", out.SubjectID,
		"amount", payment.Amount,
	)

	// 6. Propagate to the aggregate counter. The vote's Applied flag anchors
	// this step, so a failure here is healed by the sweeper.
	if vote != nil && e.counters != nil {
		if _, err := e.counters.ApplyVote(ctx, vote.SubjectID, vote.TransactionReference); err != nil {
			log.Error("counter propagation failed, sweeper will retry", "error", err)
		}
	}
	e.publish(payment, ev.Source, log)
	e.remember(ctx, out, log)
	return out, nil
}

// lookupSettled checks the cache then the payments table for an existing
// settlement of ev.TransactionReference. The store read is read-only so
// concurrent replays never contend on the payment row.
func (e *Engine) lookupSettled(ctx context.Context, ev Event, log *slog.Logger) (Outcome, bool, error) {
	if e.cache != nil {
		cached, err := e.cache.Get(ctx, ev.TransactionReference)
		switch {
		case err == nil:
			return Outcome{
				TransactionReference: cached.TransactionReference,
				ReferenceID:          cached.ReferenceID,
				SubjectID:            cached.SubjectID,
				Status:               cached.Status,
				IntentStatus:         cached.IntentStatus,
				AlreadySettled:       true,
			}, true, nil
		case !errors.Is(err, repository.ErrCacheMiss):
			log.Warn("outcome cache read failed", "error", err)
		}
	}

	var payment *model.Payment
	err := e.store.View(ctx, func(tx repository.Tx) error {
		var err error
		payment, err = tx.GetPayment(ctx, ev.TransactionReference)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}
	out := outcomeFromPayment(payment)
	e.markSeen(ctx, ev, log)
	e.remember(ctx, out, log)
	return out, true, nil
}

// markSeen records which ingress paths have seen a settled transaction.
// Descriptive only: status and amount are never touched, and a failure
// does not affect the outcome.
func (e *Engine) markSeen(ctx context.Context, ev Event, log *slog.Logger) {
	err := e.store.RunInTx(ctx, func(tx repository.Tx) error {
		return tx.MergePaymentMetadata(ctx, ev.TransactionReference, map[string]string{
			"seen_via_" + ev.Source: e.now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		log.Warn("payment metadata merge failed", "error", err)
	}
}

func outcomeFromPayment(p *model.Payment) Outcome {
	intentStatus := model.IntentFailed
	if p.Status == model.PaymentSuccess {
		intentStatus = model.IntentCounted
	}
	return Outcome{
		TransactionReference: p.TransactionReference,
		ReferenceID:          p.ReferenceID,
		SubjectID:            p.SubjectID,
		Status:               p.Status,
		IntentStatus:         intentStatus,
		AlreadySettled:       true,
	}
}

// verify asks the processor for its verdict, retrying while it is
// unreachable. Each attempt is bounded by verifyTimeout.
func (e *Engine) verify(ctx context.Context, transactionReference string) (verifier.Verdict, error) {
	var verdict verifier.Verdict
	err := retry.Do(ctx, e.verifyRetry.backoff(), func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.verifyTimeout)
		defer cancel()

		start := time.Now()
		v, err := e.verifier.Verify(attemptCtx, transactionReference)
		if e.metrics != nil {
			e.metrics.VerifierDuration.Observe(time.Since(start).Seconds())
		}
		switch {
		case err == nil:
			e.countVerifier("ok")
			verdict = v
			return nil
		case errors.Is(err, verifier.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
			e.countVerifier("unavailable")
			return retry.RetryableError(err)
		default:
			e.countVerifier("error")
			return err
		}
	})
	if err != nil {
		return verifier.Verdict{}, err
	}
	if !verdict.Status.Valid() {
		return verifier.Verdict{}, fmt.Errorf("verifier returned unknown status %q", verdict.Status)
	}
	return verdict, nil
}

func (e *Engine) countVerifier(result string) {
	if e.metrics != nil {
		e.metrics.VerifierCalls.WithLabelValues(result).Inc()
	}
}

// settle performs steps 3-5 in one transaction. The transaction re-reads the
// payment record, so a racer that committed after the gate is detected here.
// Only the transaction is retried on conflict, never the verifier call.
func (e *Engine) settle(ctx context.Context, ev Event, verdict verifier.Verdict) (Outcome, *model.Payment, *model.Vote, error) {
	var (
		out     Outcome
		payment *model.Payment
		vote    *model.Vote
	)
	err := runTx(ctx, e.store, e.txRetry, e.metrics, "settle", func(tx repository.Tx) error {
		payment, vote = nil, nil

		existing, err := tx.GetPayment(ctx, ev.TransactionReference)
		switch {
		case err == nil:
			out = outcomeFromPayment(existing)
			return errDuplicate
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		intent, err := tx.GetIntent(ctx, ev.ReferenceID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: intent %s", ErrNotFound, ev.ReferenceID)
		}
		if err != nil {
			return err
		}
		// A failed verdict without an amount is a transaction the processor
		// never saw; there is no amount to cross-check.
		unseen := verdict.Status == model.PaymentFailed && verdict.Amount == 0
		if !unseen && intent.Amount != verdict.Amount {
			return fmt.Errorf("%w: intent %s expects %d, processor reports %d",
				ErrAmountMismatch, intent.ReferenceID, intent.Amount, verdict.Amount)
		}
		if intent.Status.IsTerminal() {
			e.logger.Warn("intent already settled by another transaction",
				"reference_id", intent.ReferenceID,
				"transaction_reference", ev.TransactionReference,
				"intent_status", intent.Status,
			)
			out = Outcome{
				TransactionReference: ev.TransactionReference,
				ReferenceID:          intent.ReferenceID,
				SubjectID:            intent.SubjectID,
				Status:               paymentStatusFor(intent.Status),
				IntentStatus:         intent.Status,
				AlreadySettled:       true,
			}
			return errDuplicate
		}

		now := e.now().UTC()
		payment = &model.Payment{
			TransactionReference: ev.TransactionReference,
			ReferenceID:          intent.ReferenceID,
			SubjectID:            intent.SubjectID,
			OwnerID:              intent.OwnerID,
			Status:               verdict.Status,
			Amount:               verdict.Amount,
			Currency:             verdict.Currency,
			Channel:              verdict.Channel,
			Metadata:             withSource(verdict.Metadata, ev.Source, now),
			FirstSeenAt:          now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				// Lost the race to another ingress path; retry and observe its record.
				return fmt.Errorf("%w: %v", repository.ErrConflict, err)
			}
			return err
		}

		next := model.IntentFailed
		if verdict.Status == model.PaymentSuccess {
			next = model.IntentCounted
		}
		if !intent.Status.CanTransition(next) {
			return fmt.Errorf("intent %s cannot move from %s to %s", intent.ReferenceID, intent.Status, next)
		}
		intent.Status = next
		intent.SettledAt = &now
		if err := tx.UpdateIntent(ctx, intent); err != nil {
			return err
		}

		if next == model.IntentCounted {
			vote = &model.Vote{
				SubjectID:            intent.SubjectID,
				TransactionReference: ev.TransactionReference,
				ReferenceID:          intent.ReferenceID,
				OwnerID:              intent.OwnerID,
				Amount:               verdict.Amount,
				CreatedAt:            now,
			}
			if err := tx.InsertVote(ctx, vote); err != nil {
				if errors.Is(err, repository.ErrAlreadyExists) {
					return fmt.Errorf("%w: %v", repository.ErrConflict, err)
				}
				return err
			}
		}

		out = Outcome{
			TransactionReference: ev.TransactionReference,
			ReferenceID:          intent.ReferenceID,
			SubjectID:            intent.SubjectID,
			Status:               verdict.Status,
			IntentStatus:         next,
		}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return out, nil, nil, nil
	}
	if err != nil {
		return Outcome{}, nil, nil, err
	}
	return out, payment, vote, nil
}

func paymentStatusFor(s model.IntentStatus) model.PaymentStatus {
	if s == model.IntentCounted {
		return model.PaymentSuccess
	}
	return model.PaymentFailed
}

func withSource(metadata map[string]string, source string, at time.Time) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["seen_via_"+source] = at.Format(time.RFC3339)
	return out
}

func (e *Engine) publish(p *model.Payment, source string, log *slog.Logger) {
	data, err := json.Marshal(model.SettledEvent{
		TransactionReference: p.TransactionReference,
		ReferenceID:          p.ReferenceID,
		SubjectID:            p.SubjectID,
		Status:               p.Status,
		Amount:               p.Amount,
		Source:               source,
		SettledAt:            p.FirstSeenAt,
	})
	if err != nil {
		log.Error("encode settled event", "error", err)
		return
	}
	if err := e.bus.Publish(repository.TopicPaymentSettled, data); err != nil {
		log.Warn("publish settled event failed", "error", err)
	}
}

func (e *Engine) remember(ctx context.Context, out Outcome, log *slog.Logger) {
	if e.cache == nil {
		return
	}
	_, err := e.cache.Remember(ctx, repository.CachedOutcome{
		TransactionReference: out.TransactionReference,
		ReferenceID:          out.ReferenceID,
		SubjectID:            out.SubjectID,
		Status:               out.Status,
		IntentStatus:         out.IntentStatus,
	})
	if err != nil {
		log.Warn("outcome cache write failed", "error", err)
	}
}

func (e *Engine) observe(ev Event, out Outcome, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.Settlements.WithLabelValues(ev.Source, outcomeLabel(out, err)).Inc()
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrRetriable):
		return "retriable"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	case err != nil:
		return "error"
	case out.AlreadySettled:
		return "already_settled"
	default:
		return string(out.Status)
	}
}
