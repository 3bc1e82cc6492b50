package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tallyd/internal/model"
	"tallyd/internal/repository"
	"tallyd/internal/service"
)

// Consumer delivers each message on topic to one member of queue.
type Consumer interface {
	Consume(topic, queue string, handle func(data []byte) error) (*nats.Subscription, error)
}

type VoteApplier interface {
	ApplyVote(ctx context.Context, subjectID, transactionReference string) (bool, error)
}

// SettledProcessor listens on the "payments.settled" topic and folds the
// vote of each successful settlement into its counter. ApplyVote is
// idempotent, so racing the settling replica is harmless.
type SettledProcessor struct {
	votes    VoteApplier
	consumer Consumer
}

func NewSettledProcessor(votes VoteApplier, consumer Consumer) *SettledProcessor {
	return &SettledProcessor{votes: votes, consumer: consumer}
}

// Run subscribes to "payments.settled" and blocks until ctx is cancelled.
func (p *SettledProcessor) Run(ctx context.Context) error {
	// Messages still in flight during Drain must finish, so they outlive ctx.
	msgCtx := context.WithoutCancel(ctx)
	sub, err := p.consumer.Consume(repository.TopicPaymentSettled, "settled_group", func(data []byte) error {
		return p.process(msgCtx, data)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to settled events: %w", err)
	}

	slog.Info("Settled event processor is running")

	<-ctx.Done()

	slog.Info("Settled event processor received shutdown signal, draining subscription...")
	return sub.Drain()
}

func (p *SettledProcessor) process(ctx context.Context, data []byte) error {
	var event model.SettledEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decode settled event: %w", err)
	}
	if event.Status != model.PaymentSuccess {
		return nil
	}

	applied, err := p.votes.ApplyVote(ctx, event.SubjectID, event.TransactionReference)
	if errors.Is(err, service.ErrNotFound) {
		// Published by a store this replica does not share.
		slog.Warn("worker: settled event without vote",
			"subject_id", event.SubjectID,
			"transaction_reference", event.TransactionReference,
		)
		return nil
	}
	if err != nil {
		return err
	}
	if applied {
		slog.Info("worker: vote applied from settled event",
			"subject_id", event.SubjectID,
			"transaction_reference", event.TransactionReference,
		)
	}
	return nil
}

// Start implements the infrastructure.Server interface.
func (p *SettledProcessor) Start(ctx context.Context) error {
	return p.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (p *SettledProcessor) Stop(ctx context.Context) error {
	return nil
}
