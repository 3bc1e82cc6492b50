package worker

import (
	"context"
	"log/slog"
	"time"
)

type PendingVoteApplier interface {
	ApplyPendingVotes(ctx context.Context, limit int) (int, error)
}

// Sweeper periodically applies votes whose counter increment never
// happened, e.g. because the process died right after the settlement
// commit.
type Sweeper struct {
	votes    PendingVoteApplier
	interval time.Duration
	batch    int
}

func NewSweeper(votes PendingVoteApplier, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{votes: votes, interval: interval, batch: batch}
}

// Run sweeps once immediately, then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Vote sweeper is running", "interval", s.interval)
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			slog.Info("Vote sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// sweep drains the backlog in batches.
func (s *Sweeper) sweep(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := s.votes.ApplyPendingVotes(ctx, s.batch)
		if err != nil {
			slog.Error("worker: sweeping pending votes failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("worker: applied pending votes", "count", n)
		}
		if n < s.batch {
			return
		}
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	return s.Run(ctx)
}

func (s *Sweeper) Stop(ctx context.Context) error {
	return nil
}
