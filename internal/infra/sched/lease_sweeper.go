package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/repository"
	"microwins/internal/infra/metrics"
)

// LeaseSweeper re-enqueues goals whose job was lost: queued goals nobody
// touched within the grace period and processing goals whose lease expired,
// in both cases only when no deliverable job is left for the goal.
type LeaseSweeper struct {
	interval    time.Duration
	queuedGrace time.Duration
	batch       int
	goals       repository.GoalRepository
	queue       repository.JobQueue
	log         *zerolog.Logger
	now         func() time.Time
}

func NewLeaseSweeper(interval, queuedGrace time.Duration, batch int, goals repository.GoalRepository, queue repository.JobQueue, logger *zerolog.Logger) *LeaseSweeper {
	if batch <= 0 {
		batch = 100
	}
	l := logger.With().Str("component", "LeaseSweeper").Logger()
	return &LeaseSweeper{
		interval:    interval,
		queuedGrace: queuedGrace,
		batch:       batch,
		goals:       goals,
		queue:       queue,
		log:         &l,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (w *LeaseSweeper) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Dur("queued_grace", w.queuedGrace).Msg("Starting lease sweeper")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping lease sweeper")
			return ctx.Err()
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("lease sweep error")
			}
			if n > 0 {
				w.log.Info().Int("count", n).Msg("stale goals re-enqueued")
			}
		}
	}
}

// Sweep runs one pass and returns how many goals were re-enqueued.
func (w *LeaseSweeper) Sweep(ctx context.Context) (int, error) {
	now := w.now()
	ids, err := w.goals.ListStale(ctx, now.Add(-w.queuedGrace), now, w.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := w.queue.Enqueue(ctx, model.NewDecompositionJob(id), 0); err != nil {
			metrics.AddSweeperRequeued(n)
			return n, err
		}
		n++
	}
	metrics.AddSweeperRequeued(n)
	return n, nil
}
