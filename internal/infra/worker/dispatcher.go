package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/repository"
	"microwins/internal/infra/logging"
	"microwins/internal/usecase"
)

const maxNackDelay = time.Minute

// Dispatcher moves jobs from the queue onto the pool. It never dequeues more
// jobs than the pool can run, so a claimed job is never left waiting while
// its visibility timeout runs down.
type Dispatcher struct {
	queue     repository.JobQueue
	uc        usecase.DecompositionUseCase
	pool      *Pool
	interval  time.Duration
	nackDelay time.Duration
	inflight  chan struct{}
	log       *zerolog.Logger
}

func NewDispatcher(queue repository.JobQueue, uc usecase.DecompositionUseCase, pool *Pool, interval time.Duration, logger *zerolog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	l := logger.With().Str("component", "Dispatcher").Logger()
	return &Dispatcher{
		queue:     queue,
		uc:        uc,
		pool:      pool,
		interval:  interval,
		nackDelay: time.Second,
		inflight:  make(chan struct{}, pool.Size()),
		log:       &l,
	}
}

// Run polls until ctx is done. Stop the pool afterwards to wait for
// in-flight jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Dur("interval", d.interval).Int("workers", d.pool.Size()).Msg("dispatcher started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopping")
			return ctx.Err()
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case d.inflight <- struct{}{}:
		default:
			return
		}
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			<-d.inflight
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				d.log.Error().Err(err).Msg("dequeue failed")
			}
			return
		}
		err = d.pool.Submit(func(ctx context.Context) error {
			defer func() { <-d.inflight }()
			d.handle(ctx, job)
			return nil
		})
		if err != nil {
			<-d.inflight
			d.settle(ctx, job, err)
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, job *model.DecompositionJob) {
	ctx = logging.WithJobID(logging.WithGoalID(ctx, job.GoalID), job.ID)
	log := logging.With(ctx, d.log)

	var out usecase.Outcome
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		out, err = d.uc.ProcessGoal(ctx, job.GoalID)
		return err
	}()
	if err != nil {
		log.Error().Err(err).Int("delivery", job.Attempt+1).Msg("job not handled, returning to queue")
	} else {
		log.Debug().Str("outcome", string(out)).Msg("job handled")
	}
	d.settle(ctx, job, err)
}

// settle acks handled jobs and nacks the rest. It runs on a detached context
// so shutdown does not strand a claimed job until its visibility timeout.
func (d *Dispatcher) settle(ctx context.Context, job *model.DecompositionJob, cause error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if cause == nil {
		if err := d.queue.Ack(sctx, job.ID); err != nil {
			d.log.Error().Err(err).Str("job_id", job.ID).Msg("ack failed")
		}
		return
	}
	if err := d.queue.Nack(sctx, job.ID, d.redeliveryDelay(job.Attempt), cause.Error()); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("nack failed")
	}
}

// redeliveryDelay doubles nackDelay per earlier delivery, capped at maxNackDelay.
func (d *Dispatcher) redeliveryDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.nackDelay
	eb.MaxInterval = maxNackDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()
	delay := eb.NextBackOff()
	for i := 0; i < attempt && delay < maxNackDelay; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}
