package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/adapter"
	"microwins/internal/domain/ports/repository"
	"microwins/internal/domain/stepparser"
	"microwins/internal/infra/logging"
	"microwins/internal/infra/metrics"
	"microwins/internal/infra/tracing"
)

// Compile-time check
var _ DecompositionUseCase = (*decompositionUC)(nil)

type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	// OutcomeSkipped means another worker owns or already finished the goal.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDeferred means the user had no free slot; a new job was enqueued
	// and no attempt was consumed.
	OutcomeDeferred Outcome = "deferred"
)

// DecompositionUseCase runs one decomposition attempt for a goal. Any number
// of concurrent calls for the same goal result in at most one committed set
// of steps.
type DecompositionUseCase interface {
	// ProcessGoal returns a non-nil error only for infrastructure failures that
	// left the goal untouched; the caller should redeliver the job.
	ProcessGoal(ctx context.Context, goalID string) (Outcome, error)
}

type DecompositionConfig struct {
	MaxAttempts        int
	LeaseTTL           time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	PerUserConcurrency int
	DeferDelay         time.Duration
	// CacheKey derives the step cache key for a goal; nil disables caching.
	CacheKey CacheKeyFunc
}

type CacheKeyFunc func(title, category, difficulty string, n int) string

type decompositionUC struct {
	goals    repository.GoalRepository
	queue    repository.JobQueue
	leaser   repository.Leaser
	slots    repository.UserSlots
	gen      adapter.StepGenerator
	notifier adapter.ProgressNotifier
	cfg      DecompositionConfig
	log      *zerolog.Logger
	now      func() time.Time
}

func NewDecompositionUseCase(
	goals repository.GoalRepository,
	queue repository.JobQueue,
	leaser repository.Leaser,
	slots repository.UserSlots,
	gen adapter.StepGenerator,
	notifier adapter.ProgressNotifier,
	cfg DecompositionConfig,
	logger *zerolog.Logger,
) *decompositionUC {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 10 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = 5 * time.Second
	}
	l := logger.With().Str("component", "DecompositionUseCase").Logger()
	return &decompositionUC{
		goals:    goals,
		queue:    queue,
		leaser:   leaser,
		slots:    slots,
		gen:      gen,
		notifier: notifier,
		cfg:      cfg,
		log:      &l,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (uc *decompositionUC) ProcessGoal(ctx context.Context, goalID string) (out Outcome, err error) {
	start := time.Now()
	ctx = logging.WithGoalID(ctx, goalID)
	ctx, span := tracing.Tracer().Start(ctx, "decomposition.process_goal",
		trace.WithAttributes(attribute.String("goal.id", goalID)))
	defer func() {
		span.SetAttributes(attribute.String("decomposition.outcome", string(out)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err == nil {
			metrics.ObserveDecomposition(string(out), time.Since(start))
		}
	}()
	log := logging.With(ctx, uc.log)

	g, err := uc.goals.FindByID(ctx, goalID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Info().Msg("goal no longer exists, skipping")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("load goal: %w", err)
	}
	if !g.Claimable(uc.now()) {
		log.Info().Str("status", string(g.Status)).Msg("goal not claimable, skipping")
		return OutcomeSkipped, nil
	}

	token, err := uc.leaser.Acquire(ctx, goalID, uc.cfg.LeaseTTL)
	if errors.Is(err, domain.ErrLeaseHeld) {
		metrics.IncLeaseConflict("lease")
		log.Info().Msg("goal leased by another worker, skipping")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	defer uc.releaseLease(ctx, goalID, token, log)

	ok, err := uc.slots.TryAcquire(ctx, g.UserID, uc.cfg.PerUserConcurrency, uc.cfg.LeaseTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := uc.queue.Enqueue(ctx, model.NewDecompositionJob(goalID), uc.cfg.DeferDelay); err != nil {
			return "", fmt.Errorf("defer goal: %w", err)
		}
		log.Debug().Str("user_id", g.UserID).Msg("user at concurrency limit, deferred")
		return OutcomeDeferred, nil
	}
	defer uc.releaseSlot(ctx, g.UserID, log)

	leaseUntil := uc.now().Add(uc.cfg.LeaseTTL)
	if err := uc.goals.MarkProcessing(ctx, goalID, token, leaseUntil); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			metrics.IncLeaseConflict("mark_processing")
			log.Debug().Msg("lost the claim race, skipping")
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("mark processing: %w", err)
	}
	uc.notify(ctx, g, model.GoalStatusProcessing, "")
	attempt := g.Attempts + 1
	span.SetAttributes(attribute.Int("decomposition.attempt", attempt))
	log.Info().Int("attempt", attempt).Msg("decomposition started")

	drafts, genErr := uc.generate(ctx, g, leaseUntil)
	if genErr == nil {
		if err := uc.goals.CommitSteps(ctx, goalID, token, drafts); err != nil {
			if errors.Is(err, domain.ErrPreconditionFailed) {
				metrics.IncLeaseConflict("commit")
				log.Debug().Msg("lease fenced before commit, skipping")
				return OutcomeSkipped, nil
			}
			return "", fmt.Errorf("commit steps: %w", err)
		}
		uc.notify(ctx, g, model.GoalStatusCompleted, "")
		log.Info().Int("steps", len(drafts)).Int("attempt", attempt).Msg("decomposition completed")
		return OutcomeCompleted, nil
	}

	// shutdown mid-call: leave the goal processing for the sweeper to reclaim
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return uc.handleFailure(ctx, g, token, attempt, genErr, log)
}

func (uc *decompositionUC) generate(ctx context.Context, g *model.Goal, deadline time.Time) ([]model.StepDraft, error) {
	genCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req := adapter.GenerateRequest{
		GoalID:      g.ID,
		Title:       g.Title,
		Category:    string(g.Category),
		Difficulty:  string(g.Difficulty),
		TargetDays:  g.TargetDays,
		TargetCount: g.TargetCount,
	}
	if uc.cfg.CacheKey != nil {
		req.CacheKey = uc.cfg.CacheKey(req.Title, req.Category, req.Difficulty, req.TargetCount)
	}
	raw, err := uc.gen.GenerateSteps(genCtx, req)
	if err != nil {
		return nil, err
	}
	drafts, err := stepparser.Parse(raw, g.TargetCount)
	if err != nil {
		metrics.IncParseError(string(stepparser.KindOf(err)))
		return nil, err
	}
	return drafts, nil
}

func (uc *decompositionUC) handleFailure(ctx context.Context, g *model.Goal, token string, attempt int, cause error, log *zerolog.Logger) (Outcome, error) {
	reason := cause.Error()
	ev := log.Warn().Err(cause).Int("attempt", attempt)
	if kind := stepparser.KindOf(cause); kind != "" {
		ev = ev.Str("parse_error", string(kind))
	}

	if adapter.IsPermanentLLMError(cause) || attempt >= uc.cfg.MaxAttempts {
		ev.Msg("decomposition failed")
		if err := uc.goals.MarkFailed(ctx, g.ID, token, reason); err != nil {
			if errors.Is(err, domain.ErrPreconditionFailed) {
				metrics.IncLeaseConflict("mark_failed")
				return OutcomeSkipped, nil
			}
			return "", fmt.Errorf("mark failed: %w", err)
		}
		uc.notify(ctx, g, model.GoalStatusFailed, reason)
		return OutcomeFailed, nil
	}

	delay := uc.retryDelay(attempt)
	ev.Dur("retry_in", delay).Msg("decomposition attempt failed, retrying")
	if err := uc.goals.Requeue(ctx, g.ID, token, reason); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			metrics.IncLeaseConflict("requeue")
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("requeue goal: %w", err)
	}
	if err := uc.queue.Enqueue(ctx, model.NewDecompositionJob(g.ID), delay); err != nil {
		// the goal is queued; the sweeper picks it up after the grace period
		log.Error().Err(err).Msg("enqueue retry job failed")
	}
	return OutcomeRetryScheduled, nil
}

// retryDelay doubles from RetryBaseDelay for each failed attempt, capped at
// RetryMaxDelay.
func (uc *decompositionUC) retryDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = uc.cfg.RetryBaseDelay
	eb.MaxInterval = uc.cfg.RetryMaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()
	d := eb.InitialInterval
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

func (uc *decompositionUC) notify(ctx context.Context, g *model.Goal, status model.GoalStatus, reason string) {
	if uc.notifier == nil {
		return
	}
	uc.notifier.Notify(ctx, adapter.ProgressEvent{GoalID: g.ID, UserID: g.UserID, Status: status, Error: reason})
}

func (uc *decompositionUC) releaseLease(ctx context.Context, goalID, token string, log *zerolog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := uc.leaser.Release(rctx, goalID, token); err != nil {
		log.Error().Err(err).Msg("release goal lease failed")
	}
}

func (uc *decompositionUC) releaseSlot(ctx context.Context, userID string, log *zerolog.Logger) {
	if uc.cfg.PerUserConcurrency <= 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := uc.slots.Release(rctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("release user slot failed")
	}
}
