package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/repository"
	"microwins/internal/infra/logging"
	"microwins/internal/infra/metrics"
)

// Compile-time check
var _ GoalUseCase = (*goalUC)(nil)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type CreateGoalInput struct {
	Title      string
	Category   string
	Difficulty string
	TargetDays int
}

// GoalDetail is a goal with its steps. Steps are empty until the goal completes.
type GoalDetail struct {
	Goal  *model.Goal
	Steps []*model.MicroStep
}

type GoalUseCase interface {
	Create(ctx context.Context, userID string, in CreateGoalInput) (*model.Goal, error)
	Get(ctx context.Context, userID, goalID string) (*GoalDetail, error)
	Status(ctx context.Context, userID, goalID string) (*model.StatusView, error)
	List(ctx context.Context, userID string, offset, limit int) ([]*model.Goal, error)
	Delete(ctx context.Context, userID, goalID string) error
	Regenerate(ctx context.Context, userID, goalID string) (*model.Goal, error)
}

// CacheInvalidator drops a cached decomposition.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key string) error
}

type GoalConfig struct {
	TargetSteps int
	// MaxActivePerUser of 0 disables the limit.
	MaxActivePerUser int
	CacheKey         CacheKeyFunc
}

type goalUC struct {
	goals repository.GoalRepository
	queue repository.JobQueue
	cache CacheInvalidator
	cfg   GoalConfig
	log   *zerolog.Logger
}

// NewGoalUseCase builds the goal use case; cache may be nil.
func NewGoalUseCase(goals repository.GoalRepository, queue repository.JobQueue, cache CacheInvalidator, cfg GoalConfig, logger *zerolog.Logger) *goalUC {
	if cfg.TargetSteps <= 0 {
		cfg.TargetSteps = 100
	}
	l := logger.With().Str("component", "GoalUseCase").Logger()
	return &goalUC{goals: goals, queue: queue, cache: cache, cfg: cfg, log: &l}
}

func (uc *goalUC) Create(ctx context.Context, userID string, in CreateGoalInput) (*model.Goal, error) {
	log := logging.With(ctx, uc.log)
	defer logging.TraceDuration(log, "GoalUC.Create")()

	category, err := model.ParseCategory(in.Category)
	if err != nil {
		return nil, fmt.Errorf("category %q: %w", in.Category, err)
	}
	difficulty, err := model.ParseDifficulty(in.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("difficulty %q: %w", in.Difficulty, err)
	}
	g, err := model.NewGoal(userID, in.Title, category, difficulty, in.TargetDays, uc.cfg.TargetSteps)
	if err != nil {
		return nil, err
	}

	if err := uc.checkActiveLimit(ctx, userID); err != nil {
		return nil, err
	}

	if err := uc.goals.Create(ctx, g); err != nil {
		return nil, err
	}
	metrics.IncGoalsCreated()
	uc.enqueue(ctx, g.ID, log)
	log.Info().Str("goal_id", g.ID).Str("category", string(g.Category)).Msg("goal created")
	return g, nil
}

func (uc *goalUC) checkActiveLimit(ctx context.Context, userID string) error {
	if uc.cfg.MaxActivePerUser <= 0 {
		return nil
	}
	n, err := uc.goals.CountActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("count active goals: %w", err)
	}
	if n >= uc.cfg.MaxActivePerUser {
		return domain.ErrGoalLimitReached
	}
	return nil
}

// enqueue never fails the caller: a queued goal without a job is picked up
// by the sweeper.
func (uc *goalUC) enqueue(ctx context.Context, goalID string, log *zerolog.Logger) {
	if err := uc.queue.Enqueue(ctx, model.NewDecompositionJob(goalID), 0); err != nil {
		log.Error().Err(err).Str("goal_id", goalID).Msg("enqueue decomposition job failed")
	}
}

func (uc *goalUC) owned(ctx context.Context, userID, goalID string) (*model.Goal, error) {
	g, err := uc.goals.FindByID(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if g.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return g, nil
}

func (uc *goalUC) Get(ctx context.Context, userID, goalID string) (*GoalDetail, error) {
	g, err := uc.owned(ctx, userID, goalID)
	if err != nil {
		return nil, err
	}
	d := &GoalDetail{Goal: g}
	if g.Status == model.GoalStatusCompleted {
		if d.Steps, err = uc.goals.Steps(ctx, goalID); err != nil {
			return nil, fmt.Errorf("load steps: %w", err)
		}
	}
	return d, nil
}

// Status is a pure read; polling it never changes state.
func (uc *goalUC) Status(ctx context.Context, userID, goalID string) (*model.StatusView, error) {
	v, err := uc.goals.GetStatus(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if v.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func (uc *goalUC) List(ctx context.Context, userID string, offset, limit int) ([]*model.Goal, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return uc.goals.ListByUser(ctx, userID, offset, limit)
}

func (uc *goalUC) Delete(ctx context.Context, userID, goalID string) error {
	return uc.goals.Delete(ctx, goalID, userID)
}

func (uc *goalUC) Regenerate(ctx context.Context, userID, goalID string) (*model.Goal, error) {
	log := logging.With(ctx, uc.log)
	g, err := uc.owned(ctx, userID, goalID)
	if err != nil {
		return nil, err
	}
	// a failed goal is outside the active count until it is queued again
	if g.Status == model.GoalStatusFailed {
		if err := uc.checkActiveLimit(ctx, userID); err != nil {
			return nil, err
		}
	}
	if err := uc.goals.ResetForRegenerate(ctx, goalID, userID); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil, fmt.Errorf("goal is %s: %w", g.Status, err)
		}
		return nil, err
	}
	if uc.cache != nil && uc.cfg.CacheKey != nil {
		key := uc.cfg.CacheKey(g.Title, string(g.Category), string(g.Difficulty), g.TargetCount)
		if err := uc.cache.Invalidate(ctx, key); err != nil {
			log.Warn().Err(err).Str("goal_id", goalID).Msg("step cache invalidate failed")
		}
	}
	uc.enqueue(ctx, goalID, log)

	g.Status = model.GoalStatusQueued
	g.Attempts, g.StepCount, g.LastError, g.CompletedAt = 0, 0, "", nil
	log.Info().Str("goal_id", goalID).Msg("goal queued for regeneration")
	return g, nil
}
