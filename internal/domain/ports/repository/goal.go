package repository

import (
	"context"
	"time"

	"microwins/internal/domain/model"
)

// GoalRepository is the transactional persistence boundary for goals and their
// steps. Every mutating method is conditional on the expected prior state and
// returns domain.ErrPreconditionFailed when the condition does not hold.
type GoalRepository interface {
	Create(ctx context.Context, g *model.Goal) error
	FindByID(ctx context.Context, id string) (*model.Goal, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*model.Goal, error)
	// CountActiveByUser counts goals that are not failed.
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, id, userID string) error

	GetStatus(ctx context.Context, id string) (*model.StatusView, error)
	Steps(ctx context.Context, goalID string) ([]*model.MicroStep, error)

	// MarkProcessing moves queued -> processing, or re-claims a processing goal
	// whose lease expired before now.
	MarkProcessing(ctx context.Context, goalID, leaseToken string, leaseUntil time.Time) error
	// CommitSteps atomically replaces the goal's steps and marks it completed.
	// Requires status processing and a matching lease token.
	CommitSteps(ctx context.Context, goalID, leaseToken string, drafts []model.StepDraft) error
	// MarkFailed records the final attempt and moves processing -> failed.
	MarkFailed(ctx context.Context, goalID, leaseToken, reason string) error
	// Requeue moves processing -> queued after a retriable failure and bumps attempts.
	Requeue(ctx context.Context, goalID, leaseToken, lastErr string) error
	// ResetForRegenerate moves completed/failed -> queued after deleting all steps.
	ResetForRegenerate(ctx context.Context, goalID, userID string) error

	// ListStale returns ids of queued goals untouched since queuedBefore and of
	// processing goals whose lease expired before now. Goals that still have a
	// job that will be delivered are left out.
	ListStale(ctx context.Context, queuedBefore, now time.Time, limit int) ([]string, error)
}
