package repository

import (
	"context"
	"time"

	"microwins/internal/domain/model"
)

// JobQueue delivers decomposition jobs at least once. A dequeued job that is not
// acked within the visibility timeout is delivered again.
type JobQueue interface {
	Enqueue(ctx context.Context, job *model.DecompositionJob, delay time.Duration) error
	// Dequeue returns domain.ErrNotFound when nothing is ready.
	Dequeue(ctx context.Context) (*model.DecompositionJob, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, delay time.Duration, lastErr string) error
}
