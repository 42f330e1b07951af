package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/repository"
	"microwins/internal/infra/metrics"
)

var _ repository.JobQueue = (*jobQueue)(nil)

// jobQueue is an at-least-once queue on the decomposition_jobs table. A claimed
// job stays invisible until locked_until; Ack deletes it.
type jobQueue struct {
	pool       *pgxpool.Pool
	tm         repository.TransactionManager
	visibility time.Duration
}

func NewJobQueue(pool *pgxpool.Pool, tm repository.TransactionManager, visibility time.Duration) *jobQueue {
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &jobQueue{pool: pool, tm: tm, visibility: visibility}
}

func (q *jobQueue) Enqueue(ctx context.Context, job *model.DecompositionJob, delay time.Duration) error {
	now := time.Now().UTC()
	job.AvailableAt = now.Add(delay)
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	const s = `
INSERT INTO decomposition_jobs (id, goal_id, attempt, last_error, enqueued_at, available_at)
VALUES ($1,$2,$3,$4,$5,$6);`
	_, err := q.pool.Exec(ctx, s, job.ID, job.GoalID, job.Attempt, job.LastError, job.EnqueuedAt, job.AvailableAt)
	if err == nil {
		metrics.IncQueueOp("enqueue")
	}
	return err
}

func (q *jobQueue) Dequeue(ctx context.Context) (*model.DecompositionJob, error) {
	var job *model.DecompositionJob
	err := q.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		ex, err := getExecutor(q.pool, tx)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		const sel = `
SELECT id, goal_id, attempt, last_error, enqueued_at, available_at
  FROM decomposition_jobs
 WHERE available_at <= $1 AND (locked_until IS NULL OR locked_until <= $1)
 ORDER BY available_at
 LIMIT 1
 FOR UPDATE SKIP LOCKED;`
		var j model.DecompositionJob
		err = ex.QueryRow(ctx, sel, now).Scan(&j.ID, &j.GoalID, &j.Attempt, &j.LastError, &j.EnqueuedAt, &j.AvailableAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := ex.Exec(ctx, `UPDATE decomposition_jobs SET locked_until=$2 WHERE id=$1;`, j.ID, now.Add(q.visibility)); err != nil {
			return err
		}
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncQueueOp("dequeue")
	return job, nil
}

func (q *jobQueue) Ack(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM decomposition_jobs WHERE id=$1;`, jobID)
	if err == nil {
		metrics.IncQueueOp("ack")
	}
	return err
}

func (q *jobQueue) Nack(ctx context.Context, jobID string, delay time.Duration, lastErr string) error {
	const s = `
UPDATE decomposition_jobs
   SET available_at=$2, locked_until=NULL, attempt=attempt+1, last_error=$3
 WHERE id=$1;`
	tag, err := q.pool.Exec(ctx, s, jobID, time.Now().UTC().Add(delay), lastErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	metrics.IncQueueOp("nack")
	return nil
}
