package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/repository"
	"microwins/internal/infra/metrics"
)

var _ repository.JobQueue = (*JobQueue)(nil)

// JobQueue mirrors the Postgres queue. The single connection makes the
// claim transaction exclusive, so no row locking clause is needed.
type JobQueue struct {
	db         *sql.DB
	visibility time.Duration
}

func NewJobQueue(db *sql.DB, visibility time.Duration) *JobQueue {
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &JobQueue{db: db, visibility: visibility}
}

func (q *JobQueue) Enqueue(ctx context.Context, job *model.DecompositionJob, delay time.Duration) error {
	now := time.Now().UTC()
	job.AvailableAt = now.Add(delay)
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO decomposition_jobs (id, goal_id, attempt, last_error, enqueued_at, available_at)
VALUES (?,?,?,?,?,?)`, job.ID, job.GoalID, job.Attempt, job.LastError, ms(job.EnqueuedAt), ms(job.AvailableAt))
	if err == nil {
		metrics.IncQueueOp("enqueue")
	}
	return err
}

func (q *JobQueue) Dequeue(ctx context.Context) (*model.DecompositionJob, error) {
	var job *model.DecompositionJob
	err := withTx(ctx, q.db, func(tx *sql.Tx) error {
		now := ms(time.Now().UTC())
		var j model.DecompositionJob
		var enq, avail int64
		err := tx.QueryRowContext(ctx, `
SELECT id, goal_id, attempt, last_error, enqueued_at, available_at
  FROM decomposition_jobs
 WHERE available_at <= ? AND (locked_until IS NULL OR locked_until <= ?)
 ORDER BY available_at
 LIMIT 1`, now, now).Scan(&j.ID, &j.GoalID, &j.Attempt, &j.LastError, &enq, &avail)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		j.EnqueuedAt, j.AvailableAt = fromMs(enq), fromMs(avail)
		if _, err := tx.ExecContext(ctx, `UPDATE decomposition_jobs SET locked_until=? WHERE id=?`,
			now+q.visibility.Milliseconds(), j.ID); err != nil {
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

func (q *JobQueue) Ack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM decomposition_jobs WHERE id=?`, jobID)
	if err == nil {
		metrics.IncQueueOp("ack")
	}
	return err
}

func (q *JobQueue) Nack(ctx context.Context, jobID string, delay time.Duration, lastErr string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE decomposition_jobs SET available_at=?, locked_until=NULL, attempt=attempt+1, last_error=?
 WHERE id=?`, ms(time.Now().UTC().Add(delay)), lastErr, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	metrics.IncQueueOp("nack")
	return nil
}
