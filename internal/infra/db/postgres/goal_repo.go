package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/repository"
)

var _ repository.GoalRepository = (*goalRepo)(nil)

type goalRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
	now  func() time.Time
}

func NewGoalRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *goalRepo {
	return &goalRepo{pool: pool, tm: tm, now: func() time.Time { return time.Now().UTC() }}
}

const goalColumns = `id, user_id, title, category, difficulty, target_days, target_count,
  status, attempts, last_error, lease_token, lease_expires_at, step_count,
  created_at, updated_at, completed_at`

func scanGoal(row pgx.Row) (*model.Goal, error) {
	var g model.Goal
	var category, difficulty, status string
	err := row.Scan(&g.ID, &g.UserID, &g.Title, &category, &difficulty, &g.TargetDays, &g.TargetCount,
		&status, &g.Attempts, &g.LastError, &g.LeaseToken, &g.LeaseExpiresAt, &g.StepCount,
		&g.CreatedAt, &g.UpdatedAt, &g.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	g.Category = model.Category(category)
	g.Difficulty = model.Difficulty(difficulty)
	g.Status = model.GoalStatus(status)
	return &g, nil
}

func (r *goalRepo) Create(ctx context.Context, g *model.Goal) error {
	const q = `
INSERT INTO goals (` + goalColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16);`
	_, err := r.pool.Exec(ctx, q,
		g.ID, g.UserID, g.Title, string(g.Category), string(g.Difficulty), g.TargetDays, g.TargetCount,
		string(g.Status), g.Attempts, g.LastError, g.LeaseToken, g.LeaseExpiresAt, g.StepCount,
		g.CreatedAt, g.UpdatedAt, g.CompletedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (r *goalRepo) FindByID(ctx context.Context, id string) (*model.Goal, error) {
	return scanGoal(r.pool.QueryRow(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=$1;`, id))
}

func (r *goalRepo) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*model.Goal, error) {
	const q = `SELECT ` + goalColumns + ` FROM goals
WHERE user_id=$1 ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3;`
	rows, err := r.pool.Query(ctx, q, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *goalRepo) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM goals WHERE user_id=$1 AND status <> 'failed';`, userID).Scan(&n)
	return n, err
}

func (r *goalRepo) Delete(ctx context.Context, id, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM goals WHERE id=$1 AND user_id=$2;`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *goalRepo) GetStatus(ctx context.Context, id string) (*model.StatusView, error) {
	const q = `SELECT id, user_id, status, step_count, attempts, last_error, updated_at FROM goals WHERE id=$1;`
	var v model.StatusView
	var status string
	if err := r.pool.QueryRow(ctx, q, id).Scan(&v.GoalID, &v.UserID, &status, &v.StepCount, &v.Attempts, &v.Error, &v.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	v.Status = model.GoalStatus(status)
	if v.Status != model.GoalStatusFailed {
		v.Error = ""
	}
	return &v, nil
}

func (r *goalRepo) Steps(ctx context.Context, goalID string) ([]*model.MicroStep, error) {
	const q = `
SELECT id, goal_id, step_order, title, description, tips::text, completed_at, skipped_at, skip_reason, created_at
  FROM micro_steps WHERE goal_id=$1 ORDER BY step_order;`
	rows, err := r.pool.Query(ctx, q, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.MicroStep
	for rows.Next() {
		var s model.MicroStep
		var tips string
		if err := rows.Scan(&s.ID, &s.GoalID, &s.Order, &s.Title, &s.Description, &tips,
			&s.CompletedAt, &s.SkippedAt, &s.SkipReason, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tips), &s.Tips); err != nil {
			return nil, fmt.Errorf("decode tips of step %s: %w", s.ID, err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// conditional runs a single guarded UPDATE and maps "no row matched" to
// ErrPreconditionFailed.
func (r *goalRepo) conditional(ctx context.Context, q string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPreconditionFailed
	}
	return nil
}

func (r *goalRepo) MarkProcessing(ctx context.Context, goalID, leaseToken string, leaseUntil time.Time) error {
	const q = `
UPDATE goals SET status='processing', lease_token=$2, lease_expires_at=$3, updated_at=$4
 WHERE id=$1
   AND (status='queued'
        OR (status='processing' AND (lease_expires_at IS NULL OR lease_expires_at <= $4)));`
	return r.conditional(ctx, q, goalID, leaseToken, leaseUntil, r.now())
}

func (r *goalRepo) CommitSteps(ctx context.Context, goalID, leaseToken string, drafts []model.StepDraft) error {
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		ptx, ok := tx.(pgx.Tx)
		if !ok {
			return domain.ErrInvalidExecContext
		}
		var status, token string
		var target int
		err := ptx.QueryRow(ctx,
			`SELECT status, lease_token, target_count FROM goals WHERE id=$1 FOR UPDATE;`, goalID).
			Scan(&status, &token, &target)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.GoalStatus(status) != model.GoalStatusProcessing || token != leaseToken {
			return domain.ErrPreconditionFailed
		}
		if len(drafts) != target {
			return fmt.Errorf("commit %d steps for target %d: %w", len(drafts), target, domain.ErrInvalidArgument)
		}

		if _, err := ptx.Exec(ctx, `DELETE FROM micro_steps WHERE goal_id=$1;`, goalID); err != nil {
			return err
		}

		now := r.now()
		const ins = `
INSERT INTO micro_steps (id, goal_id, step_order, title, description, tips, created_at)
VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7);`
		batch := &pgx.Batch{}
		for _, s := range model.BuildSteps(goalID, drafts, now) {
			tips, err := json.Marshal(nonNilTips(s.Tips))
			if err != nil {
				return err
			}
			batch.Queue(ins, s.ID, s.GoalID, s.Order, s.Title, s.Description, string(tips), s.CreatedAt)
		}
		br := ptx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert step %d: %w", i+1, err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}

		_, err = ptx.Exec(ctx, `
UPDATE goals SET status='completed', step_count=$2, lease_token='', lease_expires_at=NULL,
       last_error='', completed_at=$3, updated_at=$3
 WHERE id=$1;`, goalID, len(drafts), now)
		return err
	})
}

func (r *goalRepo) MarkFailed(ctx context.Context, goalID, leaseToken, reason string) error {
	const q = `
UPDATE goals SET status='failed', attempts=attempts+1, last_error=$3, lease_token='', lease_expires_at=NULL, updated_at=$4
 WHERE id=$1 AND status='processing' AND lease_token=$2;`
	return r.conditional(ctx, q, goalID, leaseToken, reason, r.now())
}

func (r *goalRepo) Requeue(ctx context.Context, goalID, leaseToken, lastErr string) error {
	const q = `
UPDATE goals SET status='queued', attempts=attempts+1, last_error=$3, lease_token='', lease_expires_at=NULL, updated_at=$4
 WHERE id=$1 AND status='processing' AND lease_token=$2;`
	return r.conditional(ctx, q, goalID, leaseToken, lastErr, r.now())
}

func (r *goalRepo) ResetForRegenerate(ctx context.Context, goalID, userID string) error {
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		ex, err := getExecutor(r.pool, tx)
		if err != nil {
			return err
		}
		var status string
		err = ex.QueryRow(ctx, `SELECT status FROM goals WHERE id=$1 AND user_id=$2 FOR UPDATE;`, goalID, userID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !model.GoalStatus(status).CanRegenerate() {
			return domain.ErrPreconditionFailed
		}
		if _, err := ex.Exec(ctx, `DELETE FROM micro_steps WHERE goal_id=$1;`, goalID); err != nil {
			return err
		}
		_, err = ex.Exec(ctx, `
UPDATE goals SET status='queued', attempts=0, last_error='', step_count=0, completed_at=NULL,
       lease_token='', lease_expires_at=NULL, updated_at=$2
 WHERE id=$1;`, goalID, r.now())
		return err
	})
}

func (r *goalRepo) ListStale(ctx context.Context, queuedBefore, now time.Time, limit int) ([]string, error) {
	const q = `
SELECT g.id FROM goals g
 WHERE (g.status='queued' AND g.updated_at < $1
        AND NOT EXISTS (SELECT 1 FROM decomposition_jobs j WHERE j.goal_id=g.id))
    OR (g.status='processing' AND g.lease_expires_at < $2
        AND NOT EXISTS (SELECT 1 FROM decomposition_jobs j
                         WHERE j.goal_id=g.id AND (j.locked_until IS NULL OR j.locked_until <= $2)))
 ORDER BY g.updated_at
 LIMIT $3;`
	rows, err := r.pool.Query(ctx, q, queuedBefore, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nonNilTips(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}
