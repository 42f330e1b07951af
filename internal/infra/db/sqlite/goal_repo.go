package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/repository"
)

var _ repository.GoalRepository = (*GoalRepo)(nil)

type GoalRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewGoalRepo(db *sql.DB) *GoalRepo {
	return &GoalRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const goalColumns = `id, user_id, title, category, difficulty, target_days, target_count,
  status, attempts, last_error, lease_token, lease_expires_at, step_count,
  created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanGoal(row scanner) (*model.Goal, error) {
	var g model.Goal
	var category, difficulty, status string
	var leaseExp, completed sql.NullInt64
	var created, updated int64
	err := row.Scan(&g.ID, &g.UserID, &g.Title, &category, &difficulty, &g.TargetDays, &g.TargetCount,
		&status, &g.Attempts, &g.LastError, &g.LeaseToken, &leaseExp, &g.StepCount,
		&created, &updated, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Category = model.Category(category)
	g.Difficulty = model.Difficulty(difficulty)
	g.Status = model.GoalStatus(status)
	g.LeaseExpiresAt = ptrMs(leaseExp)
	g.CompletedAt = ptrMs(completed)
	g.CreatedAt = fromMs(created)
	g.UpdatedAt = fromMs(updated)
	return &g, nil
}

func (r *GoalRepo) Create(ctx context.Context, g *model.Goal) error {
	const q = `INSERT INTO goals (` + goalColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := r.db.ExecContext(ctx, q,
		g.ID, g.UserID, g.Title, string(g.Category), string(g.Difficulty), g.TargetDays, g.TargetCount,
		string(g.Status), g.Attempts, g.LastError, g.LeaseToken, nullMs(g.LeaseExpiresAt), g.StepCount,
		ms(g.CreatedAt), ms(g.UpdatedAt), nullMs(g.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (r *GoalRepo) FindByID(ctx context.Context, id string) (*model.Goal, error) {
	return scanGoal(r.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
}

func (r *GoalRepo) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*model.Goal, error) {
	const q = `SELECT ` + goalColumns + ` FROM goals WHERE user_id=?
ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, q, userID, limit, offset)
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

func (r *GoalRepo) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM goals WHERE user_id=? AND status <> 'failed'`, userID).Scan(&n)
	return n, err
}

func (r *GoalRepo) Delete(ctx context.Context, id, userID string) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM goals WHERE id=? AND user_id=?`, id, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM micro_steps WHERE goal_id=?`, id)
		return err
	})
}

func (r *GoalRepo) GetStatus(ctx context.Context, id string) (*model.StatusView, error) {
	var v model.StatusView
	var status string
	var updated int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, step_count, attempts, last_error, updated_at FROM goals WHERE id=?`, id).
		Scan(&v.GoalID, &v.UserID, &status, &v.StepCount, &v.Attempts, &v.Error, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Status = model.GoalStatus(status)
	v.UpdatedAt = fromMs(updated)
	if v.Status != model.GoalStatusFailed {
		v.Error = ""
	}
	return &v, nil
}

func (r *GoalRepo) Steps(ctx context.Context, goalID string) ([]*model.MicroStep, error) {
	const q = `
SELECT id, goal_id, step_order, title, description, tips, completed_at, skipped_at, skip_reason, created_at
  FROM micro_steps WHERE goal_id=? ORDER BY step_order`
	rows, err := r.db.QueryContext(ctx, q, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.MicroStep
	for rows.Next() {
		var s model.MicroStep
		var tips string
		var done, skipped sql.NullInt64
		var created int64
		if err := rows.Scan(&s.ID, &s.GoalID, &s.Order, &s.Title, &s.Description, &tips,
			&done, &skipped, &s.SkipReason, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tips), &s.Tips); err != nil {
			return nil, fmt.Errorf("decode tips of step %s: %w", s.ID, err)
		}
		s.CompletedAt, s.SkippedAt, s.CreatedAt = ptrMs(done), ptrMs(skipped), fromMs(created)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func conditional(ctx context.Context, ex interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, q string, args ...any) error {
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPreconditionFailed
	}
	return nil
}

func (r *GoalRepo) MarkProcessing(ctx context.Context, goalID, leaseToken string, leaseUntil time.Time) error {
	now := ms(r.now())
	const q = `
UPDATE goals SET status='processing', lease_token=?, lease_expires_at=?, updated_at=?
 WHERE id=?
   AND (status='queued'
        OR (status='processing' AND (lease_expires_at IS NULL OR lease_expires_at <= ?)))`
	return conditional(ctx, r.db, q, leaseToken, ms(leaseUntil), now, goalID, now)
}

func (r *GoalRepo) CommitSteps(ctx context.Context, goalID, leaseToken string, drafts []model.StepDraft) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var status, token string
		var target int
		err := tx.QueryRowContext(ctx, `SELECT status, lease_token, target_count FROM goals WHERE id=?`, goalID).
			Scan(&status, &token, &target)
		if errors.Is(err, sql.ErrNoRows) {
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM micro_steps WHERE goal_id=?`, goalID); err != nil {
			return err
		}

		now := r.now()
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO micro_steps (id, goal_id, step_order, title, description, tips, created_at)
VALUES (?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range model.BuildSteps(goalID, drafts, now) {
			tips := s.Tips
			if tips == nil {
				tips = []string{}
			}
			b, err := json.Marshal(tips)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, s.ID, s.GoalID, s.Order, s.Title, s.Description, string(b), ms(s.CreatedAt)); err != nil {
				return fmt.Errorf("insert step %d: %w", s.Order, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
UPDATE goals SET status='completed', step_count=?, lease_token='', lease_expires_at=NULL,
       last_error='', completed_at=?, updated_at=?
 WHERE id=?`, len(drafts), ms(now), ms(now), goalID)
		return err
	})
}

func (r *GoalRepo) MarkFailed(ctx context.Context, goalID, leaseToken, reason string) error {
	const q = `
UPDATE goals SET status='failed', attempts=attempts+1, last_error=?, lease_token='', lease_expires_at=NULL, updated_at=?
 WHERE id=? AND status='processing' AND lease_token=?`
	return conditional(ctx, r.db, q, reason, ms(r.now()), goalID, leaseToken)
}

func (r *GoalRepo) Requeue(ctx context.Context, goalID, leaseToken, lastErr string) error {
	const q = `
UPDATE goals SET status='queued', attempts=attempts+1, last_error=?, lease_token='', lease_expires_at=NULL, updated_at=?
 WHERE id=? AND status='processing' AND lease_token=?`
	return conditional(ctx, r.db, q, lastErr, ms(r.now()), goalID, leaseToken)
}

func (r *GoalRepo) ResetForRegenerate(ctx context.Context, goalID, userID string) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM goals WHERE id=? AND user_id=?`, goalID, userID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !model.GoalStatus(status).CanRegenerate() {
			return domain.ErrPreconditionFailed
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM micro_steps WHERE goal_id=?`, goalID); err != nil {
			return err
		}
		return conditional(ctx, tx, `
UPDATE goals SET status='queued', attempts=0, last_error='', step_count=0, completed_at=NULL,
       lease_token='', lease_expires_at=NULL, updated_at=?
 WHERE id=? AND status IN ('completed', 'failed')`, ms(r.now()), goalID)
	})
}

func (r *GoalRepo) ListStale(ctx context.Context, queuedBefore, now time.Time, limit int) ([]string, error) {
	const q = `
SELECT g.id FROM goals g
 WHERE (g.status='queued' AND g.updated_at < ?
        AND NOT EXISTS (SELECT 1 FROM decomposition_jobs j WHERE j.goal_id=g.id))
    OR (g.status='processing' AND g.lease_expires_at < ?
        AND NOT EXISTS (SELECT 1 FROM decomposition_jobs j
                         WHERE j.goal_id=g.id AND (j.locked_until IS NULL OR j.locked_until <= ?)))
 ORDER BY g.updated_at
 LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, ms(queuedBefore), ms(now), ms(now), limit)
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
