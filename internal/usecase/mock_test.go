//go:build !integration

package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/adapter"
	"microwins/internal/domain/ports/repository"
)

// =============================
// Goal repository
// =============================

type memGoalRepo struct {
	mu     sync.Mutex
	goals  map[string]*model.Goal
	steps  map[string][]*model.MicroStep
	writes int
}

var _ repository.GoalRepository = (*memGoalRepo)(nil)

func newMemGoalRepo() *memGoalRepo {
	return &memGoalRepo{goals: map[string]*model.Goal{}, steps: map[string][]*model.MicroStep{}}
}

func (m *memGoalRepo) touch(g *model.Goal) {
	g.UpdatedAt = time.Now().UTC()
	m.writes++
}

func (m *memGoalRepo) Create(ctx context.Context, g *model.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[g.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *g
	m.goals[g.ID] = &cp
	m.writes++
	return nil
}

func (m *memGoalRepo) FindByID(ctx context.Context, id string) (*model.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memGoalRepo) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*model.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Goal
	for _, g := range m.goals {
		if g.UserID == userID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memGoalRepo) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.goals {
		if g.UserID == userID && g.Status != model.GoalStatusFailed {
			n++
		}
	}
	return n, nil
}

func (m *memGoalRepo) Delete(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok || g.UserID != userID {
		return domain.ErrNotFound
	}
	delete(m.goals, id)
	delete(m.steps, id)
	return nil
}

func (m *memGoalRepo) GetStatus(ctx context.Context, id string) (*model.StatusView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return g.StatusView(), nil
}

func (m *memGoalRepo) Steps(ctx context.Context, goalID string) ([]*model.MicroStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.MicroStep(nil), m.steps[goalID]...), nil
}

func (m *memGoalRepo) MarkProcessing(ctx context.Context, goalID, leaseToken string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[goalID]
	if !ok || !g.Claimable(time.Now()) {
		return domain.ErrPreconditionFailed
	}
	g.Status = model.GoalStatusProcessing
	g.LeaseToken = leaseToken
	g.LeaseExpiresAt = &leaseUntil
	m.touch(g)
	return nil
}

func (m *memGoalRepo) processing(goalID, token string) (*model.Goal, error) {
	g, ok := m.goals[goalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if g.Status != model.GoalStatusProcessing || g.LeaseToken != token {
		return nil, domain.ErrPreconditionFailed
	}
	return g, nil
}

func (m *memGoalRepo) CommitSteps(ctx context.Context, goalID, leaseToken string, drafts []model.StepDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.processing(goalID, leaseToken)
	if err != nil {
		return err
	}
	if len(drafts) != g.TargetCount {
		return domain.ErrInvalidArgument
	}
	now := time.Now().UTC()
	m.steps[goalID] = model.BuildSteps(goalID, drafts, now)
	g.Status = model.GoalStatusCompleted
	g.StepCount = len(drafts)
	g.LeaseToken, g.LeaseExpiresAt, g.LastError = "", nil, ""
	g.CompletedAt = &now
	m.touch(g)
	return nil
}

func (m *memGoalRepo) MarkFailed(ctx context.Context, goalID, leaseToken, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.processing(goalID, leaseToken)
	if err != nil {
		return domain.ErrPreconditionFailed
	}
	g.Status = model.GoalStatusFailed
	g.Attempts++
	g.LastError = reason
	g.LeaseToken, g.LeaseExpiresAt = "", nil
	m.touch(g)
	return nil
}

func (m *memGoalRepo) Requeue(ctx context.Context, goalID, leaseToken, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.processing(goalID, leaseToken)
	if err != nil {
		return domain.ErrPreconditionFailed
	}
	g.Status = model.GoalStatusQueued
	g.Attempts++
	g.LastError = lastErr
	g.LeaseToken, g.LeaseExpiresAt = "", nil
	m.touch(g)
	return nil
}

func (m *memGoalRepo) ResetForRegenerate(ctx context.Context, goalID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[goalID]
	if !ok || g.UserID != userID {
		return domain.ErrNotFound
	}
	if !g.Status.CanRegenerate() {
		return domain.ErrPreconditionFailed
	}
	delete(m.steps, goalID)
	g.Status = model.GoalStatusQueued
	g.Attempts, g.StepCount, g.LastError, g.CompletedAt = 0, 0, "", nil
	m.touch(g)
	return nil
}

func (m *memGoalRepo) ListStale(ctx context.Context, queuedBefore, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, g := range m.goals {
		stale := (g.Status == model.GoalStatusQueued && g.UpdatedAt.Before(queuedBefore)) ||
			(g.Status == model.GoalStatusProcessing && g.LeaseExpiresAt != nil && g.LeaseExpiresAt.Before(now))
		if stale && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memGoalRepo) get(id string) model.Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.goals[id]
}

func (m *memGoalRepo) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// =============================
// Queue
// =============================

type queuedJob struct {
	job   *model.DecompositionJob
	delay time.Duration
}

type memQueue struct {
	mu      sync.Mutex
	jobs    []queuedJob
	failErr error
}

var _ repository.JobQueue = (*memQueue)(nil)

func (q *memQueue) Enqueue(ctx context.Context, job *model.DecompositionJob, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return q.failErr
	}
	q.jobs = append(q.jobs, queuedJob{job: job, delay: delay})
	return nil
}

// Dequeue ignores delays; tests drive time explicitly.
func (q *memQueue) Dequeue(ctx context.Context) (*model.DecompositionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, domain.ErrNotFound
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j.job, nil
}

func (q *memQueue) Ack(ctx context.Context, jobID string) error { return nil }

func (q *memQueue) Nack(ctx context.Context, jobID string, delay time.Duration, lastErr string) error {
	return nil
}

func (q *memQueue) delays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]time.Duration, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = j.delay
	}
	return out
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// =============================
// Lease and slots
// =============================

type memLeaser struct {
	mu     sync.Mutex
	held   map[string]string
	seq    int
	always bool // grant every acquire, leaving exclusion to the store
}

var _ repository.Leaser = (*memLeaser)(nil)

func newMemLeaser() *memLeaser { return &memLeaser{held: map[string]string{}} }

func (l *memLeaser) Acquire(ctx context.Context, goalID string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	tok := fmt.Sprintf("tok-%d", l.seq)
	if l.always {
		return tok, nil
	}
	if _, ok := l.held[goalID]; ok {
		return "", domain.ErrLeaseHeld
	}
	l.held[goalID] = tok
	return tok, nil
}

func (l *memLeaser) Release(ctx context.Context, goalID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[goalID] == token {
		delete(l.held, goalID)
	}
	return nil
}

func (l *memLeaser) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

type memSlots struct {
	mu   sync.Mutex
	used map[string]int
}

var _ repository.UserSlots = (*memSlots)(nil)

func newMemSlots() *memSlots { return &memSlots{used: map[string]int{}} }

func (s *memSlots) TryAcquire(ctx context.Context, userID string, limit int, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return true, nil
	}
	if s.used[userID] >= limit {
		return false, nil
	}
	s.used[userID]++
	return true, nil
}

func (s *memSlots) Release(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used[userID] > 0 {
		s.used[userID]--
	}
	return nil
}

func (s *memSlots) inUse(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[userID]
}

// =============================
// Generator and notifier
// =============================

type stubGenerator struct {
	calls atomic.Int64
	delay time.Duration
	fn    func(req adapter.GenerateRequest) (string, error)
}

func (s *stubGenerator) GenerateSteps(ctx context.Context, req adapter.GenerateRequest) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.fn(req)
}

// stepsJSON renders n well-formed steps.
func stepsJSON(n int) string {
	type step struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	out := make([]step, n)
	for i := range out {
		out[i] = step{Title: fmt.Sprintf("Step %d", i+1), Description: "small action"}
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func okGenerator() *stubGenerator {
	return &stubGenerator{fn: func(req adapter.GenerateRequest) (string, error) {
		return stepsJSON(req.TargetCount), nil
	}}
}

func exhaustedErr() error {
	return &adapter.LLMError{Provider: "fake", Kind: adapter.LLMExhausted, Attempts: 4, Err: errors.New("context deadline exceeded")}
}

type recNotifier struct {
	mu     sync.Mutex
	events []adapter.ProgressEvent
}

func (n *recNotifier) Notify(ctx context.Context, ev adapter.ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recNotifier) statuses() []model.GoalStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.GoalStatus, len(n.events))
	for i, e := range n.events {
		out[i] = e.Status
	}
	return out
}

type memInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (m *memInvalidator) Invalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}
