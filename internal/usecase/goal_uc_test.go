//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/usecase"
)

func TestGoalUC_CreateValidates(t *testing.T) {
	h := newHarness(t, okGenerator(), 5, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		in   usecase.CreateGoalInput
	}{
		{"short title", usecase.CreateGoalInput{Title: "ab", Category: "health"}},
		{"long title", usecase.CreateGoalInput{Title: strings.Repeat("x", 201), Category: "health"}},
		{"unknown category", usecase.CreateGoalInput{Title: "Run a marathon", Category: "sports"}},
		{"unknown difficulty", usecase.CreateGoalInput{Title: "Run a marathon", Category: "health", Difficulty: "extreme"}},
		{"too many days", usecase.CreateGoalInput{Title: "Run a marathon", Category: "health", TargetDays: 366}},
		{"negative days", usecase.CreateGoalInput{Title: "Run a marathon", Category: "health", TargetDays: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.goals.Create(ctx, "u1", tc.in); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("want invalid argument, got %v", err)
			}
		})
	}
	if _, err := h.goals.Create(ctx, "", usecase.CreateGoalInput{Title: "Run a marathon", Category: "health"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("empty user: %v", err)
	}
	if h.queue.len() != 0 {
		t.Fatal("rejected goals must not be enqueued")
	}
}

func TestGoalUC_CreateQueuesAndEnqueues(t *testing.T) {
	h := newHarness(t, okGenerator(), 5, nil)
	g, err := h.goals.Create(context.Background(), "u1", usecase.CreateGoalInput{
		Title: "  Write a short novel ", Category: "Creativity", Difficulty: "HARD", TargetDays: 200,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if g.Status != model.GoalStatusQueued || g.Title != "Write a short novel" || g.Category != model.CategoryCreativity ||
		g.Difficulty != model.DifficultyHard || g.TargetDays != 200 || g.TargetCount != 5 {
		t.Fatalf("goal: %+v", g)
	}
	job, err := h.queue.Dequeue(context.Background())
	if err != nil || job.GoalID != g.ID {
		t.Fatalf("job: %v %+v", err, job)
	}
}

func TestGoalUC_ActiveGoalLimit(t *testing.T) {
	gen := okGenerator()
	h := newHarness(t, gen, 5, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.create(t, "u1").ID)
	}
	in := usecase.CreateGoalInput{Title: "One more goal", Category: "personal"}
	if _, err := h.goals.Create(ctx, "u1", in); !errors.Is(err, domain.ErrGoalLimitReached) {
		t.Fatalf("want limit reached, got %v", err)
	}
	// other users are unaffected
	if _, err := h.goals.Create(ctx, "u2", in); err != nil {
		t.Fatalf("u2: %v", err)
	}
	// completed goals still count
	h.process(t, ids[0])
	if _, err := h.goals.Create(ctx, "u1", in); !errors.Is(err, domain.ErrGoalLimitReached) {
		t.Fatalf("completed goal freed a slot: %v", err)
	}
	// failed goals do not
	_ = h.repo.MarkProcessing(ctx, ids[1], "t", h.repo.get(ids[1]).CreatedAt)
	_ = h.repo.MarkFailed(ctx, ids[1], "t", "boom")
	if _, err := h.goals.Create(ctx, "u1", in); err != nil {
		t.Fatalf("failed goal still counted: %v", err)
	}
}

func TestGoalUC_RegenerateFailedRespectsLimit(t *testing.T) {
	h := newHarness(t, okGenerator(), 5, nil)
	ctx := context.Background()

	failed := h.create(t, "u1")
	_ = h.repo.MarkProcessing(ctx, failed.ID, "t", h.repo.get(failed.ID).CreatedAt)
	_ = h.repo.MarkFailed(ctx, failed.ID, "t", "boom")
	var active []string
	for i := 0; i < 3; i++ {
		active = append(active, h.create(t, "u1").ID)
	}

	if _, err := h.goals.Regenerate(ctx, "u1", failed.ID); !errors.Is(err, domain.ErrGoalLimitReached) {
		t.Fatalf("want limit reached, got %v", err)
	}
	if got := h.repo.get(failed.ID).Status; got != model.GoalStatusFailed {
		t.Fatalf("rejected regenerate changed status to %s", got)
	}

	// a completed goal at the limit can still be regenerated: it is already counted
	h.process(t, active[0])
	if _, err := h.goals.Regenerate(ctx, "u1", active[0]); err != nil {
		t.Fatalf("regenerate completed goal at limit: %v", err)
	}

	if err := h.goals.Delete(ctx, "u1", active[1]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.goals.Regenerate(ctx, "u1", failed.ID); err != nil {
		t.Fatalf("regenerate after freeing a slot: %v", err)
	}
	if n, _ := h.repo.CountActiveByUser(ctx, "u1"); n != 3 {
		t.Fatalf("active goals %d, want 3", n)
	}
}

func TestGoalUC_EnqueueFailureDoesNotFailCreate(t *testing.T) {
	h := newHarness(t, okGenerator(), 5, nil)
	h.queue.failErr = errors.New("queue down")
	g := h.create(t, "u1")
	if got := h.repo.get(g.ID); got.Status != model.GoalStatusQueued {
		t.Fatalf("goal not persisted as queued: %+v", got)
	}
}

func TestGoalUC_OwnershipHidesForeignGoals(t *testing.T) {
	h := newHarness(t, okGenerator(), 5, nil)
	ctx := context.Background()
	g := h.create(t, "owner")

	if _, err := h.goals.Get(ctx, "intruder", g.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get: %v", err)
	}
	if _, err := h.goals.Status(ctx, "intruder", g.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Status: %v", err)
	}
	if _, err := h.goals.Regenerate(ctx, "intruder", g.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Regenerate: %v", err)
	}
	if err := h.goals.Delete(ctx, "intruder", g.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Delete: %v", err)
	}
	if err := h.goals.Delete(ctx, "owner", g.ID); err != nil {
		t.Fatalf("owner Delete: %v", err)
	}
}

func TestGoalUC_GetReturnsStepsOnlyWhenCompleted(t *testing.T) {
	h := newHarness(t, okGenerator(), 4, nil)
	ctx := context.Background()
	g := h.create(t, "u1")

	d, err := h.goals.Get(ctx, "u1", g.ID)
	if err != nil || len(d.Steps) != 0 {
		t.Fatalf("queued goal: %v %d", err, len(d.Steps))
	}
	h.process(t, g.ID)
	d, err = h.goals.Get(ctx, "u1", g.ID)
	if err != nil || len(d.Steps) != 4 || d.Goal.Status != model.GoalStatusCompleted {
		t.Fatalf("completed goal: %v %+v", err, d)
	}
}

func TestGoalUC_StatusIsSideEffectFree(t *testing.T) {
	h := newHarness(t, okGenerator(), 5, nil)
	ctx := context.Background()
	g := h.create(t, "u1")
	h.process(t, g.ID)

	before := h.repo.writeCount()
	first, err := h.goals.Status(ctx, "u1", g.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for i := 0; i < 50; i++ {
		v, err := h.goals.Status(ctx, "u1", g.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if *v != *first {
			t.Fatalf("status drifted: %+v vs %+v", v, first)
		}
	}
	if h.repo.writeCount() != before {
		t.Fatal("status polling wrote to the store")
	}
	if first.Status != model.GoalStatusCompleted || first.StepCount != 5 || first.Error != "" {
		t.Fatalf("view: %+v", first)
	}
}

func TestGoalUC_RegenerateYieldsExactlyNSteps(t *testing.T) {
	h := newHarness(t, okGenerator(), 6, nil)
	ctx := context.Background()
	g := h.create(t, "u1")

	if _, err := h.goals.Regenerate(ctx, "u1", g.ID); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("regenerate of queued goal: %v", err)
	}
	h.process(t, g.ID)

	rg, err := h.goals.Regenerate(ctx, "u1", g.ID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if rg.Status != model.GoalStatusQueued || rg.StepCount != 0 {
		t.Fatalf("regenerated goal: %+v", rg)
	}
	if steps, _ := h.repo.Steps(ctx, g.ID); len(steps) != 0 {
		t.Fatal("old steps survived regenerate")
	}
	if len(h.inv.keys) != 1 || h.inv.keys[0] != cacheKey(g.Title, string(g.Category), string(g.Difficulty), 6) {
		t.Fatalf("cache not invalidated: %v", h.inv.keys)
	}

	if out := h.process(t, g.ID); out != usecase.OutcomeCompleted {
		t.Fatalf("reprocess: %s", out)
	}
	steps, _ := h.repo.Steps(ctx, g.ID)
	if len(steps) != 6 {
		t.Fatalf("want 6 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.Order != i+1 {
			t.Fatalf("order %d at %d", s.Order, i)
		}
	}
}

func TestGoalUC_ListClampsPage(t *testing.T) {
	h := newHarness(t, okGenerator(), 1, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := h.goals.Create(ctx, "u1", usecase.CreateGoalInput{Title: fmt.Sprintf("goal %d", i), Category: "finance"}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := h.goals.List(ctx, "u1", -5, 0)
	if err != nil || len(list) != 3 {
		t.Fatalf("List: %v %d", err, len(list))
	}
	list, _ = h.goals.List(ctx, "u1", 2, 1000)
	if len(list) != 1 {
		t.Fatalf("offset page: %d", len(list))
	}
}
