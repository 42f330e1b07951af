package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"microwins/internal/domain"
	"microwins/internal/domain/model"
	"microwins/internal/infra/adapters/llm"
	"microwins/internal/infra/api"
	"microwins/internal/infra/db/sqlite"
	"microwins/internal/infra/notify"
	"microwins/internal/usecase"
)

type localLeaser struct{}

func (localLeaser) Acquire(context.Context, string, time.Duration) (string, error) {
	return model.NewID(), nil
}
func (localLeaser) Release(context.Context, string, string) error { return nil }

type unlimitedSlots struct{}

func (unlimitedSlots) TryAcquire(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}
func (unlimitedSlots) Release(context.Context, string) error { return nil }

type fakeLimiter struct {
	mu    sync.Mutex
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func (f *fakeLimiter) set(allow bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allow, f.err = allow, err
}

func (f *fakeLimiter) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type env struct {
	srv    *httptest.Server
	queue  *sqlite.JobQueue
	decomp usecase.DecompositionUseCase
}

func newEnv(t *testing.T, limiter api.RateLimiter, opts api.Options) *env {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := zerolog.Nop()
	goals := sqlite.NewGoalRepo(db)
	queue := sqlite.NewJobQueue(db, time.Minute)

	gen := llm.NewGenerator(llm.NewFakeAdapter(llm.FakeOK, 0), llm.GeneratorConfig{MaxRetries: 0}, &log)
	decomp := usecase.NewDecompositionUseCase(goals, queue, localLeaser{}, unlimitedSlots{}, gen, notify.Noop{},
		usecase.DecompositionConfig{MaxAttempts: 3, LeaseTTL: time.Minute}, &log)
	goalUC := usecase.NewGoalUseCase(goals, queue, nil, usecase.GoalConfig{TargetSteps: 100, MaxActivePerUser: 3}, &log)

	s, err := api.NewServer(goalUC, limiter, opts, &log)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &env{srv: srv, queue: queue, decomp: decomp}
}

func (e *env) do(t *testing.T, method, path, user, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if buf.Len() > 0 {
		_ = json.Unmarshal(buf.Bytes(), &out)
	}
	return resp, out
}

// drain runs every ready job through the decomposition use case.
func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := e.queue.Dequeue(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if _, err := e.decomp.ProcessGoal(ctx, job.GoalID); err != nil {
			t.Fatalf("process: %v", err)
		}
		if err := e.queue.Ack(ctx, job.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
}

const goalBody = `{"title":"Learn Spanish","category":"learning","targetDays":90}`

func TestAPI_GoalLifecycle(t *testing.T) {
	e := newEnv(t, nil, api.Options{})

	resp, body := e.do(t, http.MethodPost, "/goals", "u1", goalBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, body)
	}
	id, _ := body["goalId"].(string)
	if id == "" || body["status"] != "queued" {
		t.Fatalf("create body: %v", body)
	}

	resp, body = e.do(t, http.MethodGet, "/goals/"+id+"/status", "u1", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "queued" {
		t.Fatalf("status before processing: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("cache-control: %q", resp.Header.Get("Cache-Control"))
	}

	e.drain(t)

	_, body = e.do(t, http.MethodGet, "/goals/"+id+"/status", "u1", "")
	if body["status"] != "completed" || body["stepCount"] != float64(100) {
		t.Fatalf("status after processing: %v", body)
	}
	if _, ok := body["error"]; ok {
		t.Fatalf("completed goal carries an error: %v", body)
	}

	resp, body = e.do(t, http.MethodGet, "/goals/"+id, "u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", resp.StatusCode)
	}
	steps, _ := body["steps"].([]any)
	if len(steps) != 100 {
		t.Fatalf("want 100 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.(map[string]any)["order"] != float64(i+1) {
			t.Fatalf("step %d out of order: %v", i, s)
		}
	}
}

func TestAPI_CreateRejectsInvalidBody(t *testing.T) {
	e := newEnv(t, nil, api.Options{})
	cases := []struct {
		name string
		body string
	}{
		{"missing title", `{"category":"health"}`},
		{"short title", `{"title":"ab","category":"health"}`},
		{"unknown category", `{"title":"Run a 10k","category":"sports"}`},
		{"days out of range", `{"title":"Run a 10k","category":"health","targetDays":400}`},
		{"bad difficulty", `{"title":"Run a 10k","category":"health","difficultyPreference":"extreme"}`},
		{"not json", `title=x`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/goals", "u1", tc.body)
			if resp.StatusCode != http.StatusBadRequest || body["code"] != "VALIDATION_ERROR" {
				t.Fatalf("got %d %v", resp.StatusCode, body)
			}
		})
	}
}

func TestAPI_RequiresIdentity(t *testing.T) {
	e := newEnv(t, nil, api.Options{})
	resp, body := e.do(t, http.MethodGet, "/goals", "", "")
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestAPI_BearerTokens(t *testing.T) {
	e := newEnv(t, nil, api.Options{JWTSecret: "s3cret"})

	call := func(token string) int {
		req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/goals", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-User-ID", "ignored")
		resp, err := e.srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	good, err := api.MintToken("s3cret", "u1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if code := call(good); code != http.StatusOK {
		t.Fatalf("valid token: %d", code)
	}
	forged, _ := api.MintToken("other", "u1", time.Hour)
	if code := call(forged); code != http.StatusUnauthorized {
		t.Fatalf("forged token: %d", code)
	}
	expired, _ := api.MintToken("s3cret", "u1", -time.Minute)
	if code := call(expired); code != http.StatusUnauthorized {
		t.Fatalf("expired token: %d", code)
	}
	// header identity is ignored once tokens are configured
	if resp, _ := e.do(t, http.MethodGet, "/goals", "u1", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("header identity accepted: %d", resp.StatusCode)
	}
}

func TestAPI_ActiveGoalLimit(t *testing.T) {
	e := newEnv(t, nil, api.Options{})
	for i := 0; i < 3; i++ {
		if resp, _ := e.do(t, http.MethodPost, "/goals", "u1", goalBody); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: %d", i, resp.StatusCode)
		}
	}
	resp, body := e.do(t, http.MethodPost, "/goals", "u1", goalBody)
	if resp.StatusCode != http.StatusForbidden || body["code"] != "GOAL_LIMIT_EXCEEDED" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestAPI_RateLimit(t *testing.T) {
	lim := &fakeLimiter{allow: false}
	e := newEnv(t, lim, api.Options{CreateRateLimit: 5})
	resp, body := e.do(t, http.MethodPost, "/goals", "u1", goalBody)
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != "RATE_LIMITED" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if keys := lim.seen(); len(keys) != 1 || !strings.Contains(keys[0], "u1") {
		t.Fatalf("limiter keys: %v", keys)
	}

	// an unavailable limiter lets requests through
	lim.set(false, errors.New("redis down"))
	if resp, _ := e.do(t, http.MethodPost, "/goals", "u1", goalBody); resp.StatusCode != http.StatusCreated {
		t.Fatalf("fail-open: %d", resp.StatusCode)
	}
}

func TestAPI_ForeignGoalsAreNotFound(t *testing.T) {
	e := newEnv(t, nil, api.Options{})
	_, body := e.do(t, http.MethodPost, "/goals", "owner", goalBody)
	id := body["goalId"].(string)

	for _, p := range []struct{ method, path string }{
		{http.MethodGet, "/goals/" + id},
		{http.MethodGet, "/goals/" + id + "/status"},
		{http.MethodPost, "/goals/" + id + "/regenerate"},
		{http.MethodDelete, "/goals/" + id},
	} {
		resp, body := e.do(t, p.method, p.path, "intruder", "")
		if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
			t.Fatalf("%s %s: %d %v", p.method, p.path, resp.StatusCode, body)
		}
	}
	if resp, _ := e.do(t, http.MethodGet, "/goals/missing/status", "owner", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown goal: %d", resp.StatusCode)
	}
}

func TestAPI_RegenerateAndDelete(t *testing.T) {
	e := newEnv(t, nil, api.Options{})
	_, body := e.do(t, http.MethodPost, "/goals", "u1", goalBody)
	id := body["goalId"].(string)

	resp, body := e.do(t, http.MethodPost, "/goals/"+id+"/regenerate", "u1", "")
	if resp.StatusCode != http.StatusConflict || body["code"] != "INVALID_STATE" {
		t.Fatalf("regenerate while queued: %d %v", resp.StatusCode, body)
	}

	e.drain(t)
	resp, body = e.do(t, http.MethodPost, "/goals/"+id+"/regenerate", "u1", "")
	if resp.StatusCode != http.StatusAccepted || body["status"] != "queued" {
		t.Fatalf("regenerate: %d %v", resp.StatusCode, body)
	}
	e.drain(t)
	_, body = e.do(t, http.MethodGet, "/goals/"+id+"/status", "u1", "")
	if body["status"] != "completed" || body["stepCount"] != float64(100) {
		t.Fatalf("after regenerate: %v", body)
	}

	if resp, _ := e.do(t, http.MethodDelete, "/goals/"+id, "u1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodGet, "/goals/"+id, "u1", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d", resp.StatusCode)
	}
}

func TestAPI_ListPaging(t *testing.T) {
	e := newEnv(t, nil, api.Options{})
	for i := 0; i < 3; i++ {
		e.do(t, http.MethodPost, "/goals", "u1", goalBody)
	}
	resp, body := e.do(t, http.MethodGet, "/goals?limit=2", "u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	if data, _ := body["data"].([]any); len(data) != 2 || body["limit"] != float64(2) {
		t.Fatalf("page: %v", body)
	}
	_, body = e.do(t, http.MethodGet, "/goals?limit=1000&offset=2", "u1", "")
	if data, _ := body["data"].([]any); len(data) != 1 || body["limit"] != float64(usecase.MaxPageSize) {
		t.Fatalf("clamped page: %v", body)
	}
	if resp, _ := e.do(t, http.MethodGet, "/goals?limit=abc", "u1", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", resp.StatusCode)
	}
	_, body = e.do(t, http.MethodGet, "/goals", "u2", "")
	if data, ok := body["data"].([]any); !ok || len(data) != 0 {
		t.Fatalf("other user list: %v", body)
	}
}

func TestAPI_Health(t *testing.T) {
	e := newEnv(t, nil, api.Options{})
	if resp, _ := e.do(t, http.MethodGet, "/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	e = newEnv(t, nil, api.Options{Health: func(context.Context) error { return errors.New("db down") }})
	if resp, _ := e.do(t, http.MethodGet, "/health", "", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: %d", resp.StatusCode)
	}
}

func TestAPI_RequestIDEchoed(t *testing.T) {
	e := newEnv(t, nil, api.Options{})
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id: %q", got)
	}
}
