package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"microwins/internal/domain/model"
	"microwins/internal/domain/ports/adapter"
)

func TestNew_EmptyURLIsNoop(t *testing.T) {
	logger := zerolog.Nop()
	if _, ok := New("", 0, &logger).(Noop); !ok {
		t.Fatal("want Noop")
	}
}

func TestWebhook_PostsEvent(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	logger := zerolog.Nop()
	n := New(srv.URL, time.Second, &logger)
	n.Notify(context.Background(), adapter.ProgressEvent{GoalID: "g1", UserID: "u1", Status: model.GoalStatusFailed, Error: "bad key"})

	body := <-got
	if body["goalId"] != "g1" || body["userId"] != "u1" || body["status"] != "failed" || body["error"] != "bad key" {
		t.Fatalf("payload: %v", body)
	}
	if _, ok := body["timestamp"]; !ok {
		t.Fatal("missing timestamp")
	}
}

func TestWebhook_FailureDoesNotPanicOrBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := zerolog.Nop()
	n := New(srv.URL, 50*time.Millisecond, &logger)
	start := time.Now()
	n.Notify(context.Background(), adapter.ProgressEvent{GoalID: "g1", Status: model.GoalStatusCompleted})
	if time.Since(start) > 150*time.Millisecond {
		t.Fatal("notify was not bounded by the timeout")
	}
}
