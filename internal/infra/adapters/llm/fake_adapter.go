package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"microwins/internal/domain/ports/adapter"
)

var _ adapter.LLMProvider = (*FakeAdapter)(nil)

type FakeMode string

const (
	FakeOK        FakeMode = ""
	FakeTimeout   FakeMode = "timeout"   // block until the call context ends
	FakeTransient FakeMode = "transient" // 503 on every call
	FakePermanent FakeMode = "permanent" // 401 on every call
	FakeShort     FakeMode = "short"     // one step fewer than requested
)

// FakeAdapter produces deterministic steps without network access. It is used
// by the local profile and by end-to-end tests.
type FakeAdapter struct {
	Mode  FakeMode
	Delay time.Duration

	calls atomic.Int64
}

func NewFakeAdapter(mode FakeMode, delay time.Duration) *FakeAdapter {
	return &FakeAdapter{Mode: mode, Delay: delay}
}

func (f *FakeAdapter) Name() string { return ProviderFake }

// Calls returns how many completions were requested.
func (f *FakeAdapter) Calls() int64 { return f.calls.Load() }

var (
	fakeCountRe = regexp.MustCompile(`exactly (\d+) sequential`)
	fakeGoalRe  = regexp.MustCompile(`(?m)^Goal: (.*)$`)
)

func (f *FakeAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.Completion, error) {
	f.calls.Add(1)
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return adapter.Completion{}, classify(ProviderFake, ctx.Err())
		}
	}

	switch f.Mode {
	case FakeTimeout:
		<-ctx.Done()
		return adapter.Completion{}, classify(ProviderFake, ctx.Err())
	case FakeTransient:
		return adapter.Completion{}, classify(ProviderFake, &StatusError{Code: 503, Msg: "service unavailable"})
	case FakePermanent:
		return adapter.Completion{}, classify(ProviderFake, &StatusError{Code: 401, Msg: "invalid api key"})
	}

	n := 100
	if m := fakeCountRe.FindStringSubmatch(req.Prompt); m != nil {
		n, _ = strconv.Atoi(m[1])
	}
	if f.Mode == FakeShort {
		n--
	}
	goal := "your goal"
	if m := fakeGoalRe.FindStringSubmatch(req.Prompt); m != nil {
		goal = strings.TrimSpace(m[1])
	}

	type step struct {
		ID          int    `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	steps := make([]step, n)
	for i := range steps {
		steps[i] = step{
			ID:          i + 1,
			Title:       fmt.Sprintf("Step %d toward %s", i+1, goal),
			Description: fmt.Sprintf("Spend a few minutes on part %d of %d.", i+1, n),
		}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return adapter.Completion{}, err
	}
	text := string(b)
	in, out := len(req.Prompt)/4, len(text)/4
	return adapter.Completion{
		Text:  text,
		Model: modelOrDefault(req.Model, "fake"),
		Usage: adapter.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
