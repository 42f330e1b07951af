package llm

import (
	"context"

	"microwins/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.LLMProvider = (*limitedLLM)(nil)

type limitedLLM struct {
	inner adapter.LLMProvider
	sem   chan struct{}
}

// NewLimited bounds concurrent provider calls process-wide.
func NewLimited(inner adapter.LLMProvider, maxConcurrent int) adapter.LLMProvider {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedLLM{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedLLM) Name() string { return l.inner.Name() }

func (l *limitedLLM) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.Completion, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return adapter.Completion{}, classify(l.inner.Name(), ctx.Err())
	}
	defer func() { <-l.sem }()
	return l.inner.Complete(ctx, req)
}
