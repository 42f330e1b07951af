package llm

import (
	"context"
	"fmt"
	"strings"

	"microwins/internal/domain/ports/adapter"
)

var _ adapter.LLMProvider = (*Router)(nil)

// Router dispatches completions to a provider chosen by model name.
type Router struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.LLMProvider
	modelToProvider map[string]string // model -> provider
}

// NewRouter does not inject any default model; it only knows a default provider.
// Each provider adapter is responsible for its own default model.
func NewRouter(
	defaultProvider string,
	byProvider map[string]adapter.LLMProvider,
	modelToProvider map[string]string,
) *Router {
	return &Router{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

func (r *Router) resolveProvider(model string) string {
	if p := r.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return ProviderGemini
	case strings.HasPrefix(l, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"):
		return ProviderOpenAI
	default:
		return r.defaultProvider
	}
}

func (r *Router) pick(model string) adapter.LLMProvider {
	if p := r.byProvider[r.resolveProvider(model)]; p != nil {
		return p
	}
	return r.byProvider[r.defaultProvider]
}

func (r *Router) Name() string { return r.defaultProvider }

func (r *Router) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.Completion, error) {
	p := r.pick(req.Model)
	if p == nil {
		return adapter.Completion{}, &adapter.LLMError{
			Provider: r.resolveProvider(req.Model),
			Kind:     adapter.LLMPermanent,
			Err:      fmt.Errorf("no provider configured for model %q", req.Model),
		}
	}
	return p.Complete(ctx, req)
}

// ProviderFor reports which provider name serves model.
func (r *Router) ProviderFor(model string) string {
	if p := r.pick(model); p != nil {
		return p.Name()
	}
	return ""
}
