package llm

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"microwins/internal/domain/ports/adapter"
)

var _ adapter.LLMProvider = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, defaultModel string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel}, nil
}

func (g *GeminiAdapter) Name() string { return ProviderGemini }

func (g *GeminiAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.Completion, error) {
	model := modelOrDefault(req.Model, g.defaultModel)
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	// Gemini has no system role in history; it takes a separate instruction.
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return adapter.Completion{}, classify(ProviderGemini, err)
	}
	if reason := geminiBlockReason(resp); reason != "" {
		return adapter.Completion{}, refused(ProviderGemini, reason)
	}
	text := resp.Text()
	if text == "" {
		return adapter.Completion{}, &adapter.LLMError{Provider: ProviderGemini, Kind: adapter.LLMTransient, Err: errors.New("empty response")}
	}
	out := adapter.Completion{Text: text, Model: model}
	if resp.UsageMetadata != nil {
		out.Usage = adapter.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// geminiBlockReason returns why the prompt or its first candidate was blocked,
// or "" when the response was not filtered.
func geminiBlockReason(resp *genai.GenerateContentResponse) string {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" &&
		resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		return "prompt blocked: " + string(resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	switch fr := resp.Candidates[0].FinishReason; fr {
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return "candidate blocked: " + string(fr)
	}
	return ""
}
