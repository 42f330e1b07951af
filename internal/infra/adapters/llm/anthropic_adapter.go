package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"microwins/internal/domain/ports/adapter"
)

var _ adapter.LLMProvider = (*AnthropicAdapter)(nil)

type AnthropicAdapter struct {
	client anthropic.Client
	model  string
}

func NewAnthropicAdapter(apiKey, model string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key empty")
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &AnthropicAdapter{client: c, model: model}, nil
}

func (a *AnthropicAdapter) Name() string { return ProviderAnthropic }

func (a *AnthropicAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.Completion, error) {
	model := modelOrDefault(req.Model, a.model)
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return adapter.Completion{}, classify(ProviderAnthropic, err)
	}
	if resp.StopReason == anthropic.StopReasonRefusal {
		return adapter.Completion{}, refused(ProviderAnthropic, string(resp.StopReason))
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return adapter.Completion{}, &adapter.LLMError{Provider: ProviderAnthropic, Kind: adapter.LLMTransient, Err: errors.New("no text content")}
	}
	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	return adapter.Completion{
		Text:  sb.String(),
		Model: string(resp.Model),
		Usage: adapter.Usage{PromptTokens: int(in), CompletionTokens: int(out), TotalTokens: int(in + out)},
	}, nil
}
