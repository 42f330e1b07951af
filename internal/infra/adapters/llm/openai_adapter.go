package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"microwins/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.LLMProvider = (*OpenAIAdapter)(nil)

// OpenAIAdapter implements adapter.LLMProvider with the Chat Completions API.
// A non-empty base URL points it at any OpenAI-compatible gateway.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, baseURL, model string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are owned by Generator
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return &OpenAIAdapter{client: openai.NewClient(opts...), model: model}, nil
}

func (o *OpenAIAdapter) Name() string { return ProviderOpenAI }

func (o *OpenAIAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.Completion, error) {
	model := modelOrDefault(req.Model, o.model)

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return adapter.Completion{}, classify(ProviderOpenAI, err)
	}
	for _, c := range resp.Choices {
		if c.Message.Refusal != "" {
			return adapter.Completion{}, refused(ProviderOpenAI, c.Message.Refusal)
		}
		if c.FinishReason == "content_filter" {
			return adapter.Completion{}, refused(ProviderOpenAI, c.FinishReason)
		}
		if c.Message.Content != "" {
			return adapter.Completion{
				Text:  c.Message.Content,
				Model: resp.Model,
				Usage: adapter.Usage{
					PromptTokens:     int(resp.Usage.PromptTokens),
					CompletionTokens: int(resp.Usage.CompletionTokens),
					TotalTokens:      int(resp.Usage.TotalTokens),
				},
			}, nil
		}
	}
	return adapter.Completion{}, &adapter.LLMError{Provider: ProviderOpenAI, Kind: adapter.LLMTransient, Err: errors.New("no choice content")}
}
