package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"microwins/internal/domain/ports/adapter"
	"microwins/internal/infra/metrics"
)

var _ adapter.StepGenerator = (*Generator)(nil)

type GeneratorConfig struct {
	Model       string
	Timeout     time.Duration // per attempt
	MaxRetries  int           // retries after the first attempt
	Temperature float64
	MaxTokens   int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Generator is the StepGenerator used by the orchestrator. It renders the
// prompt and owns the per-call timeout and the transient retry loop.
type Generator struct {
	provider adapter.LLMProvider
	cfg      GeneratorConfig
	tokens   *TokenEstimator
	log      *zerolog.Logger
}

func NewGenerator(p adapter.LLMProvider, cfg GeneratorConfig, logger *zerolog.Logger) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	l := logger.With().Str("component", "llm.generator").Str("provider", p.Name()).Logger()
	return &Generator{provider: p, cfg: cfg, tokens: NewTokenEstimator(), log: &l}
}

func (g *Generator) GenerateSteps(ctx context.Context, req adapter.GenerateRequest) (string, error) {
	creq := adapter.CompletionRequest{
		Model:       g.cfg.Model,
		System:      systemPrompt,
		Prompt:      BuildPrompt(req),
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}
	provider := g.provider.Name()

	attempts := 0
	var lastErr error
	op := func() (string, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		start := time.Now()
		c, err := g.provider.Complete(callCtx, creq)
		metrics.ObserveLLMCall(provider, g.cfg.Model, time.Since(start), err == nil)
		if err != nil {
			err = classify(provider, err)
			lastErr = err
			if adapter.IsPermanentLLMError(err) || ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			metrics.IncLLMRetry(provider)
			return "", err
		}
		g.recordUsage(provider, creq, c)
		return c.Text, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.BaseDelay
	eb.MaxInterval = g.cfg.MaxDelay
	eb.Multiplier = 2

	text, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(g.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Warn().Err(err).Str("goal_id", req.GoalID).Dur("next", next).Msg("llm call failed, retrying")
		}),
	)
	if err == nil {
		return text, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if adapter.IsPermanentLLMError(lastErr) {
		return "", lastErr
	}
	var le *adapter.LLMError
	code := 0
	if errors.As(lastErr, &le) {
		code = le.StatusCode
	}
	return "", &adapter.LLMError{
		Provider:   provider,
		Kind:       adapter.LLMExhausted,
		StatusCode: code,
		Attempts:   attempts,
		Err:        lastErr,
	}
}

func (g *Generator) recordUsage(provider string, req adapter.CompletionRequest, c adapter.Completion) {
	model := modelOrDefault(c.Model, req.Model)
	if c.Usage.PromptTokens > 0 || c.Usage.CompletionTokens > 0 {
		metrics.AddLLMTokens(provider, model, "reported", int64(c.Usage.PromptTokens), int64(c.Usage.CompletionTokens))
		return
	}
	in := g.tokens.Count(req.System) + g.tokens.Count(req.Prompt)
	out := g.tokens.Count(c.Text)
	metrics.AddLLMTokens(provider, model, "estimated", int64(in), int64(out))
}
