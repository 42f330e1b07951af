package llm

import (
	"context"

	"github.com/rs/zerolog"

	"microwins/internal/domain/stepparser"
	"microwins/internal/domain/ports/adapter"
	"microwins/internal/infra/metrics"
)

// StepCache stores raw model output by request key.
type StepCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, raw string) error
}

type cachedGenerator struct {
	inner adapter.StepGenerator
	cache StepCache
	log   *zerolog.Logger
}

// NewCachedGenerator serves identical requests from cache. Only output that
// parses for the requested count is stored, so a bad generation is never
// replayed. Cache failures degrade to a direct call.
func NewCachedGenerator(inner adapter.StepGenerator, cache StepCache, logger *zerolog.Logger) adapter.StepGenerator {
	l := logger.With().Str("component", "llm.cache").Logger()
	return &cachedGenerator{inner: inner, cache: cache, log: &l}
}

func (c *cachedGenerator) GenerateSteps(ctx context.Context, req adapter.GenerateRequest) (string, error) {
	if req.CacheKey == "" {
		return c.inner.GenerateSteps(ctx, req)
	}
	raw, ok, err := c.cache.Get(ctx, req.CacheKey)
	switch {
	case err != nil:
		c.log.Warn().Err(err).Msg("step cache get failed")
	case ok:
		if _, perr := stepparser.Parse(raw, req.TargetCount); perr == nil {
			metrics.IncCacheRequest("steps", "hit")
			return raw, nil
		}
	}
	metrics.IncCacheRequest("steps", "miss")

	raw, err = c.inner.GenerateSteps(ctx, req)
	if err != nil {
		return "", err
	}
	if _, perr := stepparser.Parse(raw, req.TargetCount); perr == nil {
		if err := c.cache.Set(ctx, req.CacheKey, raw); err != nil {
			c.log.Warn().Err(err).Msg("step cache set failed")
		}
	}
	return raw, nil
}
