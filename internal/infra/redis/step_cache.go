package redis

import (
	"context"
	"errors"
	"time"
)

// StepCache keeps raw decomposition output keyed by request hash.
type StepCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewStepCache(client RedisClient, ttl time.Duration) *StepCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StepCache{client: client, ttl: ttl}
}

func stepCacheKey(key string) string { return "steps_cache:" + key }

func (c *StepCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, stepCacheKey(key))
	if errors.Is(err, ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *StepCache) Set(ctx context.Context, key, raw string) error {
	return c.client.Set(ctx, stepCacheKey(key), raw, c.ttl)
}

// Invalidate drops a cached decomposition so the next request reaches the model.
func (c *StepCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, stepCacheKey(key))
}
