package redis

import (
	"context"
	"fmt"
	"time"

	"microwins/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
)

var _ repository.UserSlots = (*UserSlots)(nil)

// UserSlots is a per-user counting semaphore. Every acquire refreshes the key
// TTL so slots held by a crashed worker lapse on their own.
type UserSlots struct {
	client RedisClient
}

func NewUserSlots(c RedisClient) *UserSlots {
	return &UserSlots{client: c}
}

func slotKey(userID string) string { return "user_llm_slots:" + userID }

var luaAcquireSlot = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n > tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[1])
	return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1`)

var luaReleaseSlot = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
end
return n`)

func (s *UserSlots) TryAcquire(ctx context.Context, userID string, limit int, ttl time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	v, err := s.client.RunScript(ctx, luaAcquireSlot, []string{slotKey(userID)}, limit, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("acquire user slot: %w", err)
	}
	n, _ := v.(int64)
	return n == 1, nil
}

func (s *UserSlots) Release(ctx context.Context, userID string) error {
	_, err := s.client.RunScript(ctx, luaReleaseSlot, []string{slotKey(userID)})
	return err
}
