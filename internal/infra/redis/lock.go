package redis

import (
	"context"
	"fmt"
	"time"

	"microwins/internal/domain"
	"microwins/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var _ repository.Leaser = (*GoalLeaser)(nil)

// GoalLeaser is the cross-process goal lease. The token it hands out is also
// written to the goal row, where it fences late writes from an expired holder.
type GoalLeaser struct {
	client RedisClient
}

func NewGoalLeaser(c RedisClient) *GoalLeaser {
	return &GoalLeaser{client: c}
}

func leaseKey(goalID string) string { return "goal_lease:" + goalID }

func (l *GoalLeaser) Acquire(ctx context.Context, goalID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKey(goalID), token, ttl)
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return "", domain.ErrLeaseHeld
	}
	return token, nil
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Release deletes the lease only while token still owns it.
func (l *GoalLeaser) Release(ctx context.Context, goalID, token string) error {
	_, err := l.client.RunScript(ctx, luaUnlock, []string{leaseKey(goalID)}, token)
	return err
}
