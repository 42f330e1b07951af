package repository

import (
	"context"
	"time"
)

// Leaser grants time-bounded exclusive claims keyed by goal id. It is a
// cross-process lock; the store's lease token column is the fencing check.
type Leaser interface {
	// Acquire returns domain.ErrLeaseHeld when another holder owns the key.
	Acquire(ctx context.Context, goalID string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, goalID, token string) error
}

// UserSlots bounds concurrent decompositions per user.
type UserSlots interface {
	// TryAcquire returns false when the user is at the limit.
	TryAcquire(ctx context.Context, userID string, limit int, ttl time.Duration) (bool, error)
	Release(ctx context.Context, userID string) error
}
