package model

import "time"

// DecompositionJob is a queue delivery asking a worker to decompose a goal.
// The goal id, not the job id, is the idempotency key: several jobs may exist
// for one goal and all but one end as no-ops.
type DecompositionJob struct {
	ID          string
	GoalID      string
	Attempt     int
	LastError   string
	EnqueuedAt  time.Time
	AvailableAt time.Time
}

func NewDecompositionJob(goalID string) *DecompositionJob {
	now := time.Now().UTC()
	return &DecompositionJob{
		ID:          NewID(),
		GoalID:      goalID,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
}
