package adapter

import (
	"context"

	"microwins/internal/domain/model"
)

type ProgressEvent struct {
	GoalID string           `json:"goalId"`
	UserID string           `json:"userId"`
	Status model.GoalStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// ProgressNotifier is told about decomposition status changes. Delivery is
// best effort; implementations must not block the pipeline on failures.
type ProgressNotifier interface {
	Notify(ctx context.Context, ev ProgressEvent)
}
