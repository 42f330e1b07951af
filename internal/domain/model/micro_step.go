package model

import "time"

// StepDraft is a validated step that has not been persisted yet.
type StepDraft struct {
	Title       string
	Description string
	Tips        []string
}

// MicroStep is one ordered unit of progress toward a goal. Orders within a
// goal are always a dense 1..N permutation.
type MicroStep struct {
	ID          string
	GoalID      string
	Order       int
	Title       string
	Description string
	Tips        []string

	// execution state, mutually exclusive
	CompletedAt *time.Time
	SkippedAt   *time.Time
	SkipReason  string

	CreatedAt time.Time
}

// BuildSteps assigns ids and a dense 1..N order in slice order.
func BuildSteps(goalID string, drafts []StepDraft, now time.Time) []*MicroStep {
	out := make([]*MicroStep, 0, len(drafts))
	for i, d := range drafts {
		out = append(out, &MicroStep{
			ID:          NewID(),
			GoalID:      goalID,
			Order:       i + 1,
			Title:       d.Title,
			Description: d.Description,
			Tips:        d.Tips,
			CreatedAt:   now,
		})
	}
	return out
}
