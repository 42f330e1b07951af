package api

import (
	"time"

	"microwins/internal/domain/model"
)

type createGoalRequest struct {
	Title                string `json:"title"`
	Category             string `json:"category"`
	TargetDays           int    `json:"targetDays,omitempty"`
	DifficultyPreference string `json:"difficultyPreference,omitempty"`
}

type goalAccepted struct {
	GoalID string `json:"goalId"`
	Status string `json:"status"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type statusDTO struct {
	Status    string    `json:"status"`
	StepCount int       `json:"stepCount"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type stepDTO struct {
	ID          string     `json:"id"`
	Order       int        `json:"order"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Tips        []string   `json:"tips"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	SkippedAt   *time.Time `json:"skippedAt,omitempty"`
	SkipReason  string     `json:"skipReason,omitempty"`
}

type goalDTO struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Category    string     `json:"category"`
	Difficulty  string     `json:"difficulty"`
	TargetDays  int        `json:"targetDays"`
	TargetCount int        `json:"targetCount"`
	Status      string     `json:"status"`
	StepCount   int        `json:"stepCount"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Steps       []stepDTO  `json:"steps,omitempty"`
}

type goalList struct {
	Data   []goalDTO `json:"data"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

func toGoalDTO(g *model.Goal) goalDTO {
	d := goalDTO{
		ID:          g.ID,
		Title:       g.Title,
		Category:    string(g.Category),
		Difficulty:  string(g.Difficulty),
		TargetDays:  g.TargetDays,
		TargetCount: g.TargetCount,
		Status:      string(g.Status),
		StepCount:   g.StepCount,
		Attempts:    g.Attempts,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
		CompletedAt: g.CompletedAt,
	}
	if g.Status == model.GoalStatusFailed {
		d.Error = g.LastError
	}
	return d
}

func toStepDTO(s *model.MicroStep) stepDTO {
	tips := s.Tips
	if tips == nil {
		tips = []string{}
	}
	return stepDTO{
		ID:          s.ID,
		Order:       s.Order,
		Title:       s.Title,
		Description: s.Description,
		Tips:        tips,
		CompletedAt: s.CompletedAt,
		SkippedAt:   s.SkippedAt,
		SkipReason:  s.SkipReason,
	}
}
