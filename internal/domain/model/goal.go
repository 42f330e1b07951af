package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"microwins/internal/domain"
)

type GoalStatus string

const (
	GoalStatusQueued     GoalStatus = "queued"
	GoalStatusProcessing GoalStatus = "processing"
	GoalStatusCompleted  GoalStatus = "completed"
	GoalStatusFailed     GoalStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves this status.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalStatusCompleted || s == GoalStatusFailed
}

// CanRegenerate reports whether a user-triggered regenerate is allowed.
func (s GoalStatus) CanRegenerate() bool { return s.IsTerminal() }

func (s GoalStatus) Valid() bool {
	switch s {
	case GoalStatusQueued, GoalStatusProcessing, GoalStatusCompleted, GoalStatusFailed:
		return true
	}
	return false
}

type Category string

const (
	CategorySocial     Category = "social"
	CategoryHealth     Category = "health"
	CategoryCareer     Category = "career"
	CategoryLearning   Category = "learning"
	CategoryCreativity Category = "creativity"
	CategoryFinance    Category = "finance"
	CategoryPersonal   Category = "personal"
)

var categories = []Category{
	CategorySocial, CategoryHealth, CategoryCareer, CategoryLearning,
	CategoryCreativity, CategoryFinance, CategoryPersonal,
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range categories {
		if c == known {
			return c, nil
		}
	}
	return "", domain.ErrInvalidArgument
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty defaults an empty value to medium.
func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DifficultyMedium, nil
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, nil
	}
	return "", domain.ErrInvalidArgument
}

const (
	MinTitleLen       = 3
	MaxTitleLen       = 200
	DefaultTargetDays = 100
	MaxTargetDays     = 365
)

// Goal is a user's objective and the single point of mutual exclusion for its
// decomposition. Status transitions are owned by the decomposition use case.
type Goal struct {
	ID          string
	UserID      string
	Title       string
	Category    Category
	Difficulty  Difficulty
	TargetDays  int
	TargetCount int

	Status         GoalStatus
	Attempts       int
	LastError      string
	LeaseToken     string
	LeaseExpiresAt *time.Time
	StepCount      int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewGoal validates user input and returns a goal in queued status.
func NewGoal(userID, title string, category Category, difficulty Difficulty, targetDays, targetCount int) (*Goal, error) {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrInvalidArgument
	}
	if n := utf8.RuneCountInString(title); n < MinTitleLen || n > MaxTitleLen {
		return nil, domain.ErrInvalidArgument
	}
	if targetDays == 0 {
		targetDays = DefaultTargetDays
	}
	if targetDays < 1 || targetDays > MaxTargetDays {
		return nil, domain.ErrInvalidArgument
	}
	if targetCount <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now().UTC()
	return &Goal{
		ID:          NewID(),
		UserID:      userID,
		Title:       title,
		Category:    category,
		Difficulty:  difficulty,
		TargetDays:  targetDays,
		TargetCount: targetCount,
		Status:      GoalStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// LeaseExpired reports whether a processing goal's lease has lapsed at now.
func (g *Goal) LeaseExpired(now time.Time) bool {
	return g.LeaseExpiresAt == nil || !g.LeaseExpiresAt.After(now)
}

// Claimable reports whether a worker may try to move the goal to processing.
func (g *Goal) Claimable(now time.Time) bool {
	switch g.Status {
	case GoalStatusQueued:
		return true
	case GoalStatusProcessing:
		return g.LeaseExpired(now)
	}
	return false
}

// StatusView is the read model served to polling clients.
type StatusView struct {
	GoalID    string
	UserID    string
	Status    GoalStatus
	StepCount int
	Attempts  int
	Error     string
	UpdatedAt time.Time
}

func (g *Goal) StatusView() *StatusView {
	v := &StatusView{
		GoalID:    g.ID,
		UserID:    g.UserID,
		Status:    g.Status,
		StepCount: g.StepCount,
		Attempts:  g.Attempts,
		UpdatedAt: g.UpdatedAt,
	}
	if g.Status == GoalStatusFailed {
		v.Error = g.LastError
	}
	return v
}
