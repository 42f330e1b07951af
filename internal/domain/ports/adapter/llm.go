package adapter

import (
	"context"
	"errors"
	"fmt"
)

// Usage for a single completion call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is a single prompt-in, text-out call.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// LLMProvider is the port for one language-model vendor.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// GenerateRequest describes a decomposition request. CacheKey is optional and
// lets a caching layer sit in front of the generator without changing callers.
type GenerateRequest struct {
	GoalID      string
	Title       string
	Category    string
	Difficulty  string
	TargetDays  int
	TargetCount int
	CacheKey    string
}

// StepGenerator turns a goal description into raw model output.
type StepGenerator interface {
	GenerateSteps(ctx context.Context, req GenerateRequest) (string, error)
}

type LLMErrorKind string

const (
	// LLMTransient errors are worth retrying (timeouts, 429, 5xx).
	LLMTransient LLMErrorKind = "transient"
	// LLMPermanent errors will fail again (bad key, content policy, bad request).
	LLMPermanent LLMErrorKind = "permanent"
	// LLMExhausted means transient errors persisted past the retry budget.
	LLMExhausted LLMErrorKind = "exhausted"
)

type LLMError struct {
	Provider   string
	Kind       LLMErrorKind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *LLMError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("llm %s (%s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", http %d", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(", %d attempts", e.Attempts)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LLMError) Unwrap() error { return e.Err }

// IsPermanentLLMError reports whether err must not be retried at any level.
func IsPermanentLLMError(err error) bool {
	var le *LLMError
	return errors.As(err, &le) && le.Kind == LLMPermanent
}

// IsTransientLLMError reports whether a single call may succeed when repeated.
func IsTransientLLMError(err error) bool {
	var le *LLMError
	return errors.As(err, &le) && le.Kind == LLMTransient
}
