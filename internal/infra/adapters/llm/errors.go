package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v2"
	"google.golang.org/genai"

	"microwins/internal/domain/ports/adapter"
)

const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderFake      = "fake"
)

// StatusError is an HTTP failure reported by a provider without an SDK error type.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string { return fmt.Sprintf("http %d: %s", e.Code, e.Msg) }

// refused reports an in-band content-policy rejection. Asking again returns
// the same answer, so it is never retried.
func refused(provider, reason string) error {
	return &adapter.LLMError{Provider: provider, Kind: adapter.LLMPermanent, Err: fmt.Errorf("content policy: %s", reason)}
}

// classify wraps a provider failure in an *adapter.LLMError whose kind drives
// the retry policy. Errors that are already classified pass through.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var le *adapter.LLMError
	if errors.As(err, &le) {
		return err
	}
	code := statusCode(err)
	kind := adapter.LLMTransient
	switch {
	case code != 0:
		kind = kindForStatus(code)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = adapter.LLMTransient
	default:
		var ne net.Error
		if errors.As(err, &ne) {
			kind = adapter.LLMTransient
		}
	}
	return &adapter.LLMError{Provider: provider, Kind: kind, StatusCode: code, Err: err}
}

func kindForStatus(code int) adapter.LLMErrorKind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return adapter.LLMTransient
	}
	return adapter.LLMPermanent
}

func statusCode(err error) int {
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var ge genai.APIError
	if errors.As(err, &ge) {
		return ge.Code
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
