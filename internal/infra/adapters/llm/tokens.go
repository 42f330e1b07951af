package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts prompt tokens when a provider does not report usage.
// The BPE table is loaded on first use; when it cannot be loaded the estimate
// falls back to four bytes per token.
type TokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenEstimator() *TokenEstimator { return &TokenEstimator{} }

func (t *TokenEstimator) Count(text string) int {
	t.once.Do(func() {
		if enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE); err == nil {
			t.enc = enc
		}
	})
	if t.enc == nil {
		return roughTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func roughTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
