package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		llmTokensIn,
		llmTokensOut,
		llmCallsLatency,
		llmRetries,
	)
}

var (
	llmTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_in_total",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model", "source"}, // source: reported|estimated
	)

	llmTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_out_total",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model", "source"},
	)

	llmCallsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_duration_seconds",
			Help:    "Provider call latency in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
		[]string{"provider", "model", "success"},
	)

	llmRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_retries_total",
			Help: "Transient provider failures that were retried.",
		},
		[]string{"provider"},
	)
)

func ObserveLLMCall(provider, model string, elapsed time.Duration, success bool) {
	llmCallsLatency.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(elapsed.Seconds())
}

func AddLLMTokens(provider, model, source string, in, out int64) {
	lbl := []string{norm(provider), norm(model), norm(source)}
	llmTokensIn.WithLabelValues(lbl...).Add(float64(in))
	llmTokensOut.WithLabelValues(lbl...).Add(float64(out))
}

func IncLLMRetry(provider string) {
	llmRetries.WithLabelValues(norm(provider)).Inc()
}
