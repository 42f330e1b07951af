// Package logging builds the process logger and carries request and job
// scoped ids through context.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"microwins/internal/config"
)

// New builds the process logger on stdout. Levels are trace|debug|info|warn|error;
// format is json or console. Dev mode forces console output and disables
// sampling.
func New(cfg config.LogConfig, dev bool) *zerolog.Logger {
	return NewWithWriter(os.Stdout, cfg, dev)
}

func NewWithWriter(w io.Writer, cfg config.LogConfig, dev bool) *zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if strings.EqualFold(cfg.Format, "console") || dev {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	base := zerolog.New(w).Level(level).With().Timestamp().Str("service", "microwins").Logger()

	if cfg.Sampling && !dev {
		// debug and below are sampled, warnings and errors always pass
		sampled := base.Sample(zerolog.LevelSampler{
			TraceSampler: &zerolog.BasicSampler{N: 100},
			DebugSampler: &zerolog.BasicSampler{N: 100},
			InfoSampler:  &zerolog.BurstSampler{Burst: 100, Period: time.Second, NextSampler: &zerolog.BasicSampler{N: 10}},
		})
		return &sampled
	}
	return &base
}

type ctxKey string

const (
	ctxTraceID ctxKey = "trace_id"
	ctxUserID  ctxKey = "user_id"
	ctxGoalID  ctxKey = "goal_id"
	ctxJobID   ctxKey = "job_id"
)

var ctxKeys = []ctxKey{ctxTraceID, ctxUserID, ctxGoalID, ctxJobID}

// With returns base enriched with the ids carried by ctx and, when a sampled
// span is active, its otel trace and span ids.
func With(ctx context.Context, base *zerolog.Logger) *zerolog.Logger {
	l := base.With()
	for _, k := range ctxKeys {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			l = l.Str(string(k), v)
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() && sc.IsSampled() {
		l = l.Str("otel_trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	logger := l.Logger()
	return &logger
}

// TraceDuration logs entry and exit of name at trace level.
//
//	defer logging.TraceDuration(log, "GoalUC.Create")()
func TraceDuration(logger *zerolog.Logger, name string) func() {
	start := time.Now()
	logger.Trace().Str("method", name).Msg("start")
	return func() {
		logger.Trace().Str("method", name).Dur("duration", time.Since(start)).Msg("finish")
	}
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTraceID, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxUserID, id)
}

func WithGoalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxGoalID, id)
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxJobID, id)
}
