// Package api is the public HTTP surface: goal creation, status polling,
// goal detail and regeneration.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"microwins/internal/usecase"
)

// RateLimiter is the fixed-window limiter guarding goal creation.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Options struct {
	RequestTimeout time.Duration
	// CreateRateLimit is goal creations per user per minute; 0 disables.
	CreateRateLimit int
	JWTSecret       string
	// Health reports readiness of backing stores; nil means always healthy.
	Health func(ctx context.Context) error
}

type Server struct {
	goals     usecase.GoalUseCase
	limiter   RateLimiter
	auth      *Authenticator
	validator *bodyValidator
	opts      Options
	log       *zerolog.Logger
}

// NewServer builds the API; limiter may be nil.
func NewServer(goals usecase.GoalUseCase, limiter RateLimiter, opts Options, logger *zerolog.Logger) (*Server, error) {
	v, err := newBodyValidator()
	if err != nil {
		return nil, err
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	l := logger.With().Str("component", "api").Logger()
	return &Server{
		goals:     goals,
		limiter:   limiter,
		auth:      NewAuthenticator(opts.JWTSecret),
		validator: v,
		opts:      opts,
		log:       &l,
	}, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), Tracing(), RequestLog(s.log), Recover(s.log), Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/goals", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/", s.handleListGoals)
		r.Post("/", s.handleCreateGoal)
		r.Get("/{id}", s.handleGetGoal)
		r.Delete("/{id}", s.handleDeleteGoal)
		r.Get("/{id}/status", s.handleGoalStatus)
		r.Post("/{id}/regenerate", s.handleRegenerate)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			s.log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
