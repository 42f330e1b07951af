package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"microwins/internal/domain"
	"microwins/internal/infra/logging"
	"microwins/internal/infra/metrics"
	"microwins/internal/infra/redis"
	"microwins/internal/usecase"
)

const maxBodyBytes = 16 << 10

const (
	codeValidation   = "VALIDATION_ERROR"
	codeUnauthorized = "UNAUTHORIZED"
	codeNotFound     = "NOT_FOUND"
	codeGoalLimit    = "GOAL_LIMIT_EXCEEDED"
	codeConflict     = "INVALID_STATE"
	codeRateLimited  = "RATE_LIMITED"
	codeInternal     = "INTERNAL"
)

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body too large or unreadable", Code: codeValidation})
		return
	}
	if err := s.validator.validate("CreateGoalRequest", body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: codeValidation})
		return
	}
	var req createGoalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body", Code: codeValidation})
		return
	}

	if s.limiter != nil && s.opts.CreateRateLimit > 0 {
		ok, err := s.limiter.Allow(ctx, redis.CreateGoalKey(userID), s.opts.CreateRateLimit, time.Minute)
		if err != nil {
			// fail open: the limiter protects the LLM budget, not correctness
			logging.With(ctx, s.log).Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			metrics.IncRateLimitTriggered()
			s.writeError(w, r, domain.ErrRateLimited)
			return
		}
	}

	g, err := s.goals.Create(ctx, userID, usecase.CreateGoalInput{
		Title:      req.Title,
		Category:   req.Category,
		Difficulty: req.DifficultyPreference,
		TargetDays: req.TargetDays,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/goals/"+g.ID)
	writeJSON(w, http.StatusCreated, goalAccepted{GoalID: g.ID, Status: string(g.Status)})
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	var offset, limit int
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "offset", q, &offset); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid offset", Code: codeValidation})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &limit); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit", Code: codeValidation})
		return
	}
	if limit <= 0 {
		limit = usecase.DefaultPageSize
	}
	limit = min(limit, usecase.MaxPageSize)
	offset = max(offset, 0)

	goals, err := s.goals.List(r.Context(), userFrom(r.Context()), offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := goalList{Data: make([]goalDTO, 0, len(goals)), Limit: limit, Offset: offset}
	for _, g := range goals {
		out.Data = append(out.Data, toGoalDTO(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.goalID(w, r)
	if !ok {
		return
	}
	d, err := s.goals.Get(r.Context(), userFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dto := toGoalDTO(d.Goal)
	dto.Steps = make([]stepDTO, 0, len(d.Steps))
	for _, st := range d.Steps {
		dto.Steps = append(dto.Steps, toStepDTO(st))
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleGoalStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.goalID(w, r)
	if !ok {
		return
	}
	v, err := s.goals.Status(r.Context(), userFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, statusDTO{
		Status:    string(v.Status),
		StepCount: v.StepCount,
		Error:     v.Error,
		Attempts:  v.Attempts,
		UpdatedAt: v.UpdatedAt,
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.goalID(w, r)
	if !ok {
		return
	}
	g, err := s.goals.Regenerate(r.Context(), userFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, goalAccepted{GoalID: g.ID, Status: string(g.Status)})
}

func (s *Server) handleDeleteGoal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.goalID(w, r)
	if !ok {
		return
	}
	if err := s.goals.Delete(r.Context(), userFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) goalID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil || id == "" || len(id) > 64 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid goal id", Code: codeValidation})
		return "", false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: codeValidation})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "goal not found", Code: codeNotFound})
	case errors.Is(err, domain.ErrGoalLimitReached):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "active goal limit reached", Code: codeGoalLimit})
	case errors.Is(err, domain.ErrPreconditionFailed):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: codeConflict})
	case errors.Is(err, domain.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests", Code: codeRateLimited})
	default:
		logging.With(r.Context(), s.log).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: codeInternal})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
