// Package client is a small Go client for the goals API, used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type CreateGoalRequest struct {
	Title                string `json:"title"`
	Category             string `json:"category"`
	TargetDays           int    `json:"targetDays,omitempty"`
	DifficultyPreference string `json:"difficultyPreference,omitempty"`
}

type Accepted struct {
	GoalID string `json:"goalId"`
	Status string `json:"status"`
}

type Status struct {
	Status    string    `json:"status"`
	StepCount int       `json:"stepCount"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the goal will not change without a regenerate.
func (s Status) Terminal() bool { return s.Status == "completed" || s.Status == "failed" }

type Step struct {
	ID          string   `json:"id"`
	Order       int      `json:"order"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tips        []string `json:"tips"`
}

type Goal struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
	TargetDays int    `json:"targetDays"`
	Status     string `json:"status"`
	StepCount  int    `json:"stepCount"`
	Error      string `json:"error,omitempty"`
	Steps      []Step `json:"steps,omitempty"`
}

type Client struct {
	base   string
	hc     *http.Client
	userID string
	token  string
}

type Option func(*Client)

// WithToken authenticates with a bearer token.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithUserID sends the X-User-ID header, for deployments without tokens.
func WithUserID(id string) Option { return func(c *Client) { c.userID = id } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) CreateGoal(ctx context.Context, req CreateGoalRequest) (*Accepted, error) {
	var out Accepted
	return &out, c.do(ctx, http.MethodPost, "/goals", req, &out)
}

func (c *Client) Status(ctx context.Context, goalID string) (*Status, error) {
	var out Status
	return &out, c.do(ctx, http.MethodGet, "/goals/"+url.PathEscape(goalID)+"/status", nil, &out)
}

func (c *Client) Goal(ctx context.Context, goalID string) (*Goal, error) {
	var out Goal
	return &out, c.do(ctx, http.MethodGet, "/goals/"+url.PathEscape(goalID), nil, &out)
}

func (c *Client) Regenerate(ctx context.Context, goalID string) (*Accepted, error) {
	var out Accepted
	return &out, c.do(ctx, http.MethodPost, "/goals/"+url.PathEscape(goalID)+"/regenerate", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.userID != "":
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
