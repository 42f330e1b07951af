package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// ErrPreconditionFailed is returned by conditional state transitions when the
	// row was not in the expected prior state. Callers treat it as a lost race.
	ErrPreconditionFailed = errors.New("precondition failed")

	ErrGoalLimitReached = errors.New("active goal limit reached")
	ErrRateLimited      = errors.New("rate limited")
	ErrLeaseHeld        = errors.New("goal lease held by another worker")
)
