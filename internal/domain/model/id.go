package model

import "github.com/oklog/ulid/v2"

// NewID returns a lexically time-ordered identifier.
func NewID() string { return ulid.Make().String() }
