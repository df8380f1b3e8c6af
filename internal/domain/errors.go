package domain

import "errors"

var (
	// ErrNotFound reports a missing contest, task or participation.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState reports a state machine guard failure, e.g. publishing a
	// contest that is no longer pending. Callers treat it as a silent no-op.
	ErrInvalidState = errors.New("invalid state")
)
