package voting

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed question or vote data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a question does not exist.
	ErrNotFound = errors.New("question not found")

	// ErrInvalidState is returned for an operation outside its valid
	// lifecycle state (e.g. opening an already-open question).
	ErrInvalidState = errors.New("invalid question state")

	// ErrVotingClosed is returned when a vote arrives at or after the
	// deadline, or on a closed question. It wraps ErrInvalidState so
	// callers can classify it either way.
	ErrVotingClosed = fmt.Errorf("%w: voting closed", ErrInvalidState)

	// ErrCapacityExceeded is returned when an assembly already holds the
	// maximum number of simultaneous questions.
	ErrCapacityExceeded = errors.New("maximum questions reached")
)
