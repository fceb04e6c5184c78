package notify

import "errors"

var (
	// ErrInvalidInput is returned for malformed notification data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a notification does not exist, is not
	// addressed to the caller, or does not track confirmations.
	ErrNotFound = errors.New("notification not found")
)
