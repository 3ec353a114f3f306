package handoff

import "errors"

// Sentinel errors for the escalation core. Callers match with errors.Is;
// store and transport failures are wrapped with %w and propagate as-is.
var (
	// ErrNotFound means the conversation, escalation, or operator does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the operation is not legal from the record's
	// current status. The caller should re-fetch and retry if appropriate.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation means the input was rejected before any mutation.
	ErrValidation = errors.New("validation failed")
)
