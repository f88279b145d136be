package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleClaim is recorded on instances recovered by the stale claim sweep.
	ErrStaleClaim = errors.New("stale claim: dispatch did not complete in time")

	// ErrClaimConflict means another worker won the conditional update.
	// Callers treat it as an empty claim, never as a failure.
	ErrClaimConflict = errors.New("claim lost to another worker")
)

// ValidationError reports input that can never produce a reminder instance,
// such as an unrenderable template or an event without a recipient.
type ValidationError struct {
	EventID    int64
	TemplateID int64
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.TemplateID != 0 {
		return fmt.Sprintf("validation: event %d template %d: %s: %s", e.EventID, e.TemplateID, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation: event %d: %s: %s", e.EventID, e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
