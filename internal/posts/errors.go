package posts

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a post id is not in the registry.
	ErrNotFound = errors.New("post not found")
	// ErrTimerMissing means a post exists but the trigger engine had no timer
	// armed for it, so it cannot be rescheduled safely.
	ErrTimerMissing = errors.New("post timer missing")
	// ErrDelivering means a Once post's timer already fired and its send is
	// in flight. The post can no longer be changed or removed.
	ErrDelivering = fmt.Errorf("post is being delivered: %w", ErrTimerMissing)
)

// ValidationError is a recoverable input problem. Message is user-facing.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
