package errs

import (
	"errors"
)

var (
	ErrValidation       = errors.New("invalid message")
	ErrCapacity         = errors.New("queue is at capacity")
	ErrConcurrencyLimit = errors.New("too many concurrent batches")
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate message id")
)

// ValidationError reports every field problem found on a message.
// errors.Is(err, ErrValidation) holds for it.
type ValidationError struct {
	MessageID string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.MessageID == "" {
		return ErrValidation.Error() + ": " + e.Err.Error()
	}
	return ErrValidation.Error() + " " + e.MessageID + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}
