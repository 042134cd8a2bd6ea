package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrItemNotFound is returned when a work item cannot be found.
	ErrItemNotFound = errors.New("work item not found")

	// ErrNotDeadLetter is returned when a dead-letter-only operation is
	// attempted on an item in another status.
	ErrNotDeadLetter = errors.New("work item is not dead-lettered")

	// ErrInvalidPayload is returned when a payload fails enqueue-time validation.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownJobType is returned for job types outside the closed set.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrDuplicateKey is returned when an insert races another active item
	// holding the same idempotency key.
	ErrDuplicateKey = errors.New("active work item exists for idempotency key")
)

// RejectionError marks a domain rejection: the venue or a gate refused the
// intent outright. Rejections are never retried and go straight to dead letter.
type RejectionError struct {
	Category string // block reason bucket for logs (kill_switch, not_tradable, ...)
	Reason   string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

// Reject builds a RejectionError with a formatted reason.
func Reject(category, format string, args ...any) error {
	return &RejectionError{Category: category, Reason: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a RejectionError, if it is one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
