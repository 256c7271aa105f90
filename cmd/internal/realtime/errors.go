package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError. Nothing was appended or broadcast.
	ErrValidation = errors.New("realtime: invalid request")

	// ErrTransientStore wraps storage failures. Retrying with the same idempotency key is safe.
	ErrTransientStore = errors.New("realtime: store unavailable")

	// ErrSessionGone is returned when the target session disconnected mid-operation.
	ErrSessionGone = errors.New("realtime: session gone")

	// ErrSyncRangeExhausted means the requested offset is older than retained history.
	ErrSyncRangeExhausted = errors.New("realtime: sync range exhausted")

	// ErrNotMember is returned for room operations on a room the session has not joined.
	ErrNotMember = errors.New("realtime: not a member")
)

// ValidationError describes a malformed or incomplete inbound request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ErrNameRequired rejects sends from a session that never set a display name.
var ErrNameRequired error = &ValidationError{Field: "name", Reason: "set a display name before sending"}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RangeExhaustedError reports the oldest offset still replayable.
type RangeExhaustedError struct {
	// Floor is the offset just below the oldest retained record.
	// Replaying from Floor returns everything still stored.
	Floor int64
}

func (e *RangeExhaustedError) Error() string {
	return fmt.Sprintf("%v: oldest replayable offset is %d", ErrSyncRangeExhausted, e.Floor+1)
}

func (e *RangeExhaustedError) Is(target error) bool {
	return target == ErrSyncRangeExhausted
}
