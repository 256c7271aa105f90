package realtime

import (
	"time"

	"herald/cmd/internal/ids"
)

// NewSessionID returns a ULID used as connection id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewIdentity returns a ULID assigned to clients that connect without one.
func NewIdentity(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
