package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown jobs and for jobs owned by another user
	ErrNotFound = errors.New("job not found")

	// ErrPayloadTooLarge is returned when a payload exceeds the configured cap
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnknownKind is returned for an unsupported job type
	ErrUnknownKind = errors.New("unknown job type")

	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("job store unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
