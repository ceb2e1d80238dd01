package types

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session identity does not exist.
	// Backends never use it for transient failures.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoChange is returned by an UpdateFunc to abandon the write.
	ErrNoChange = errors.New("no change")

	// ErrConflict is returned when an optimistic update keeps losing to
	// concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")

	ErrInvalidEvent = errors.New("invalid event")
)

var (
	errEmpty     = errors.New("must not be empty")
	errDots      = errors.New("must not be a relative path element")
	errSeparator = errors.New("must not contain ':', '/' or '\\'")
)

// IdentityError reports an unusable part of a session identity.
type IdentityError struct {
	Field  string
	Value  string
	Reason string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}
