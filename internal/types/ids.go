// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type SessionID string
type RunID string
type EventID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

// NewSessionKey joins parts with ":" into the document key used by every
// store backend, e.g. "julesbot:12345:default_session".
func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// Identity is the composite key of a session. It never changes after the
// session is created.
type Identity struct {
	AppName   string    `json:"app_name"`
	UserID    string    `json:"user_id"`
	SessionID SessionID `json:"session_id"`
}

func (id Identity) Key() SessionKey {
	return NewSessionKey(id.AppName, id.UserID, string(id.SessionID))
}

func (id Identity) String() string {
	return string(id.Key())
}

// Validate rejects identities that cannot be used as a storage key. An
// empty SessionID is allowed only when allowEmptySession is set (create).
func (id Identity) Validate(allowEmptySession bool) error {
	parts := map[string]string{
		"app_name": id.AppName,
		"user_id":  id.UserID,
	}
	if !allowEmptySession || id.SessionID != "" {
		parts["session_id"] = string(id.SessionID)
	}
	for name, v := range parts {
		if err := validatePart(v); err != nil {
			return &IdentityError{Field: name, Value: v, Reason: err.Error()}
		}
	}
	return nil
}

func validatePart(v string) error {
	switch {
	case v == "":
		return errEmpty
	case v == "." || v == "..":
		return errDots
	case strings.ContainsAny(v, ":/\\"):
		return errSeparator
	}
	return nil
}
