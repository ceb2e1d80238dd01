// internal/types/interfaces.go
package types

import (
	"context"
)

// SessionStore is the durable session record store. Implementations never
// retry transient failures themselves.
type SessionStore interface {
	Create(ctx context.Context, id Identity, initial *State) (*Session, error)
	Get(ctx context.Context, id Identity, opts GetOptions) (*Session, error)
	List(ctx context.Context, appName, userID string) ([]*SessionSummary, error)
	AppendEvent(ctx context.Context, session *Session, event *Event) (*Event, error)
	Update(ctx context.Context, id Identity, fn UpdateFunc) (*Session, error)
	Delete(ctx context.Context, id Identity) error
	Close() error
}
