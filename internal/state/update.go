package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/user/julesbot/internal/tracker"
	"github.com/user/julesbot/internal/types"
)

// TempPrefix marks state delta keys that live only for one invocation and
// are never persisted.
const TempPrefix = "temp:"

const maxUpdateAttempts = 8

// errVersionMismatch is returned by commit when another writer got there
// first. update retries on it and never lets it escape.
var errVersionMismatch = errors.New("version mismatch")

// backend is what a store implements to share update.
type backend interface {
	// load returns the session record without events.
	load(ctx context.Context, id types.Identity) (*types.Session, error)
	// commit writes next and appends event (if any) only if the stored
	// version still equals prev.
	commit(ctx context.Context, prev int64, next *types.Session, event *types.Event) error
}

func update(ctx context.Context, b backend, id types.Identity, fn types.UpdateFunc) (*types.Session, error) {
	if err := id.Validate(false); err != nil {
		return nil, err
	}
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := b.load(ctx, id)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		event, err := fn(next)
		if err != nil {
			return nil, err
		}
		next.Identity = cur.Identity
		stamp(next, event, now())
		if next.State, err = next.State.Normalize(); err != nil {
			return nil, err
		}

		err = b.commit(ctx, cur.Version, next, event)
		if errors.Is(err, errVersionMismatch) {
			slog.Debug("session update conflict", "session", id.String(), "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("update session %s: %w", id, types.ErrConflict)
}

// stamp advances version, sequence and timestamps of a session about to be
// written. Event timestamps never go below last_update_time, so submission
// order and timestamp order agree within a session.
func stamp(s *types.Session, e *types.Event, at time.Time) {
	tracker.Canonicalize(&s.State)
	s.Version++

	ts := at
	if e != nil {
		if e.ID == "" {
			e.ID = types.NewEventID()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = at
		}
		e.Timestamp = e.Timestamp.UTC()
		if e.Timestamp.Before(s.LastUpdateTime) {
			e.Timestamp = s.LastUpdateTime
		}
		s.LastSeq++
		e.Seq = s.LastSeq
		ts = e.Timestamp
	}
	if ts.After(s.LastUpdateTime) {
		s.LastUpdateTime = ts
	}
}

// now is truncated to the microsecond so every backend round-trips it.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newSession(id types.Identity, initial *types.State) (*types.Session, error) {
	if err := id.Validate(true); err != nil {
		return nil, err
	}
	if id.SessionID == "" {
		id.SessionID = types.NewSessionID()
	}
	t := now()
	s := &types.Session{
		Identity:       id,
		CreatedAt:      t,
		LastUpdateTime: t,
		Version:        1,
	}
	if initial != nil {
		st, err := initial.Normalize()
		if err != nil {
			return nil, err
		}
		s.State = st
	}
	return s, nil
}

// ApplyDelta merges an event's state delta into st.
func ApplyDelta(st *types.State, d *types.StateDelta) {
	if d.IsEmpty() {
		return
	}
	for handle, status := range d.Jobs {
		tracker.Track(st, handle, status)
	}
	for k, v := range d.Values {
		if strings.HasPrefix(k, TempPrefix) || k == types.JobsKey {
			continue
		}
		if v == nil {
			delete(st.Values, k)
			continue
		}
		if st.Values == nil {
			st.Values = make(map[string]any)
		}
		st.Values[k] = v
	}
}

func validateEvent(e *types.Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", types.ErrInvalidEvent)
	}
	if e.Author == "" {
		return fmt.Errorf("%w: author is required", types.ErrInvalidEvent)
	}
	return nil
}

// appendEvent is the shared AppendEvent: the delta is applied to a fresh
// read inside the store's update, so concurrent writers never lose each
// other's changes. The caller's session is refreshed on success.
func appendEvent(ctx context.Context, store types.SessionStore, session *types.Session, event *types.Event) (*types.Event, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: nil session", types.ErrInvalidEvent)
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	if event.Partial {
		return event, nil
	}
	if event.Delta != nil {
		for k := range event.Delta.Values {
			if strings.HasPrefix(k, TempPrefix) {
				delete(event.Delta.Values, k)
			}
		}
	}

	updated, err := store.Update(ctx, session.Identity, func(s *types.Session) (*types.Event, error) {
		ApplyDelta(&s.State, event.Delta)
		return event, nil
	})
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	session.State = updated.State
	session.LastUpdateTime = updated.LastUpdateTime
	session.LastSeq = updated.LastSeq
	session.Version = updated.Version
	session.Events = append(session.Events, event)
	return event, nil
}

// selectEvents orders events and applies the Get filters: After keeps
// events at or after the timestamp, Limit keeps the most recent ones.
func selectEvents(events []*types.Event, opts types.GetOptions) []*types.Event {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Seq < events[j].Seq
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if !opts.After.IsZero() {
		kept := events[:0]
		for _, e := range events {
			if !e.Timestamp.Before(opts.After) {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	if opts.Limit > 0 && len(events) > opts.Limit {
		events = events[len(events)-opts.Limit:]
	}
	return events
}

func notFound(id types.Identity) error {
	return fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
}
