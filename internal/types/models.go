// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Event types recorded in a session log.
const (
	EventUserMessage      = "user_message"
	EventAssistantMessage = "assistant_message"
	EventToolCall         = "tool_call"
	EventToolResult       = "tool_result"
	EventTransition       = "job_transition"
	EventError            = "error"
)

type Event struct {
	ID        EventID         `json:"id"`
	Seq       int64           `json:"seq"`
	RunID     RunID           `json:"run_id,omitempty"`
	Author    string          `json:"author"`
	Type      string          `json:"type,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Delta     *StateDelta     `json:"state_delta,omitempty"`
	Partial   bool            `json:"partial,omitempty"`
}

type Session struct {
	Identity
	State          State     `json:"state"`
	Events         []*Event  `json:"events,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastUpdateTime time.Time `json:"last_update_time"`
	LastSeq        int64     `json:"last_seq"`
	Version        int64     `json:"version"`
}

// Clone copies the session record without its events.
func (s *Session) Clone() *Session {
	out := *s
	out.State = s.State.Clone()
	out.Events = nil
	return &out
}

// Summary drops the event log.
func (s *Session) Summary() *SessionSummary {
	return &SessionSummary{
		Identity:       s.Identity,
		State:          s.State.Clone(),
		CreatedAt:      s.CreatedAt,
		LastUpdateTime: s.LastUpdateTime,
	}
}

type SessionSummary struct {
	Identity
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// GetOptions filters the events replayed by a store Get. A zero After
// replays from the beginning; a zero Limit keeps every event.
type GetOptions struct {
	After time.Time
	Limit int
}

// UpdateFunc mutates a freshly read session in place. It may return an
// event to append in the same write, or ErrNoChange to skip the write.
// It can run more than once when a concurrent writer wins.
type UpdateFunc func(s *Session) (*Event, error)

type InboundEvent struct {
	Source   string          `json:"source"`
	Identity Identity        `json:"identity"`
	Text     string          `json:"text"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// MessageContent is the Content payload of message, tool and error events.
type MessageContent struct {
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TransitionContent is the Content payload of job transition events.
type TransitionContent struct {
	Handle string    `json:"handle"`
	From   JobStatus `json:"from"`
	To     JobStatus `json:"to"`
	Kind   string    `json:"kind"`
}
