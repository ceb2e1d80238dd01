package gateway

import (
	"context"
	"time"

	"github.com/user/julesbot/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks a single execution of an inbound event against a session.
type Run struct {
	ID         types.RunID
	Session    types.Identity
	Event      *types.InboundEvent
	Status     RunStatus
	Attempts   int
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	Error      error
	OnComplete func(response string)
	// Ctx is set by the queue before the processor runs.
	Ctx context.Context
}

// NewRun creates a Run in the Queued state for the given session and event.
func NewRun(session types.Identity, event *types.InboundEvent) *Run {
	return &Run{
		ID:        types.NewRunID(),
		Session:   session,
		Event:     event,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}

// FirstAttempt reports whether the processor is running the run for the
// first time. Retries must not record the inbound message again.
func (r *Run) FirstAttempt() bool {
	return r.Attempts <= 1
}
