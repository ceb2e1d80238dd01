// Package gateway turns inbound events (user messages and reconciler
// re-entries) into runs on per-session lanes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/julesbot/internal/notify"
	"github.com/user/julesbot/internal/types"
)

// DefaultSessionID is used when an inbound event names no session.
const DefaultSessionID types.SessionID = "default_session"

// SourceReconciler marks runs started by a reconciler re-entry.
const SourceReconciler = "reconciler"

// Notifier delivers run replies to the user.
type Notifier interface {
	Send(ctx context.Context, recipient, text string, opts ...notify.Option)
}

// Gateway orchestrates inbound events into runs. It ensures the target
// session exists, wraps each event in a Run, and enqueues the run for
// processing.
type Gateway struct {
	store    types.SessionStore
	notifier Notifier
	Queue    *Queue

	// mu serializes session creation so two first messages cannot both
	// create (and so reset) the same session.
	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway over store with the given concurrency limit for
// simultaneous run processing. notifier may be nil.
func New(store types.SessionStore, notifier Notifier, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	q := NewQueue(concurrency)
	q.SetRetryPolicy(DefaultRetryPolicy())
	return &Gateway{
		store:    store,
		notifier: notifier,
		Queue:    q,
		ctx:      context.Background(),
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context and stops the queue, waiting for
// in-flight runs.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleInbound makes sure the event's session exists, wraps the event in
// a Run and enqueues it. Unless overridden, the final response is sent to
// the session's user through the notifier.
func (g *Gateway) HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...RunOption) error {
	if event == nil || strings.TrimSpace(event.Text) == "" {
		return fmt.Errorf("%w: empty inbound text", types.ErrInvalidEvent)
	}
	id := event.Identity
	if id.SessionID == "" {
		id.SessionID = DefaultSessionID
	}
	if err := g.ensureSession(ctx, id); err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	run := NewRun(id, event)
	if g.notifier != nil {
		run.OnComplete = func(response string) {
			if strings.TrimSpace(response) == "" {
				return
			}
			g.notifier.Send(g.ctx, id.UserID, response)
		}
	}
	for _, opt := range opts {
		opt(run)
	}
	return g.Queue.Enqueue(run)
}

// Reenter queues a reconciler signal into the session's decision loop.
func (g *Gateway) Reenter(ctx context.Context, id types.Identity, text string) error {
	return g.HandleInbound(ctx, &types.InboundEvent{
		Source:   SourceReconciler,
		Identity: id,
		Text:     text,
	})
}

func (g *Gateway) ensureSession(ctx context.Context, id types.Identity) error {
	if err := id.Validate(false); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.store.Get(ctx, id, types.GetOptions{Limit: 1})
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrSessionNotFound) {
		return err
	}
	_, err = g.store.Create(ctx, id, nil)
	return err
}
