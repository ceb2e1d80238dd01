// Package reconciler polls the remote status of tracked jobs and turns
// each observed transition into one notification and one decision loop
// re-entry.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/user/julesbot/internal/notify"
	"github.com/user/julesbot/internal/observability"
	"github.com/user/julesbot/internal/tracker"
	"github.com/user/julesbot/internal/types"
)

// Author is the event author of reconciler writes and re-entries.
const Author = "reconciler"

// StatusSource answers status queries for remote jobs. ok=false means no
// new information this cycle.
type StatusSource interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, bool)
}

type Notifier interface {
	Send(ctx context.Context, recipient, text string, opts ...notify.Option)
}

// DecisionLoop receives re-entry signals after a transition.
type DecisionLoop interface {
	Reenter(ctx context.Context, id types.Identity, text string) error
}

type Config struct {
	AppName string
	// StatusTool is the remote tool returning a job's status text.
	StatusTool string
	// HandleArg is the argument name carrying the job handle.
	HandleArg     string
	MaxConcurrent int
	JobTimeout    time.Duration
}

// Job is one pollable handle and the session tracking it.
type Job struct {
	Session types.Identity
	Handle  string
}

// Transition is an applied status change.
type Transition struct {
	Job
	From types.JobStatus `json:"from"`
	To   types.JobStatus `json:"to"`
	Kind Kind            `json:"kind"`
}

type Reconciler struct {
	cfg      Config
	store    types.SessionStore
	source   StatusSource
	notifier Notifier
	loop     DecisionLoop

	// background sweeps started by Trigger run under ctx
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, store types.SessionStore, source StatusSource, notifier Notifier, loop DecisionLoop) *Reconciler {
	if cfg.StatusTool == "" {
		cfg.StatusTool = "get_session"
	}
	if cfg.HandleArg == "" {
		cfg.HandleArg = "session_name"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		source:   source,
		notifier: notifier,
		loop:     loop,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// PollableJobs lists every session of the application and collects the
// handles in status polling.
func (r *Reconciler) PollableJobs(ctx context.Context) ([]Job, error) {
	sessions, err := r.store.List(ctx, r.cfg.AppName, "")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var jobs []Job
	for _, s := range sessions {
		for _, h := range tracker.AllPollable(&s.State) {
			jobs = append(jobs, Job{Session: s.Identity, Handle: h})
		}
	}
	return jobs, nil
}

// Sweep checks every pollable job and waits for all checks. It returns the
// number of jobs checked; a failing job never fails the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.PollableJobs(ctx)
	if err != nil {
		return 0, err
	}
	r.run(ctx, jobs)
	return len(jobs), nil
}

// Trigger lists the pollable jobs and checks them in the background. It
// returns how many were queued. Overlapping triggers are allowed.
func (r *Reconciler) Trigger(ctx context.Context) (int, error) {
	jobs, err := r.PollableJobs(ctx)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(r.ctx, jobs)
	}()
	return len(jobs), nil
}

// Stop cancels background sweeps and waits for them to return.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every background sweep has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context, jobs []Job) {
	ctx, span := observability.StartSpan(ctx, "reconciler.sweep", attribute.Int("jobs", len(jobs)))
	defer span.End()
	observability.RecordSweep()

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrent)
	for _, job := range jobs {
		g.Go(func() error {
			r.checkIsolated(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

// checkIsolated runs one check with its own timeout, logging instead of
// propagating errors and panics.
func (r *Reconciler) checkIsolated(ctx context.Context, job Job) {
	logger := slog.With(
		"app", job.Session.AppName,
		"user", job.Session.UserID,
		"session", string(job.Session.SessionID),
		"handle", job.Handle,
	)
	defer func() {
		if p := recover(); p != nil {
			observability.RecordCheck("error")
			logger.Error("reconcile job panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	tr, err := r.Check(ctx, job)
	switch {
	case err != nil:
		observability.RecordCheck("error")
		logger.Warn("reconcile job failed", "error", err)
	case tr == nil:
		observability.RecordCheck("unchanged")
	default:
		observability.RecordCheck("transition")
		logger.Info("job transitioned", "from", tr.From, "to", tr.To, "kind", tr.Kind)
	}
}

// Check queries the remote status of one job and applies what it finds.
// A nil transition means nothing changed.
func (r *Reconciler) Check(ctx context.Context, job Job) (*Transition, error) {
	ctx, span := observability.StartSpan(ctx, "reconciler.check", attribute.String("handle", job.Handle))
	text, ok := r.source.CallTool(ctx, r.cfg.StatusTool, map[string]any{r.cfg.HandleArg: job.Handle})
	span.End()
	if !ok {
		return nil, nil
	}
	obs := Classify(text)
	if obs == ObservedNothing {
		return nil, nil
	}
	return r.Apply(ctx, job, obs)
}

// Apply records the transition obs implies, if the job's current status
// still allows it. The status is re-read inside the store update, so
// duplicate or concurrent applications of one observation write, notify and
// re-enter once.
func (r *Reconciler) Apply(ctx context.Context, job Job, obs Observation) (*Transition, error) {
	var tr *Transition
	_, err := r.store.Update(ctx, job.Session, func(s *types.Session) (*types.Event, error) {
		tr = nil
		before, ok := tracker.StatusOf(&s.State, job.Handle)
		if !ok {
			return nil, types.ErrNoChange
		}
		after, kind, ok := Decide(before, obs)
		if !ok {
			return nil, types.ErrNoChange
		}
		tracker.Track(&s.State, job.Handle, after)

		tr = &Transition{Job: job, From: before, To: after, Kind: kind}
		content, err := json.Marshal(types.TransitionContent{
			Handle: job.Handle,
			From:   before,
			To:     after,
			Kind:   string(kind),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal transition: %w", err)
		}
		delta := &types.StateDelta{}
		delta.SetJob(job.Handle, after)
		return &types.Event{
			Author:  Author,
			Type:    types.EventTransition,
			Content: content,
			Delta:   delta,
		}, nil
	})
	if errors.Is(err, types.ErrNoChange) {
		return nil, nil
	}
	if errors.Is(err, types.ErrSessionNotFound) {
		slog.Info("session gone before transition", "session", job.Session.String(), "handle", job.Handle)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record transition: %w", err)
	}

	r.signal(ctx, tr)
	observability.RecordTransition(string(tr.To))
	return tr, nil
}

// signal sends the one notification and the one re-entry of a recorded
// transition. Neither failure undoes the transition.
func (r *Reconciler) signal(ctx context.Context, tr *Transition) {
	text, reentry := wording(tr)
	var opts []notify.Option
	if tr.Kind == KindPlanReady {
		opts = append(opts, notify.WithAction("Approve Plan", ApproveData(tr.Handle)))
	}
	r.notifier.Send(ctx, tr.Session.UserID, text, opts...)

	if r.loop == nil {
		return
	}
	if err := r.loop.Reenter(ctx, tr.Session, reentry); err != nil {
		slog.Warn("decision loop re-entry failed",
			"session", tr.Session.String(), "handle", tr.Handle, "error", err)
	}
}

// ApprovePrefix prefixes the callback data of plan approval buttons.
const ApprovePrefix = "approve:"

func ApproveData(handle string) string {
	return ApprovePrefix + handle
}

func wording(tr *Transition) (notification, reentry string) {
	h := tr.Handle
	switch tr.Kind {
	case KindPlanReady:
		return fmt.Sprintf("Jules has proposed a plan and is waiting for your approval.\n\n%s", h),
			fmt.Sprintf("Jules session %s is awaiting plan approval. Fetch the plan and summarize it for the user.", h)
	case KindSucceeded:
		return fmt.Sprintf("Jules has completed the task! Merging the pull request...\n\n%s", h),
			fmt.Sprintf("Jules session %s succeeded. Find the pull request it created and merge it.", h)
	case KindCancelled:
		return fmt.Sprintf("Jules task was cancelled.\n\n%s", h),
			fmt.Sprintf("Jules session %s was cancelled. Check its activities and tell the user why.", h)
	}
	return fmt.Sprintf("Jules task failed.\n\n%s", h),
		fmt.Sprintf("Jules session %s failed. Read its activities and explain what went wrong.", h)
}
