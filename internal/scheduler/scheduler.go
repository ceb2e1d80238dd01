// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a named function fired on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	// SkipOverlapping drops a tick while the previous run of this job is
	// still going. By default ticks run concurrently.
	SkipOverlapping bool
	Run             func(ctx context.Context)
}

// Sweeper is the reconciler surface the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
	Trigger(ctx context.Context) (int, error)
}

// ReconcileJob fires the reconciler. With skipOverlapping each tick runs a
// full synchronous sweep and a slow sweep swallows the ticks behind it;
// otherwise each tick queues a background sweep and returns.
func ReconcileJob(schedule string, skipOverlapping bool, r Sweeper) Job {
	run := func(ctx context.Context) {
		n, err := r.Trigger(ctx)
		if err != nil {
			slog.Warn("reconcile tick failed", "error", err)
			return
		}
		slog.Debug("reconcile tick", "queued", n)
	}
	if skipOverlapping {
		run = func(ctx context.Context) {
			n, err := r.Sweep(ctx)
			if err != nil {
				slog.Warn("reconcile tick failed", "error", err)
				return
			}
			slog.Debug("reconcile tick", "checked", n)
		}
	}
	return Job{Name: "reconcile", Schedule: schedule, SkipOverlapping: skipOverlapping, Run: run}
}

// Scheduler runs jobs on cron schedules.
type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors such as
// "@every 1m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func New(jobs ...Job) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(slogLogger{}),
			cron.WithChain(cron.Recover(slogLogger{})),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ValidateSchedule reports whether expr parses.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Start registers every job and starts the cron ticker. An invalid
// schedule fails the whole start.
func (s *Scheduler) Start() error {
	for _, job := range s.jobs {
		var cj cron.Job = cron.FuncJob(func() {
			slog.Debug("cron firing job", "name", job.Name)
			job.Run(s.ctx)
		})
		if job.SkipOverlapping {
			cj = cron.NewChain(cron.SkipIfStillRunning(slogLogger{})).Then(cj)
		}
		if _, err := s.cron.AddJob(job.Schedule, cj); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule, "skip_overlapping", job.SkipOverlapping)
	}
	s.cron.Start()
	return nil
}

// Stop stops the ticker, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
