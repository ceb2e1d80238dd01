// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(within)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("condition not met within %s", within)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{
		Name:     "every-second",
		Schedule: "* * * * * *",
		Run:      func(ctx context.Context) { fires.Add(1) },
	})
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool { return fires.Load() > 0 })
}

func TestSchedulerEveryDescriptor(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{Name: "every", Schedule: "@every 1s", Run: func(ctx context.Context) { fires.Add(1) }})
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool { return fires.Load() >= 1 })
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	sched := New(Job{Name: "bad", Schedule: "not a cron", Run: func(ctx context.Context) {}})
	if err := sched.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSchedulerOverlappingTicksRun(t *testing.T) {
	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	sched := New(Job{
		Name:     "slow",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			running.Add(-1)
		},
	})
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()
	defer close(release)

	waitFor(t, 3500*time.Millisecond, func() bool { return maxRunning.Load() >= 2 })
}

func TestSchedulerSkipOverlapping(t *testing.T) {
	var starts, running, maxRunning atomic.Int32
	sched := New(Job{
		Name:            "slow",
		Schedule:        "@every 1s",
		SkipOverlapping: true,
		Run: func(ctx context.Context) {
			starts.Add(1)
			if n := running.Add(1); n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			select {
			case <-time.After(1500 * time.Millisecond):
			case <-ctx.Done():
			}
			running.Add(-1)
		},
	})
	if err := sched.Start(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool { return starts.Load() >= 2 })
	sched.Stop()

	if maxRunning.Load() != 1 {
		t.Errorf("expected no overlap, max concurrent runs %d", maxRunning.Load())
	}
}

type fakeSweeper struct {
	sweeps, triggers atomic.Int32
}

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) {
	f.sweeps.Add(1)
	return 0, nil
}

func (f *fakeSweeper) Trigger(ctx context.Context) (int, error) {
	f.triggers.Add(1)
	return 0, nil
}

func TestReconcileJob(t *testing.T) {
	f := &fakeSweeper{}
	ReconcileJob("@every 1m", false, f).Run(context.Background())
	ReconcileJob("@every 1m", true, f).Run(context.Background())

	if f.triggers.Load() != 1 {
		t.Errorf("expected 1 trigger, got %d", f.triggers.Load())
	}
	if f.sweeps.Load() != 1 {
		t.Errorf("expected 1 sweep, got %d", f.sweeps.Load())
	}
	if !ReconcileJob("@every 1m", true, f).SkipOverlapping {
		t.Error("expected skip flag carried")
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, ok := range []string{"@every 1m", "*/5 * * * *", "0 */2 * * * *"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Errorf("%q: %v", ok, err)
		}
	}
	if err := ValidateSchedule("every minute"); err == nil {
		t.Error("expected error")
	}
}
