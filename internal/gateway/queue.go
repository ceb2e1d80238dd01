package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/julesbot/internal/observability"
	"github.com/user/julesbot/internal/types"
)

// FailureReply is sent to the user when a run fails for good.
const FailureReply = "Sorry, something went wrong processing your message."

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that runs within a
// session are processed sequentially, while the semaphore limits the
// total number of concurrent run processors across all sessions.
type Queue struct {
	lanes     map[types.SessionKey]chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	retry     *RetryPolicy
	// pending counts runs enqueued but not yet finished.
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[types.SessionKey]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for key, lane := range q.lanes {
		close(lane)
		delete(q.lanes, key)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to the session's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return fmt.Errorf("queue is not running")
	}

	key := run.Session.Key()
	lane, exists := q.lanes[key]
	if !exists {
		lane = make(chan *Run, 100)
		q.lanes[key] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	select {
	case lane <- run:
		q.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("queue full for session %s", key)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.pending.Add(-1)
				return
			}
			if q.processor != nil {
				q.execute(run)
			}
			q.semaphore.Release(1)
			q.pending.Add(-1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) execute(run *Run) {
	started := time.Now()
	run.Ctx = q.ctx
	run.StartedAt = &started
	run.Status = RunStatusRunning

	attempt := func() error {
		run.Attempts++
		return q.processor(run)
	}
	var err error
	if q.retry != nil {
		err = q.retry.Execute(q.ctx, attempt)
	} else {
		err = attempt()
	}

	ended := time.Now()
	run.EndedAt = &ended
	source := ""
	if run.Event != nil {
		source = run.Event.Source
	}
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err
		observability.RecordRun(source, string(RunStatusFailed), ended.Sub(started))
		slog.Error("run failed",
			"run_id", string(run.ID),
			"session", run.Session.String(),
			"attempts", run.Attempts,
			"error", err)
		if run.OnComplete != nil {
			run.OnComplete(FailureReply)
		}
		return
	}
	run.Status = RunStatusComplete
	observability.RecordRun(source, string(RunStatusComplete), ended.Sub(started))
}

// WaitIdle blocks until no runs are queued or being processed, or the
// timeout expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}

// SetRetryPolicy enables retries of failed runs. A nil policy runs each
// Run once.
func (q *Queue) SetRetryPolicy(p *RetryPolicy) {
	q.retry = p
}
