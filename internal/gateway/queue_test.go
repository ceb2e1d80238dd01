package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/julesbot/internal/types"
)

func laneRun(session, text string) *Run {
	id := types.Identity{AppName: "julesbot", UserID: "u", SessionID: types.SessionID(session)}
	return NewRun(id, &types.InboundEvent{Source: "test", Identity: id, Text: text})
}

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.SetProcessor(func(run *Run) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := queue.Enqueue(laneRun(fmt.Sprintf("session-%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}

	if !queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not drain")
	}

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueProcessorCalled(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var processed int32

	queue.SetProcessor(func(run *Run) error {
		atomic.AddInt32(&processed, 1)
		if run.Ctx == nil {
			t.Error("expected run context to be set")
		}
		return nil
	})

	run := laneRun("test-session", "hi")
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	if !queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not drain")
	}

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("expected 1 processed run, got %d", processed)
	}
	if run.Status != RunStatusComplete || run.Attempts != 1 {
		t.Errorf("expected complete after 1 attempt, got %s/%d", run.Status, run.Attempts)
	}
}

func TestQueueSameSessionOrdering(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	queue.SetProcessor(func(run *Run) error {
		mu.Lock()
		order = append(order, run.Event.Text)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(laneRun("same-session", fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != fmt.Sprint(i) {
			t.Errorf("expected order[%d] = %d, got %s", i, i, v)
		}
	}
}

func TestQueueFailedRunReportsOnce(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(run *Run) error {
		return fmt.Errorf("bad request: invalid tool arguments")
	})

	var replies int32
	run := laneRun("s", "hi")
	run.OnComplete = func(string) { atomic.AddInt32(&replies, 1) }
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}
	if !queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not drain")
	}
	if run.Status != RunStatusFailed || run.Error == nil {
		t.Errorf("expected failed run, got %s", run.Status)
	}
	if atomic.LoadInt32(&replies) != 1 {
		t.Errorf("expected one failure reply, got %d", replies)
	}
}

func TestQueueEnqueueBeforeStart(t *testing.T) {
	queue := NewQueue(1)
	if err := queue.Enqueue(laneRun("s", "hi")); err == nil {
		t.Error("expected error enqueueing on a stopped queue")
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	// Enqueue without setting a processor -- should not panic
	if err := queue.Enqueue(laneRun("no-proc", "hi")); err != nil {
		t.Fatal(err)
	}

	if !queue.WaitIdle(time.Second) {
		t.Error("queue did not drain")
	}
}
