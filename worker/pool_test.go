package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/supercheck-io/supercheck-sub009/admission"
	"github.com/supercheck-io/supercheck-sub009/broker"
	brokermem "github.com/supercheck-io/supercheck-sub009/broker/memory"
	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/run"
	"github.com/supercheck-io/supercheck-sub009/store/memory"
	"github.com/supercheck-io/supercheck-sub009/worker"
)

const testOrg = "org-acme"

// stubExecutor reports a fixed outcome and records what it executed.
type stubExecutor struct {
	mu       sync.Mutex
	executed []string
	status   run.Status
}

func (e *stubExecutor) ExecuteRun(_ context.Context, r *run.Run, _ *broker.Payload) (run.Status, error) {
	e.mu.Lock()
	e.executed = append(e.executed, r.ID.String())
	e.mu.Unlock()
	return e.status, nil
}

func (e *stubExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executed)
}

func newHarness(t *testing.T, limits capacity.Limits, status run.Status) (*admission.Controller, *memory.Store, *brokermem.Broker, *worker.Pool, *stubExecutor) {
	t.Helper()

	s := memory.New()
	mq := brokermem.New()
	ctrl := admission.New(s, s, capacity.StaticLimits(limits), s, mq)
	exec := &stubExecutor{status: status}
	pool := worker.NewPool(s, ctrl, mq, exec,
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)
	return ctrl, s, mq, pool, exec
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPoolExecutesClaimedRunToCompletion(t *testing.T) {
	ctrl, s, _, pool, exec := newHarness(t, capacity.Limits{RunningCapacity: 1}, run.StatusPassed)
	ctx := context.Background()

	d, err := ctrl.Request(ctx, testOrg, admission.RunSpec{Engine: run.EngineBrowser})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop(ctx)

	waitFor(t, func() bool {
		r, gerr := s.GetRun(ctx, d.Run.ID)
		return gerr == nil && r.Status == run.StatusPassed
	})

	if exec.count() != 1 {
		t.Fatalf("executed = %d, want 1", exec.count())
	}
	running, _, _ := s.Counts(ctx, testOrg)
	if running != 0 {
		t.Fatalf("running = %d, want 0 after completion", running)
	}
}

func TestPoolPromotesDeferredAfterCompletion(t *testing.T) {
	ctrl, s, _, pool, _ := newHarness(t, capacity.Limits{RunningCapacity: 1, QueuedCapacity: 1}, run.StatusPassed)
	ctx := context.Background()

	first, err := ctrl.Request(ctx, testOrg, admission.RunSpec{Engine: run.EngineBrowser})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	second, err := ctrl.Request(ctx, testOrg, admission.RunSpec{Engine: run.EngineBrowser})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if second.Admitted {
		t.Fatal("second run should have queued")
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop(ctx)

	// The pool finishes the first run, promotes the second into the freed
	// slot, claims it, and finishes it too.
	waitFor(t, func() bool {
		a, aerr := s.GetRun(ctx, first.Run.ID)
		b, berr := s.GetRun(ctx, second.Run.ID)
		return aerr == nil && berr == nil &&
			a.Status == run.StatusPassed && b.Status == run.StatusPassed
	})

	running, queued, _ := s.Counts(ctx, testOrg)
	if running != 0 || queued != 0 {
		t.Fatalf("counts = %d/%d, want 0/0", running, queued)
	}
}

func TestPoolSkipsCancelledRun(t *testing.T) {
	ctrl, s, mq, pool, exec := newHarness(t, capacity.Limits{RunningCapacity: 1}, run.StatusPassed)
	ctx := context.Background()

	d, err := ctrl.Request(ctx, testOrg, admission.RunSpec{Engine: run.EngineBrowser})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	// Cancelled before any worker claimed it. The broker cancel drops the
	// job; re-add one pointing at the now-cancelled run to simulate the
	// claim racing the cancel.
	if _, err := ctrl.Cancel(ctx, d.Run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	brokerJobID, err := mq.Enqueue(ctx, broker.EnqueueRequest{Engine: run.EngineBrowser, RunID: d.Run.ID})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop(ctx)

	waitFor(t, func() bool {
		state, serr := mq.JobState(ctx, run.EngineBrowser, "", brokerJobID)
		return serr == nil && state == broker.StateFailed
	})

	if exec.count() != 0 {
		t.Fatal("a cancelled run must never reach the executor")
	}
	r, _ := s.GetRun(ctx, d.Run.ID)
	if r.Status != run.StatusCancelled {
		t.Fatalf("status = %q, want cancelled untouched", r.Status)
	}
}

func TestPoolRecordsErroredOutcome(t *testing.T) {
	ctrl, s, _, pool, _ := newHarness(t, capacity.Limits{RunningCapacity: 1}, run.StatusErrored)
	ctx := context.Background()

	d, err := ctrl.Request(ctx, testOrg, admission.RunSpec{Engine: run.EngineBrowser})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop(ctx)

	waitFor(t, func() bool {
		r, gerr := s.GetRun(ctx, d.Run.ID)
		return gerr == nil && r.Status == run.StatusErrored
	})
}

func TestPoolStopIsIdempotent(t *testing.T) {
	_, _, _, pool, _ := newHarness(t, capacity.Limits{RunningCapacity: 1}, run.StatusPassed)
	ctx := context.Background()

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
