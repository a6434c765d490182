package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/run"
	"github.com/supercheck-io/supercheck-sub009/sched"
	"github.com/supercheck-io/supercheck-sub009/store/memory"
)

func newRun(orgID string, status run.Status) *run.Run {
	return &run.Run{
		Entity: supercheck.NewEntity(),
		ID:     id.NewRunID(),
		OrgID:  orgID,
		Engine: run.EngineBrowser,
		Status: status,
	}
}

// ──────────────────────────────────────────────────
// Run store
// ──────────────────────────────────────────────────

func TestCreateRunRejectsDuplicates(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	r := newRun("org-1", run.StatusQueued)

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, r); !errors.Is(err, supercheck.ErrRunAlreadyExists) {
		t.Fatalf("duplicate CreateRun err = %v, want ErrRunAlreadyExists", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := memory.New()
	if _, err := s.GetRun(context.Background(), id.NewRunID()); !errors.Is(err, supercheck.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestUpdateRunStatusEnforcesMonotonicGuard(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	r := newRun("org-1", run.StatusQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	now := time.Now().UTC()
	updated, err := s.UpdateRunStatus(ctx, r.ID, run.StatusRunning, now)
	if err != nil {
		t.Fatalf("queued→running: %v", err)
	}
	if updated.StartedAt == nil || !updated.StartedAt.Equal(now) {
		t.Fatalf("StartedAt = %v, want %v", updated.StartedAt, now)
	}

	later := now.Add(3 * time.Second)
	done, err := s.UpdateRunStatus(ctx, r.ID, run.StatusPassed, later)
	if err != nil {
		t.Fatalf("running→passed: %v", err)
	}
	if done.CompletedAt == nil || done.DurationMS != 3000 {
		t.Fatalf("CompletedAt = %v, DurationMS = %d, want stamped/3000", done.CompletedAt, done.DurationMS)
	}

	// Terminal is immutable.
	if _, err := s.UpdateRunStatus(ctx, r.ID, run.StatusCancelled, later); !errors.Is(err, supercheck.ErrInvalidTransition) {
		t.Fatalf("passed→cancelled err = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateRunStatusRejectsQueuedToTerminalOutcome(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	r := newRun("org-1", run.StatusQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// A queued run never produced a result; passed is unreachable.
	if _, err := s.UpdateRunStatus(ctx, r.ID, run.StatusPassed, time.Now()); !errors.Is(err, supercheck.ErrInvalidTransition) {
		t.Fatalf("queued→passed err = %v, want ErrInvalidTransition", err)
	}
	// Revocations are allowed.
	if _, err := s.UpdateRunStatus(ctx, r.ID, run.StatusBlocked, time.Now()); err != nil {
		t.Fatalf("queued→blocked: %v", err)
	}
}

func TestListActiveRunsFiltersAndOrders(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first := newRun("org-1", run.StatusRunning)
	second := newRun("org-1", run.StatusQueued)
	terminal := newRun("org-1", run.StatusPassed)
	other := newRun("org-2", run.StatusRunning)
	for _, r := range []*run.Run{first, second, terminal, other} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	active, err := s.ListActiveRuns(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListActiveRuns: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	// Run IDs are K-sortable: creation order is ID order.
	if active[0].ID != first.ID || active[1].ID != second.ID {
		t.Fatalf("active order = [%s %s], want creation order", active[0].ID, active[1].ID)
	}
}

func TestCountActive(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for _, st := range []run.Status{run.StatusRunning, run.StatusRunning, run.StatusQueued, run.StatusFailed} {
		if err := s.CreateRun(ctx, newRun("org-1", st)); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	running, queued, err := s.CountActive(ctx, "org-1")
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if running != 2 || queued != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", running, queued)
	}
}

// ──────────────────────────────────────────────────
// Capacity store
// ──────────────────────────────────────────────────

func TestTryAcquireRespectsLimits(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	limits := capacity.Limits{RunningCapacity: 1, QueuedCapacity: 1}

	ok, err := s.TryAcquireRunning(ctx, "org-1", limits)
	if err != nil || !ok {
		t.Fatalf("first TryAcquireRunning = (%v, %v), want taken", ok, err)
	}
	ok, _ = s.TryAcquireRunning(ctx, "org-1", limits)
	if ok {
		t.Fatal("second TryAcquireRunning must refuse at the limit")
	}

	ok, _ = s.TryAcquireQueued(ctx, "org-1", limits)
	if !ok {
		t.Fatal("TryAcquireQueued should take the free queued slot")
	}
	ok, _ = s.TryAcquireQueued(ctx, "org-1", limits)
	if ok {
		t.Fatal("TryAcquireQueued must refuse at the limit")
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.ReleaseRunning(ctx, "org-1"); err != nil {
		t.Fatalf("ReleaseRunning: %v", err)
	}
	running, queued, _ := s.Counts(ctx, "org-1")
	if running != 0 || queued != 0 {
		t.Fatalf("counts = %d/%d, want 0/0", running, queued)
	}
}

func TestPromoteQueuedShiftsOneUnit(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	limits := capacity.Limits{RunningCapacity: 1, QueuedCapacity: 1}

	if _, err := s.TryAcquireQueued(ctx, "org-1", limits); err != nil {
		t.Fatalf("TryAcquireQueued: %v", err)
	}

	ok, err := s.PromoteQueued(ctx, "org-1", limits)
	if err != nil || !ok {
		t.Fatalf("PromoteQueued = (%v, %v), want promoted", ok, err)
	}
	running, queued, _ := s.Counts(ctx, "org-1")
	if running != 1 || queued != 0 {
		t.Fatalf("counts = %d/%d, want 1/0", running, queued)
	}

	// Running is full: a second promotion must refuse.
	ok, _ = s.PromoteQueued(ctx, "org-1", limits)
	if ok {
		t.Fatal("PromoteQueued must refuse with no free running slot")
	}
}

func TestConcurrentAcquireNeverOvershoots(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	limits := capacity.Limits{RunningCapacity: 7, QueuedCapacity: 0}

	var wg sync.WaitGroup
	taken := make(chan struct{}, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryAcquireRunning(ctx, "org-1", limits)
			if err != nil {
				t.Errorf("TryAcquireRunning: %v", err)
				return
			}
			if ok {
				taken <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(taken)

	if got := len(taken); got != 7 {
		t.Fatalf("slots taken = %d, want exactly 7", got)
	}
	running, _, _ := s.Counts(ctx, "org-1")
	if running != 7 {
		t.Fatalf("running = %d, want 7", running)
	}
}

// ──────────────────────────────────────────────────
// Position ledger
// ──────────────────────────────────────────────────

func TestLedgerOrdersByEnqueueTime(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	base := time.Now().UTC()

	a, b, c := id.NewRunID(), id.NewRunID(), id.NewRunID()
	// Recorded out of order; the ledger sorts by enqueue time.
	if err := s.RecordQueued(ctx, "org-1", b, base.Add(time.Second)); err != nil {
		t.Fatalf("RecordQueued: %v", err)
	}
	if err := s.RecordQueued(ctx, "org-1", a, base); err != nil {
		t.Fatalf("RecordQueued: %v", err)
	}
	if err := s.RecordQueued(ctx, "org-1", c, base.Add(2*time.Second)); err != nil {
		t.Fatalf("RecordQueued: %v", err)
	}

	ordered, err := s.ListOrdered(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListOrdered: %v", err)
	}
	if len(ordered) != 3 || ordered[0] != a || ordered[1] != b || ordered[2] != c {
		t.Fatalf("order = %v, want [a b c]", ordered)
	}

	rank, err := s.Rank(ctx, "org-1", b)
	if err != nil || rank != 1 {
		t.Fatalf("Rank(b) = (%d, %v), want (1, nil)", rank, err)
	}
}

func TestLedgerRemoveIsIdempotent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	runID := id.NewRunID()

	if err := s.RecordQueued(ctx, "org-1", runID, time.Now()); err != nil {
		t.Fatalf("RecordQueued: %v", err)
	}
	if err := s.RemoveQueued(ctx, "org-1", runID); err != nil {
		t.Fatalf("RemoveQueued: %v", err)
	}
	// A second remove (cancel racing promotion) is a no-op.
	if err := s.RemoveQueued(ctx, "org-1", runID); err != nil {
		t.Fatalf("second RemoveQueued: %v", err)
	}
	if _, err := s.Rank(ctx, "org-1", runID); !errors.Is(err, supercheck.ErrNotQueued) {
		t.Fatalf("Rank err = %v, want ErrNotQueued", err)
	}
}

// ──────────────────────────────────────────────────
// Schedule handles
// ──────────────────────────────────────────────────

func TestCreateHandleRejectsSecondLiveHandlePerJob(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	jobID := id.New("run") // any prefix works for a job reference

	h1 := &sched.Handle{Entity: supercheck.NewEntity(), ID: id.NewScheduleID(), JobID: jobID, Cron: "0 * * * *"}
	if err := s.CreateHandle(ctx, h1); err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}

	h2 := &sched.Handle{Entity: supercheck.NewEntity(), ID: id.NewScheduleID(), JobID: jobID, Cron: "30 * * * *"}
	if err := s.CreateHandle(ctx, h2); !errors.Is(err, supercheck.ErrDuplicateHandle) {
		t.Fatalf("second CreateHandle err = %v, want ErrDuplicateHandle", err)
	}

	got, err := s.GetHandleByJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetHandleByJob: %v", err)
	}
	if got.ID != h1.ID {
		t.Fatalf("live handle = %s, want the first", got.ID)
	}
}

func TestDeleteHandleNotFound(t *testing.T) {
	s := memory.New()
	if err := s.DeleteHandle(context.Background(), id.NewScheduleID()); !errors.Is(err, supercheck.ErrScheduleNotFound) {
		t.Fatalf("err = %v, want ErrScheduleNotFound", err)
	}
}
