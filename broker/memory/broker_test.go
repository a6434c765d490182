package memory_test

import (
	"context"
	"errors"
	"testing"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/broker/memory"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/run"
)

func TestLaneRouting(t *testing.T) {
	cases := []struct {
		engine   run.Engine
		location string
		want     string
	}{
		{run.EngineBrowser, "", "browser"},
		{run.EngineBrowser, "eu-west", "browser"},
		{run.EngineLoad, "eu-west", "load:eu-west"},
		{run.EngineLoad, "", "load:default"},
	}
	for _, tc := range cases {
		if got := broker.Lane(tc.engine, tc.location); got != tc.want {
			t.Errorf("Lane(%s, %q) = %q, want %q", tc.engine, tc.location, got, tc.want)
		}
	}
}

func TestEnqueueClaimRoundTrip(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	runID := id.NewRunID()

	jobID, err := b.Enqueue(ctx, broker.EnqueueRequest{
		Engine:   run.EngineLoad,
		Location: "us-east",
		RunID:    runID,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The wrong lane sees nothing.
	payload, _, err := b.Claim(ctx, "browser")
	if err != nil || payload != nil {
		t.Fatalf("Claim(browser) = (%v, %v), want empty", payload, err)
	}

	payload, claimedID, err := b.Claim(ctx, "load:us-east")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if payload == nil || payload.RunID != runID.String() || claimedID != jobID {
		t.Fatalf("Claim = (%+v, %s), want the enqueued job", payload, claimedID)
	}

	state, err := b.JobState(ctx, run.EngineLoad, "us-east", jobID)
	if err != nil || state != broker.StateActive {
		t.Fatalf("JobState after claim = (%s, %v), want active", state, err)
	}

	// Claimed jobs are not claimable again.
	payload, _, err = b.Claim(ctx, "load:us-east")
	if err != nil || payload != nil {
		t.Fatalf("second Claim = (%v, %v), want empty", payload, err)
	}
}

func TestClaimIsFIFO(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	first := id.NewRunID()
	second := id.NewRunID()
	for _, runID := range []id.RunID{first, second} {
		if _, err := b.Enqueue(ctx, broker.EnqueueRequest{Engine: run.EngineBrowser, RunID: runID}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	payload, _, err := b.Claim(ctx, "browser")
	if err != nil || payload == nil || payload.RunID != first.String() {
		t.Fatalf("first Claim = (%+v, %v), want the oldest job", payload, err)
	}
}

func TestDeferredJobsWaitForPromotion(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	runID := id.NewRunID()

	jobID, err := b.Enqueue(ctx, broker.EnqueueRequest{
		Engine:   run.EngineBrowser,
		RunID:    runID,
		Deferred: true,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Deferred jobs are invisible to Claim but visible to NextDeferred.
	payload, _, err := b.Claim(ctx, "browser")
	if err != nil || payload != nil {
		t.Fatalf("Claim of deferred = (%v, %v), want empty", payload, err)
	}
	gotRun, gotJob, err := b.NextDeferred(ctx, "browser")
	if err != nil || gotRun != runID.String() || gotJob != jobID {
		t.Fatalf("NextDeferred = (%s, %s, %v), want the deferred job", gotRun, gotJob, err)
	}

	if err := b.Promote(ctx, run.EngineBrowser, "", jobID); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	payload, _, err = b.Claim(ctx, "browser")
	if err != nil || payload == nil {
		t.Fatalf("Claim after promote = (%v, %v), want the job", payload, err)
	}
}

func TestCancelRemovesJob(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	jobID, err := b.Enqueue(ctx, broker.EnqueueRequest{Engine: run.EngineBrowser, RunID: id.NewRunID()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.Cancel(ctx, run.EngineBrowser, "", jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	state, err := b.JobState(ctx, run.EngineBrowser, "", jobID)
	if err != nil || state != broker.StateUnknown {
		t.Fatalf("JobState after cancel = (%s, %v), want unknown", state, err)
	}
	// Cancelling an unknown job is a no-op.
	if err := b.Cancel(ctx, run.EngineBrowser, "", "nope"); err != nil {
		t.Fatalf("Cancel of unknown job: %v", err)
	}
}

func TestMarkDoneRecordsTerminalState(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	jobID, err := b.Enqueue(ctx, broker.EnqueueRequest{Engine: run.EngineBrowser, RunID: id.NewRunID()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.MarkDone(ctx, jobID, false); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	state, _ := b.JobState(ctx, run.EngineBrowser, "", jobID)
	if state != broker.StateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
}

func TestUnavailableBrokerFailsEverything(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	b.SetUnavailable(true)

	_, err := b.Enqueue(ctx, broker.EnqueueRequest{Engine: run.EngineBrowser, RunID: id.NewRunID()})
	if !errors.Is(err, supercheck.ErrBrokerUnavailable) {
		t.Fatalf("Enqueue err = %v, want ErrBrokerUnavailable", err)
	}
	if _, _, err := b.Claim(ctx, "browser"); !errors.Is(err, supercheck.ErrBrokerUnavailable) {
		t.Fatalf("Claim err = %v, want ErrBrokerUnavailable", err)
	}
	if _, err := b.JobState(ctx, run.EngineBrowser, "", "x"); !errors.Is(err, supercheck.ErrBrokerUnavailable) {
		t.Fatalf("JobState err = %v, want ErrBrokerUnavailable", err)
	}
}

func TestRecurringLifecycle(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	schedID, err := b.RegisterRecurring(ctx, broker.RecurringSpec{Name: "nightly", Cron: "0 3 * * *"})
	if err != nil {
		t.Fatalf("RegisterRecurring: %v", err)
	}
	ids, err := b.ListRecurringIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != schedID {
		t.Fatalf("ListRecurringIDs = (%v, %v), want the one schedule", ids, err)
	}

	if err := b.DeleteRecurring(ctx, schedID); err != nil {
		t.Fatalf("DeleteRecurring: %v", err)
	}
	ids, _ = b.ListRecurringIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("schedules = %d, want 0", len(ids))
	}
}
