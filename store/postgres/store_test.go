//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/run"
	"github.com/supercheck-io/supercheck-sub009/sched"
	"github.com/supercheck-io/supercheck-sub009/store/postgres"
)

// setupTestStore creates a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("supercheck_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	return store
}

func newTestRun(orgID string, status run.Status) *run.Run {
	return &run.Run{
		Entity:   supercheck.NewEntity(),
		ID:       id.NewRunID(),
		OrgID:    orgID,
		TestID:   "test-1",
		Engine:   run.EngineBrowser,
		Status:   status,
		Metadata: map[string]string{"branch": "main"},
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Run store
// ──────────────────────────────────────────────────

func TestRunStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newTestRun("org-1", run.StatusQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if dupErr := s.CreateRun(ctx, r); !errors.Is(dupErr, supercheck.ErrRunAlreadyExists) {
		t.Fatalf("duplicate err = %v, want ErrRunAlreadyExists", dupErr)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != r.ID || got.OrgID != "org-1" || got.Status != run.StatusQueued {
		t.Fatalf("got = %+v, want the created run", got)
	}
	if got.Metadata["branch"] != "main" {
		t.Fatalf("metadata = %v, want round-tripped", got.Metadata)
	}
	if got.JobID != nil {
		t.Fatalf("jobID = %v, want nil for ad-hoc runs", got.JobID)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, supercheck.ErrRunNotFound) {
		t.Fatalf("missing run err = %v, want ErrRunNotFound", err)
	}
}

func TestRunStore_JobIDRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	jobID := id.New("run")
	r := newTestRun("org-1", run.StatusQueued)
	r.JobID = &jobID
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.JobID == nil || *got.JobID != jobID {
		t.Fatalf("jobID = %v, want %s", got.JobID, jobID)
	}
}

func TestRunStore_UpdateStatusGuard(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newTestRun("org-1", run.StatusQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	// queued → passed skips running: rejected in the UPDATE itself.
	if _, err := s.UpdateRunStatus(ctx, r.ID, run.StatusPassed, time.Now().UTC()); !errors.Is(err, supercheck.ErrInvalidTransition) {
		t.Fatalf("queued→passed err = %v, want ErrInvalidTransition", err)
	}

	now := time.Now().UTC()
	running, err := s.UpdateRunStatus(ctx, r.ID, run.StatusRunning, now)
	if err != nil {
		t.Fatalf("queued→running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("StartedAt must be stamped on the running transition")
	}

	done, err := s.UpdateRunStatus(ctx, r.ID, run.StatusPassed, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("running→passed: %v", err)
	}
	if done.CompletedAt == nil || done.DurationMS < 1500 || done.DurationMS > 2500 {
		t.Fatalf("CompletedAt = %v, DurationMS = %d, want stamped ~2000", done.CompletedAt, done.DurationMS)
	}

	// Terminal rows never move again.
	if _, err := s.UpdateRunStatus(ctx, r.ID, run.StatusCancelled, time.Now().UTC()); !errors.Is(err, supercheck.ErrInvalidTransition) {
		t.Fatalf("passed→cancelled err = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.UpdateRunStatus(ctx, id.NewRunID(), run.StatusRunning, time.Now().UTC()); !errors.Is(err, supercheck.ErrRunNotFound) {
		t.Fatalf("missing run err = %v, want ErrRunNotFound", err)
	}
}

func TestRunStore_SetBrokerJobID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newTestRun("org-1", run.StatusQueued)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetBrokerJobID(ctx, r.ID, "bq-42"); err != nil {
		t.Fatalf("set broker job id: %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.BrokerJobID != "bq-42" {
		t.Fatalf("brokerJobID = %q, want bq-42", got.BrokerJobID)
	}

	if err := s.SetBrokerJobID(ctx, id.NewRunID(), "x"); !errors.Is(err, supercheck.ErrRunNotFound) {
		t.Fatalf("missing run err = %v, want ErrRunNotFound", err)
	}
}

func TestRunStore_ListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := newTestRun("org-1", run.StatusRunning)
	second := newTestRun("org-1", run.StatusQueued)
	finished := newTestRun("org-1", run.StatusQueued)
	for _, r := range []*run.Run{first, second, finished} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := s.UpdateRunStatus(ctx, finished.ID, run.StatusCancelled, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	active, err := s.ListActiveRuns(ctx, "org-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 || active[0].ID != first.ID || active[1].ID != second.ID {
		t.Fatalf("active = %v, want [first second] in creation order", active)
	}

	running, queued, err := s.CountActive(ctx, "org-1")
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if running != 1 || queued != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", running, queued)
	}

	cancelled, err := s.ListRuns(ctx, "org-1", run.ListOpts{Status: run.StatusCancelled})
	if err != nil || len(cancelled) != 1 {
		t.Fatalf("cancelled = %d (%v), want 1", len(cancelled), err)
	}

	orgs, err := s.ListActiveOrgs(ctx)
	if err != nil || len(orgs) != 1 || orgs[0] != "org-1" {
		t.Fatalf("orgs = %v (%v), want [org-1]", orgs, err)
	}
}

// ──────────────────────────────────────────────────
// Schedule handles
// ──────────────────────────────────────────────────

func TestSchedStore_HandleLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	jobID := id.New("run")
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	h := &sched.Handle{
		Entity:           supercheck.NewEntity(),
		ID:               id.NewScheduleID(),
		JobID:            jobID,
		Name:             "nightly",
		Cron:             "0 3 * * *",
		BrokerScheduleID: "sched-1",
		NextRunAt:        &next,
	}
	if err := s.CreateHandle(ctx, h); err != nil {
		t.Fatalf("create handle: %v", err)
	}

	// The unique job index enforces at most one live handle per job.
	dup := &sched.Handle{
		Entity: supercheck.NewEntity(),
		ID:     id.NewScheduleID(),
		JobID:  jobID,
		Cron:   "30 4 * * *",
	}
	if err := s.CreateHandle(ctx, dup); !errors.Is(err, supercheck.ErrDuplicateHandle) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateHandle", err)
	}

	got, err := s.GetHandleByJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get by job: %v", err)
	}
	if got.ID != h.ID || got.Cron != "0 3 * * *" || got.BrokerScheduleID != "sched-1" {
		t.Fatalf("got = %+v, want the created handle", got)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("nextRunAt = %v, want %v", got.NextRunAt, next)
	}

	if err := s.DeleteHandle(ctx, h.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetHandle(ctx, h.ID); !errors.Is(err, supercheck.ErrScheduleNotFound) {
		t.Fatalf("deleted handle err = %v, want ErrScheduleNotFound", err)
	}
	if err := s.DeleteHandle(ctx, h.ID); !errors.Is(err, supercheck.ErrScheduleNotFound) {
		t.Fatalf("second delete err = %v, want ErrScheduleNotFound", err)
	}
}
