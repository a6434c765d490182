// Package admission implements capacity-aware admission control for test
// runs. Every run enters the system through Controller.Request, which
// decides admit / queue / reject against the organization's plan limits
// in a single atomic counter operation, then dispatches to the broker.
//
// The controller is the only writer of terminal run statuses and the only
// party that moves capacity counters, so the invariant "running never
// exceeds runningCapacity at a committed state" has exactly one owner.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/hook"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/ledger"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// RunSpec describes one admission request.
type RunSpec struct {
	// JobID is the job definition being materialized. Nil for ad-hoc runs.
	JobID *id.ID

	ProjectID string
	TestID    string

	Engine   run.Engine
	Location string

	// Metadata is carried opaquely into the run record and the broker
	// payload.
	Metadata map[string]string

	// RetryLimit is how many times the broker may retry the job.
	RetryLimit int
}

// Decision is the outcome of an admission or cancel request.
type Decision struct {
	// Admitted means the run went straight into the running set.
	Admitted bool

	// Run is the persisted run record.
	Run *run.Run

	// QueuePosition is the 1-based FIFO position for queued runs. Zero
	// when admitted directly or when the position ledger was unavailable.
	QueuePosition int

	// AlreadyFinished marks an idempotent cancel of a run that had
	// already reached a terminal status.
	AlreadyFinished bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithHooks attaches a lifecycle hook registry.
func WithHooks(r *hook.Registry) Option {
	return func(c *Controller) { c.hooks = r }
}

// WithConfig overrides the timeout configuration.
func WithConfig(cfg supercheck.Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// Controller coordinates the run store, capacity counters, position
// ledger and broker for the full run lifecycle.
type Controller struct {
	runs   run.Store
	caps   capacity.Store
	limits capacity.LimitProvider
	queue  ledger.Ledger
	mq     broker.Broker
	hooks  *hook.Registry
	logger *slog.Logger
	cfg    supercheck.Config
}

// New creates a Controller. All five collaborators are required.
func New(runs run.Store, caps capacity.Store, limits capacity.LimitProvider, queue ledger.Ledger, mq broker.Broker, opts ...Option) *Controller {
	c := &Controller{
		runs:   runs,
		caps:   caps,
		limits: limits,
		queue:  queue,
		mq:     mq,
		hooks:  hook.NewRegistry(slog.Default()),
		logger: slog.Default(),
		cfg:    supercheck.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// bound attaches the store timeout when the caller supplied no deadline.
func (c *Controller) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.StoreTimeout)
}

// Request admits, queues, or rejects a new run for the organization.
//
// The capacity decision is a single conditional counter operation per
// organization; two concurrent requests can never both be admitted past
// the limit. A counter store that cannot answer fails the request closed.
// A broker dispatch failure after the counter was taken is compensated by
// decrementing the counter before the error surfaces, so a failed
// dispatch never leaks a slot.
func (c *Controller) Request(ctx context.Context, orgID string, spec RunSpec) (*Decision, error) {
	if !spec.Engine.Valid() {
		return nil, fmt.Errorf("admission: request: unknown engine %q", spec.Engine)
	}

	limits, err := c.limits.Limits(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("admission: resolve limits: %w", err)
	}

	if limits.RunningCapacity == 0 && limits.QueuedCapacity == 0 {
		c.emitRejected(ctx, orgID, spec.Engine, limits, supercheck.ErrPlanLimit)
		return nil, supercheck.ErrPlanLimit
	}

	cctx, cancel := c.bound(ctx)
	gotRunning, err := c.caps.TryAcquireRunning(cctx, orgID, limits)
	cancel()
	if err != nil {
		// Fail closed. An unanswerable counter must reject, never admit.
		return nil, fmt.Errorf("admission: capacity store: %w", err)
	}
	if gotRunning {
		return c.admit(ctx, orgID, spec)
	}

	cctx, cancel = c.bound(ctx)
	gotQueued, err := c.caps.TryAcquireQueued(cctx, orgID, limits)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("admission: capacity store: %w", err)
	}
	if gotQueued {
		return c.enqueue(ctx, orgID, spec)
	}

	c.emitRejected(ctx, orgID, spec.Engine, limits, supercheck.ErrCapacityExceeded)
	return nil, supercheck.ErrCapacityExceeded
}

// admit dispatches a run straight into the running set. The running slot
// is already held.
func (c *Controller) admit(ctx context.Context, orgID string, spec RunSpec) (*Decision, error) {
	now := time.Now().UTC()
	r := newRun(orgID, spec)
	r.Status = run.StatusRunning
	r.StartedAt = &now

	if err := c.runs.CreateRun(ctx, r); err != nil {
		c.release(ctx, orgID, c.caps.ReleaseRunning)
		return nil, fmt.Errorf("admission: persist run: %w", err)
	}

	brokerJobID, err := c.dispatch(ctx, r, spec, false)
	if err != nil {
		c.release(ctx, orgID, c.caps.ReleaseRunning)
		// The record exists but nothing will ever execute it.
		if _, uerr := c.runs.UpdateRunStatus(ctx, r.ID, run.StatusErrored, time.Now().UTC()); uerr != nil {
			c.logger.Warn("failed to mark undispatched run errored",
				slog.String("run_id", r.ID.String()),
				slog.String("error", uerr.Error()),
			)
		}
		return nil, err
	}
	r.BrokerJobID = brokerJobID

	c.hooks.EmitRunAdmitted(ctx, r)
	c.logger.Info("run admitted",
		slog.String("run_id", r.ID.String()),
		slog.String("org_id", orgID),
		slog.String("engine", string(spec.Engine)),
		slog.String("lane", broker.Lane(spec.Engine, spec.Location)),
	)
	return &Decision{Admitted: true, Run: r}, nil
}

// enqueue defers a run into the waiting queue. The queued slot is already
// held.
func (c *Controller) enqueue(ctx context.Context, orgID string, spec RunSpec) (*Decision, error) {
	r := newRun(orgID, spec)
	r.Status = run.StatusQueued

	if err := c.runs.CreateRun(ctx, r); err != nil {
		c.release(ctx, orgID, c.caps.ReleaseQueued)
		return nil, fmt.Errorf("admission: persist run: %w", err)
	}

	brokerJobID, err := c.dispatch(ctx, r, spec, true)
	if err != nil {
		c.release(ctx, orgID, c.caps.ReleaseQueued)
		if _, uerr := c.runs.UpdateRunStatus(ctx, r.ID, run.StatusBlocked, time.Now().UTC()); uerr != nil {
			c.logger.Warn("failed to mark undispatched run blocked",
				slog.String("run_id", r.ID.String()),
				slog.String("error", uerr.Error()),
			)
		}
		return nil, err
	}
	r.BrokerJobID = brokerJobID

	position := 0
	lctx, cancel := c.bound(ctx)
	if lerr := c.queue.RecordQueued(lctx, orgID, r.ID, r.CreatedAt); lerr != nil {
		// Readers degrade to run-record insertion order; the position in
		// this response is simply unknown.
		c.logger.Warn("position ledger unavailable, queue position unknown",
			slog.String("run_id", r.ID.String()),
			slog.String("error", lerr.Error()),
		)
	} else if rank, rerr := c.queue.Rank(lctx, orgID, r.ID); rerr == nil {
		position = int(rank) + 1
	}
	cancel()

	c.hooks.EmitRunQueued(ctx, r)
	c.logger.Info("run queued",
		slog.String("run_id", r.ID.String()),
		slog.String("org_id", orgID),
		slog.Int("position", position),
	)
	return &Decision{Admitted: false, Run: r, QueuePosition: position}, nil
}

// dispatch hands the run to the broker, immediate or deferred. Failures
// come back wrapped in ErrEnqueueFailed and with the broker job ID
// recorded when the dispatch itself succeeded.
func (c *Controller) dispatch(ctx context.Context, r *run.Run, spec RunSpec, deferred bool) (string, error) {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
	defer cancel()

	brokerJobID, err := c.mq.Enqueue(bctx, broker.EnqueueRequest{
		Engine:     spec.Engine,
		Location:   spec.Location,
		RunID:      r.ID,
		Deferred:   deferred,
		RetryLimit: spec.RetryLimit,
	})
	if err != nil {
		return "", fmt.Errorf("admission: %w: %v", supercheck.ErrEnqueueFailed, err)
	}

	if err := c.runs.SetBrokerJobID(ctx, r.ID, brokerJobID); err != nil {
		// Non-fatal: the reconciler treats a missing broker ID as
		// unverifiable and trusts the database row.
		c.logger.Warn("failed to record broker job id",
			slog.String("run_id", r.ID.String()),
			slog.String("broker_job_id", brokerJobID),
			slog.String("error", err.Error()),
		)
	}
	return brokerJobID, nil
}

// HandlePromotion moves a queued run into the running set. The broker-side
// worker invokes it when it activates a deferred job; promotion is never
// discovered by polling.
//
// Returns ErrCapacityExceeded (wrapped) when no running slot is free, in
// which case the job must stay deferred.
func (c *Controller) HandlePromotion(ctx context.Context, runID id.RunID) error {
	r, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("admission: promotion: %w", err)
	}
	if r.Status != run.StatusQueued {
		// Promotion raced a cancel or a duplicate signal. Nothing to do.
		return nil
	}

	limits, err := c.limits.Limits(ctx, r.OrgID)
	if err != nil {
		return fmt.Errorf("admission: promotion: resolve limits: %w", err)
	}

	cctx, cancel := c.bound(ctx)
	promoted, err := c.caps.PromoteQueued(cctx, r.OrgID, limits)
	cancel()
	if err != nil {
		return fmt.Errorf("admission: promotion: capacity store: %w", err)
	}
	if !promoted {
		return fmt.Errorf("admission: promotion: %w", supercheck.ErrCapacityExceeded)
	}

	lctx, cancel := c.bound(ctx)
	if lerr := c.queue.RemoveQueued(lctx, r.OrgID, runID); lerr != nil {
		c.logger.Warn("failed to remove ledger entry on promotion",
			slog.String("run_id", runID.String()),
			slog.String("error", lerr.Error()),
		)
	}
	cancel()

	now := time.Now().UTC()
	updated, err := c.runs.UpdateRunStatus(ctx, runID, run.StatusRunning, now)
	if err != nil {
		if errors.Is(err, supercheck.ErrInvalidTransition) {
			// A cancel won the race after the counter shift. Undo the
			// running increment; the queued side clamps at zero.
			c.release(ctx, r.OrgID, c.caps.ReleaseRunning)
			return nil
		}
		return fmt.Errorf("admission: promotion: %w", err)
	}

	c.hooks.EmitRunPromoted(ctx, updated, now.Sub(updated.CreatedAt))
	c.logger.Info("run promoted",
		slog.String("run_id", runID.String()),
		slog.String("org_id", r.OrgID),
	)
	return nil
}

// Complete records a run's terminal status and frees its capacity slot.
// It is the single designated writer for worker-reported outcomes;
// backward transitions are rejected by the run store's monotonic guard.
func (c *Controller) Complete(ctx context.Context, runID id.RunID, to run.Status) (*run.Run, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("admission: complete: %q is not a terminal status", to)
	}

	prev, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("admission: complete: %w", err)
	}

	now := time.Now().UTC()
	updated, err := c.runs.UpdateRunStatus(ctx, runID, to, now)
	if err != nil {
		if errors.Is(err, supercheck.ErrInvalidTransition) && prev.Status.Terminal() {
			return prev, supercheck.ErrAlreadyTerminal
		}
		return nil, fmt.Errorf("admission: complete: %w", err)
	}

	switch prev.Status {
	case run.StatusRunning:
		c.release(ctx, prev.OrgID, c.caps.ReleaseRunning)
	case run.StatusQueued:
		c.release(ctx, prev.OrgID, c.caps.ReleaseQueued)
		lctx, cancel := c.bound(ctx)
		if lerr := c.queue.RemoveQueued(lctx, prev.OrgID, runID); lerr != nil {
			c.logger.Warn("failed to remove ledger entry on completion",
				slog.String("run_id", runID.String()),
				slog.String("error", lerr.Error()),
			)
		}
		cancel()
	}

	c.hooks.EmitRunFinished(ctx, updated, elapsed(updated))
	c.logger.Info("run finished",
		slog.String("run_id", runID.String()),
		slog.String("org_id", updated.OrgID),
		slog.String("status", string(to)),
	)
	return updated, nil
}

// Cancel cancels a run. Queued runs have their ledger entry removed and
// queued slot freed; running runs get a cooperative broker cancel and
// their running slot freed. Cancelling an already-terminal run is an
// idempotent no-op reported through Decision.AlreadyFinished — the
// capacity counter is never decremented twice for one run.
func (c *Controller) Cancel(ctx context.Context, runID id.RunID) (*Decision, error) {
	prev, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("admission: cancel: %w", err)
	}
	if prev.Status.Terminal() {
		return &Decision{Run: prev, AlreadyFinished: true}, nil
	}

	// The status transition is the race arbiter: whoever commits the
	// terminal status owns the counter decrement.
	now := time.Now().UTC()
	updated, err := c.runs.UpdateRunStatus(ctx, runID, run.StatusCancelled, now)
	if err != nil {
		if errors.Is(err, supercheck.ErrInvalidTransition) {
			r, gerr := c.runs.GetRun(ctx, runID)
			if gerr != nil {
				return nil, fmt.Errorf("admission: cancel: %w", gerr)
			}
			return &Decision{Run: r, AlreadyFinished: true}, nil
		}
		return nil, fmt.Errorf("admission: cancel: %w", err)
	}

	switch prev.Status {
	case run.StatusQueued:
		lctx, cancel := c.bound(ctx)
		if lerr := c.queue.RemoveQueued(lctx, prev.OrgID, runID); lerr != nil {
			c.logger.Warn("failed to remove ledger entry on cancel",
				slog.String("run_id", runID.String()),
				slog.String("error", lerr.Error()),
			)
		}
		cancel()
		c.release(ctx, prev.OrgID, c.caps.ReleaseQueued)
	case run.StatusRunning:
		c.release(ctx, prev.OrgID, c.caps.ReleaseRunning)
	}

	// Best effort. A cancel the broker never hears about is caught when
	// the worker checks the run status before executing.
	if prev.BrokerJobID != "" {
		bctx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
		if berr := c.mq.Cancel(bctx, prev.Engine, prev.Location, prev.BrokerJobID); berr != nil {
			c.logger.Warn("broker cancel failed",
				slog.String("run_id", runID.String()),
				slog.String("broker_job_id", prev.BrokerJobID),
				slog.String("error", berr.Error()),
			)
		}
		cancel()
	}

	c.hooks.EmitRunCancelled(ctx, updated)
	c.logger.Info("run cancelled",
		slog.String("run_id", runID.String()),
		slog.String("org_id", prev.OrgID),
		slog.String("was", string(prev.Status)),
	)
	return &Decision{Run: updated}, nil
}

// Snapshot returns the organization's live counters paired with its plan
// limits.
func (c *Controller) Snapshot(ctx context.Context, orgID string) (capacity.Snapshot, error) {
	limits, err := c.limits.Limits(ctx, orgID)
	if err != nil {
		return capacity.Snapshot{}, fmt.Errorf("admission: snapshot: %w", err)
	}
	cctx, cancel := c.bound(ctx)
	defer cancel()
	snap, err := capacity.SnapshotOf(cctx, c.caps, orgID, limits)
	if err != nil {
		return capacity.Snapshot{}, fmt.Errorf("admission: snapshot: %w", err)
	}
	return snap, nil
}

// Recount rebuilds the organization's counters from the run store. The
// recovery path after a counter cache loss.
func (c *Controller) Recount(ctx context.Context, orgID string) error {
	running, queued, err := c.runs.CountActive(ctx, orgID)
	if err != nil {
		return fmt.Errorf("admission: recount: %w", err)
	}
	cctx, cancel := c.bound(ctx)
	defer cancel()
	if err := c.caps.Reset(cctx, orgID, running, queued); err != nil {
		return fmt.Errorf("admission: recount: %w", err)
	}
	c.logger.Info("capacity counters recounted",
		slog.String("org_id", orgID),
		slog.Int64("running", running),
		slog.Int64("queued", queued),
	)
	return nil
}

// release decrements a counter, logging instead of failing: the slot was
// real, and an unreleased slot self-heals on the next recount.
func (c *Controller) release(ctx context.Context, orgID string, fn func(context.Context, string) error) {
	cctx, cancel := c.bound(ctx)
	defer cancel()
	if err := fn(cctx, orgID); err != nil {
		c.logger.Error("capacity release failed, counter drift until recount",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) emitRejected(ctx context.Context, orgID string, engine run.Engine, limits capacity.Limits, reason error) {
	snap := capacity.Snapshot{
		RunningCapacity: limits.RunningCapacity,
		QueuedCapacity:  limits.QueuedCapacity,
	}
	cctx, cancel := c.bound(ctx)
	if running, queued, err := c.caps.Counts(cctx, orgID); err == nil {
		snap.Running, snap.Queued = running, queued
	}
	cancel()
	c.hooks.EmitRunRejected(ctx, orgID, engine, snap, reason)
	c.logger.Info("run rejected",
		slog.String("org_id", orgID),
		slog.String("engine", string(engine)),
		slog.String("reason", reason.Error()),
	)
}

func newRun(orgID string, spec RunSpec) *run.Run {
	return &run.Run{
		Entity:    supercheck.NewEntity(),
		ID:        id.NewRunID(),
		JobID:     spec.JobID,
		OrgID:     orgID,
		ProjectID: spec.ProjectID,
		TestID:    spec.TestID,
		Engine:    spec.Engine,
		Location:  spec.Location,
		Metadata:  spec.Metadata,
	}
}

func elapsed(r *run.Run) time.Duration {
	if r.StartedAt != nil && r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.CreatedAt)
	}
	return 0
}
