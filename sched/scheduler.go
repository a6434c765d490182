// Package sched persists cron schedules for recurring jobs and keeps them
// in lockstep with the broker's recurring triggers. The invariant it
// defends: at most one live handle per job — a cron change replaces the
// handle (create new, delete old), never leaving both or neither.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/id"
)

// NextRunFunc computes the next fire time of a cron expression strictly
// after from. The calendar library is a swappable capability, not a hard
// dependency; DefaultNextRun wraps robfig/cron.
type NextRunFunc func(expr string, from time.Time) (time.Time, error)

// cronParser supports standard 5-field cron and descriptors like "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// DefaultNextRun is the robfig/cron-backed NextRunFunc.
func DefaultNextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("sched: parse cron %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNextRun replaces the cron calendar capability.
func WithNextRun(fn NextRunFunc) Option {
	return func(s *Scheduler) { s.nextRun = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler registers and replaces recurring triggers. The broker fires
// the triggers; materialized runs flow through the ordinary admission
// path.
type Scheduler struct {
	handles Store
	mq      broker.Broker
	nextRun NextRunFunc
	logger  *slog.Logger
}

// New creates a Scheduler.
func New(handles Store, mq broker.Broker, opts ...Option) *Scheduler {
	s := &Scheduler{
		handles: handles,
		mq:      mq,
		nextRun: DefaultNextRun,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ComputeNextRun computes the next fire time for expr after from.
func (s *Scheduler) ComputeNextRun(expr string, from time.Time) (time.Time, error) {
	return s.nextRun(expr, from)
}

// ScheduleJob installs (or replaces) the recurring trigger for a job and
// returns the new handle ID.
//
// Order matters. The expression is validated first, then the new broker
// trigger is created, then the handle row is swapped, and only then is the
// old broker trigger deleted. Creation failure aborts the whole update —
// a silently lost schedule is the one unacceptable outcome. Deletion
// failure is logged and left for SweepOrphans; the handle row already
// points at the new trigger, so the stale broker entry fires into a void.
func (s *Scheduler) ScheduleJob(ctx context.Context, jobID id.ID, name, cron string, retryLimit int) (id.ScheduleID, error) {
	next, err := s.nextRun(cron, time.Now().UTC())
	if err != nil {
		return id.Nil, fmt.Errorf("sched: schedule job: %w", err)
	}

	prev, err := s.handles.GetHandleByJob(ctx, jobID)
	if err != nil && !errors.Is(err, supercheck.ErrScheduleNotFound) {
		return id.Nil, fmt.Errorf("sched: lookup previous handle: %w", err)
	}

	brokerID, err := s.mq.RegisterRecurring(ctx, broker.RecurringSpec{
		Name:       name,
		Cron:       cron,
		JobID:      jobID,
		RetryLimit: retryLimit,
	})
	if err != nil {
		return id.Nil, fmt.Errorf("sched: %w: %v", supercheck.ErrScheduleCreate, err)
	}

	// Swap the handle row. The unique job index demands the old row go
	// first; if anything fails past this point the new broker trigger is
	// rolled back so the job is never left schedule-less with a live
	// trigger, or vice versa.
	if prev != nil {
		if delErr := s.handles.DeleteHandle(ctx, prev.ID); delErr != nil {
			s.rollbackTrigger(ctx, brokerID)
			return id.Nil, fmt.Errorf("sched: delete previous handle: %w", delErr)
		}
	}

	h := &Handle{
		Entity:           supercheck.NewEntity(),
		ID:               id.NewScheduleID(),
		JobID:            jobID,
		Name:             name,
		Cron:             cron,
		BrokerScheduleID: brokerID,
		RetryLimit:       retryLimit,
		NextRunAt:        &next,
	}
	if err := s.handles.CreateHandle(ctx, h); err != nil {
		s.rollbackTrigger(ctx, brokerID)
		return id.Nil, fmt.Errorf("sched: persist handle: %w", err)
	}

	// The new trigger is live and recorded; the old broker trigger is now
	// garbage. Failing to delete it is non-fatal.
	if prev != nil {
		if delErr := s.mq.DeleteRecurring(ctx, prev.BrokerScheduleID); delErr != nil {
			s.logger.Warn("stale broker schedule not deleted, will be swept",
				slog.String("job_id", jobID.String()),
				slog.String("broker_schedule_id", prev.BrokerScheduleID),
				slog.String("error", delErr.Error()),
			)
		}
	}

	s.logger.Info("job scheduled",
		slog.String("job_id", jobID.String()),
		slog.String("handle_id", h.ID.String()),
		slog.String("cron", cron),
		slog.Time("next_run_at", next),
	)
	return h.ID, nil
}

func (s *Scheduler) rollbackTrigger(ctx context.Context, brokerID string) {
	if err := s.mq.DeleteRecurring(ctx, brokerID); err != nil {
		s.logger.Warn("rollback of broker schedule failed, will be swept",
			slog.String("broker_schedule_id", brokerID),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteScheduledJob removes a handle and its broker trigger. The handle
// row goes first: once it is gone the trigger can no longer be resolved to
// a job, and a failed broker deletion is swept later.
func (s *Scheduler) DeleteScheduledJob(ctx context.Context, handleID id.ScheduleID) error {
	h, err := s.handles.GetHandle(ctx, handleID)
	if err != nil {
		return fmt.Errorf("sched: delete scheduled job: %w", err)
	}

	if err := s.handles.DeleteHandle(ctx, handleID); err != nil {
		return fmt.Errorf("sched: delete handle: %w", err)
	}

	if err := s.mq.DeleteRecurring(ctx, h.BrokerScheduleID); err != nil {
		s.logger.Warn("broker schedule not deleted, will be swept",
			slog.String("handle_id", handleID.String()),
			slog.String("broker_schedule_id", h.BrokerScheduleID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// RecurringLister is the optional broker capability the orphan sweep needs.
// The redismq backend implements it.
type RecurringLister interface {
	ListRecurringIDs(ctx context.Context) ([]string, error)
}

// SweepOrphans deletes broker schedules that no live handle references —
// the debris of non-fatal deletion failures. Returns the number removed.
func (s *Scheduler) SweepOrphans(ctx context.Context) (int, error) {
	lister, ok := s.mq.(RecurringLister)
	if !ok {
		return 0, nil
	}

	brokerIDs, err := lister.ListRecurringIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("sched: sweep orphans: %w", err)
	}

	handles, err := s.handles.ListHandles(ctx)
	if err != nil {
		return 0, fmt.Errorf("sched: sweep orphans: %w", err)
	}
	live := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		live[h.BrokerScheduleID] = struct{}{}
	}

	removed := 0
	for _, brokerID := range brokerIDs {
		if _, ok := live[brokerID]; ok {
			continue
		}
		if delErr := s.mq.DeleteRecurring(ctx, brokerID); delErr != nil {
			s.logger.Warn("orphan schedule not deleted",
				slog.String("broker_schedule_id", brokerID),
				slog.String("error", delErr.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("swept orphan broker schedules", slog.Int("removed", removed))
	}
	return removed, nil
}
