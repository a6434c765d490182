// Package recon reconciles the three independently-failing views of a
// run — database row, capacity counter, broker job — into one answer for
// readers. Reads default to trusting the database; verification against
// the broker is reserved for the background sweeper, which absorbs the
// probe cost so interactive queries stay one-query fast.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/ledger"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// Mode selects how much the reconciler distrusts the database.
type Mode int

const (
	// ModeTrusted reports database rows as-is. The default for reads.
	ModeTrusted Mode = iota
	// ModeVerified probes the broker per active row and reports the
	// broker's view when it disagrees, without rewriting the row.
	ModeVerified
)

// ActiveRuns is an organization's active work, split by state. Queued is
// FIFO-ordered by the position ledger, degrading to run-record insertion
// order when the ledger cannot answer.
type ActiveRuns struct {
	Running []*run.Run `json:"running"`
	Queued  []*run.Run `json:"queued"`
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithProbeConcurrency bounds parallel broker probes in verified mode.
func WithProbeConcurrency(n int) Option {
	return func(r *Reconciler) { r.probeConcurrency = n }
}

// WithProbeTimeout bounds each individual broker probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.probeTimeout = d }
}

// Reconciler answers active-run queries.
type Reconciler struct {
	runs  run.Store
	queue ledger.Ledger
	mq    broker.Broker

	logger           *slog.Logger
	probeConcurrency int
	probeTimeout     time.Duration
}

// New creates a Reconciler.
func New(runs run.Store, queue ledger.Ledger, mq broker.Broker, opts ...Option) *Reconciler {
	r := &Reconciler{
		runs:             runs,
		queue:            queue,
		mq:               mq,
		logger:           slog.Default(),
		probeConcurrency: 8,
		probeTimeout:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListActive returns the organization's running and queued runs.
//
// A broker that cannot answer a verified probe degrades that row to its
// database-known status; the query itself never fails on broker
// unavailability. Only the run store erroring fails the call.
func (r *Reconciler) ListActive(ctx context.Context, orgID string, mode Mode) (*ActiveRuns, error) {
	rows, err := r.runs.ListActiveRuns(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("recon: list active: %w", err)
	}

	if mode == ModeVerified {
		r.verify(ctx, rows)
	}

	out := &ActiveRuns{}
	for _, row := range rows {
		switch row.Status {
		case run.StatusRunning:
			out.Running = append(out.Running, row)
		case run.StatusQueued:
			out.Queued = append(out.Queued, row)
		}
	}
	out.Queued = r.orderQueued(ctx, orgID, out.Queued)
	return out, nil
}

// verify probes the broker for each row and overrides the reported status
// where the broker's view is stronger. Rows are mutated in memory only;
// persistent correction belongs to the sweeper.
func (r *Reconciler) verify(ctx context.Context, rows []*run.Run) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.probeConcurrency)

	for _, row := range rows {
		if row.BrokerJobID == "" {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.probeTimeout)
			defer cancel()

			state, err := r.mq.JobState(pctx, row.Engine, row.Location, row.BrokerJobID)
			if err != nil {
				// Degrade to the database-known status.
				r.logger.Debug("broker probe failed, trusting database",
					slog.String("run_id", row.ID.String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if row.Status == run.StatusQueued && state == broker.StateActive {
				r.logger.Warn("broker/database drift: queued row has active job",
					slog.String("run_id", row.ID.String()),
					slog.String("broker_job_id", row.BrokerJobID),
				)
				row.Status = run.StatusRunning
			}
			return nil
		})
	}
	_ = g.Wait() // probes never return errors
}

// orderQueued sorts queued runs by ledger rank. Ledger unavailability
// falls back to the slice as stored, which is insertion order because run
// IDs are K-sortable.
func (r *Reconciler) orderQueued(ctx context.Context, orgID string, queued []*run.Run) []*run.Run {
	if len(queued) < 2 {
		return queued
	}

	ordered, err := r.queue.ListOrdered(ctx, orgID)
	if err != nil {
		r.logger.Warn("position ledger unavailable, using insertion order",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
		return queued
	}

	byID := make(map[id.RunID]*run.Run, len(queued))
	for _, q := range queued {
		byID[q.ID] = q
	}
	out := make([]*run.Run, 0, len(queued))
	for _, runID := range ordered {
		if q, ok := byID[runID]; ok {
			out = append(out, q)
			delete(byID, runID)
		}
	}
	// Rows the ledger never saw (recorded during an outage) go last, in
	// insertion order.
	for _, q := range queued {
		if _, ok := byID[q.ID]; ok {
			out = append(out, q)
		}
	}
	return out
}
