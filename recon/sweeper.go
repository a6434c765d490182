package recon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// Completer is the slice of the admission controller the sweeper needs to
// persistently correct drift. Terminal transitions stay owned by one
// writer; the sweeper never touches the run store directly.
type Completer interface {
	Complete(ctx context.Context, runID id.RunID, to run.Status) (*run.Run, error)
}

// OrgLister is the optional run-store capability enumerating organizations
// with active runs. Stores that cannot enumerate skip the sweep.
type OrgLister interface {
	ListActiveOrgs(ctx context.Context) ([]string, error)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger sets the structured logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// WithSweepInterval sets the pause between full sweeps.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSweepRate caps how many organizations are verified per second.
func WithSweepRate(perSecond float64) SweeperOption {
	return func(s *Sweeper) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// Sweeper periodically verifies active runs against the broker and
// corrects persistent drift: a database-running run whose broker job is
// already terminal is closed out as errored, because its worker died
// before reporting an outcome.
type Sweeper struct {
	recon     *Reconciler
	completer Completer
	logger    *slog.Logger
	interval  time.Duration
	limiter   *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSweeper creates a Sweeper around a Reconciler and a Completer.
func NewSweeper(r *Reconciler, completer Completer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		recon:     r,
		completer: completer,
		logger:    slog.Default(),
		interval:  5 * time.Minute,
		limiter:   rate.NewLimiter(rate.Limit(10), 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("consistency sweep failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// Sweep runs one full verification pass over all organizations with
// active runs. Returns the number of runs corrected.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	lister, ok := s.recon.runs.(OrgLister)
	if !ok {
		return 0, nil
	}

	orgs, err := lister.ListActiveOrgs(ctx)
	if err != nil {
		return 0, fmt.Errorf("recon: sweep: %w", err)
	}

	corrected := 0
	for _, orgID := range orgs {
		if err := s.limiter.Wait(ctx); err != nil {
			return corrected, fmt.Errorf("recon: sweep: %w", err)
		}
		n, err := s.sweepOrg(ctx, orgID)
		if err != nil {
			s.logger.Warn("org sweep failed",
				slog.String("org_id", orgID),
				slog.String("error", err.Error()),
			)
			continue
		}
		corrected += n
	}

	if corrected > 0 {
		s.logger.Info("consistency sweep corrected drift", slog.Int("corrected", corrected))
	}
	return corrected, nil
}

func (s *Sweeper) sweepOrg(ctx context.Context, orgID string) (int, error) {
	rows, err := s.recon.runs.ListActiveRuns(ctx, orgID)
	if err != nil {
		return 0, err
	}

	corrected := 0
	for _, row := range rows {
		if row.Status != run.StatusRunning || row.BrokerJobID == "" {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, s.recon.probeTimeout)
		state, err := s.recon.mq.JobState(pctx, row.Engine, row.Location, row.BrokerJobID)
		cancel()
		if err != nil {
			continue // broker down, try again next sweep
		}

		if state != broker.StateCompleted && state != broker.StateFailed {
			continue
		}

		// The job finished but the worker never reported back. The
		// outcome is unknowable, so the run closes as errored.
		s.logger.Warn("closing orphaned run, broker job already terminal",
			slog.String("run_id", row.ID.String()),
			slog.String("org_id", orgID),
			slog.String("broker_state", string(state)),
		)
		if _, cerr := s.completer.Complete(ctx, row.ID, run.StatusErrored); cerr != nil {
			s.logger.Warn("failed to close orphaned run",
				slog.String("run_id", row.ID.String()),
				slog.String("error", cerr.Error()),
			)
			continue
		}
		corrected++
	}
	return corrected, nil
}
