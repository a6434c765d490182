// Package worker runs the execution side of the broker contract: a pool
// of goroutines claims jobs from lanes, hands them to an injected
// RunExecutor, reports outcomes through the admission controller, and
// promotes the oldest deferred job whenever a running slot frees up.
//
// The actual test execution (browser automation, load generation) lives
// behind RunExecutor; this package only owns the lifecycle plumbing.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// RunExecutor executes one claimed run and reports its terminal status.
// A returned error means the run could not be executed to completion and
// is recorded as errored regardless of the returned status.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, r *run.Run, payload *broker.Payload) (run.Status, error)
}

// Lifecycle is the slice of the admission controller the pool drives.
type Lifecycle interface {
	HandlePromotion(ctx context.Context, runID id.RunID) error
	Complete(ctx context.Context, runID id.RunID, to run.Status) (*run.Run, error)
}

// Claimer is the broker capability the pool consumes jobs through. Both
// broker backends implement it.
type Claimer interface {
	Claim(ctx context.Context, lane string) (*broker.Payload, string, error)
	NextDeferred(ctx context.Context, lane string) (runID, brokerJobID string, err error)
}

// Finalizer is the optional broker capability recording broker-side
// terminal job state.
type Finalizer interface {
	MarkDone(ctx context.Context, brokerJobID string, failed bool) error
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolLanes sets the lanes the pool will claim from.
func WithPoolLanes(lanes []string) PoolOption {
	return func(p *Pool) { p.lanes = lanes }
}

// WithPollInterval sets how often workers poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithPoolLogger sets the structured logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// Pool manages a set of concurrent worker goroutines that claim lane
// jobs and execute them through the RunExecutor.
type Pool struct {
	runs     run.Store
	ctrl     Lifecycle
	mq       broker.Broker
	claimer  Claimer
	executor RunExecutor

	concurrency  int
	lanes        []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeRuns map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// NewPool creates a worker pool. The broker must implement Claimer;
// NewPool panics otherwise (programming error, the two backends both do).
func NewPool(runs run.Store, ctrl Lifecycle, mq broker.Broker, executor RunExecutor, opts ...PoolOption) *Pool {
	claimer, ok := mq.(Claimer)
	if !ok {
		panic("worker: broker does not implement Claimer")
	}

	p := &Pool{
		runs:         runs,
		ctrl:         ctrl,
		mq:           mq,
		claimer:      claimer,
		executor:     executor,
		concurrency:  4,
		lanes:        []string{"browser", broker.DefaultLoadLane},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       slog.Default(),
		stopCh:       make(chan struct{}),
		activeRuns:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("lanes", p.lanes),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active runs are cancelled when time
// runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active runs")
		p.cancelActiveRuns()
		p.wg.Wait()
	}
	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		claimed := false
		for _, lane := range p.lanes {
			payload, brokerJobID, err := p.claimer.Claim(context.Background(), lane)
			if err != nil {
				p.logger.Error("claim error",
					slog.String("lane", lane),
					slog.String("error", err.Error()),
				)
				continue
			}
			if payload == nil {
				continue
			}
			claimed = true
			p.execute(lane, payload, brokerJobID)
		}

		if !claimed {
			p.sleep()
		}
	}
}

// execute drives one claimed job through execution and completion, then
// tries to promote the lane's oldest deferred job into the freed slot.
func (p *Pool) execute(lane string, payload *broker.Payload, brokerJobID string) {
	runID, err := id.ParseRunID(payload.RunID)
	if err != nil {
		p.logger.Error("claimed job carries malformed run id",
			slog.String("broker_job_id", brokerJobID),
			slog.String("run_id", payload.RunID),
		)
		return
	}

	r, err := p.runs.GetRun(context.Background(), runID)
	if err != nil {
		p.logger.Error("claimed run not found",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.Status != run.StatusRunning {
		// Cancelled (or otherwise closed) while waiting in the lane.
		p.markDone(brokerJobID, true)
		p.promoteNext(lane)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.trackRun(runID.String(), cancel)

	status, execErr := p.executor.ExecuteRun(ctx, r, payload)
	if execErr != nil {
		p.logger.Debug("run execution errored",
			slog.String("run_id", runID.String()),
			slog.String("error", execErr.Error()),
		)
		status = run.StatusErrored
	}

	p.untrackRun(runID.String())
	cancel()

	if !status.Terminal() {
		status = run.StatusErrored
	}
	if _, cerr := p.ctrl.Complete(context.Background(), runID, status); cerr != nil {
		if !errors.Is(cerr, supercheck.ErrAlreadyTerminal) {
			p.logger.Error("failed to record run outcome",
				slog.String("run_id", runID.String()),
				slog.String("error", cerr.Error()),
			)
		}
	}
	p.markDone(brokerJobID, status != run.StatusPassed)

	// Completion freed a running slot; give it to the oldest waiter.
	p.promoteNext(lane)
}

// promoteNext promotes the lane's oldest deferred job, if any, once the
// admission controller grants it a running slot.
func (p *Pool) promoteNext(lane string) {
	ctx := context.Background()

	runIDStr, brokerJobID, err := p.claimer.NextDeferred(ctx, lane)
	if err != nil || brokerJobID == "" {
		return
	}
	runID, err := id.ParseRunID(runIDStr)
	if err != nil {
		return
	}

	if err := p.ctrl.HandlePromotion(ctx, runID); err != nil {
		if errors.Is(err, supercheck.ErrCapacityExceeded) {
			return // slot taken by a concurrent admit, stay deferred
		}
		p.logger.Warn("promotion failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	r, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return
	}
	if err := p.mq.Promote(ctx, r.Engine, r.Location, brokerJobID); err != nil {
		p.logger.Warn("broker promote failed",
			slog.String("run_id", runID.String()),
			slog.String("broker_job_id", brokerJobID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) markDone(brokerJobID string, failed bool) {
	fin, ok := p.mq.(Finalizer)
	if !ok {
		return
	}
	if err := fin.MarkDone(context.Background(), brokerJobID, failed); err != nil {
		p.logger.Warn("failed to mark broker job done",
			slog.String("broker_job_id", brokerJobID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackRun(runID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeRuns[runID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackRun(runID string) {
	p.activeMu.Lock()
	delete(p.activeRuns, runID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveRuns() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for runID, cancel := range p.activeRuns {
		p.logger.Warn("cancelling active run", slog.String("run_id", runID))
		cancel()
	}
}
