// Package platform wires the admission subsystems into one runnable
// unit. Build composes the stores, broker, controller, reconciler,
// scheduler, telemetry publisher, and optional worker pool; Start and
// Stop manage the background pieces.
//
// The package exists to keep wiring out of the leaf packages: admission,
// recon, sched, and api never import each other, they meet here.
package platform

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/admission"
	"github.com/supercheck-io/supercheck-sub009/api"
	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/hook"
	"github.com/supercheck-io/supercheck-sub009/ledger"
	"github.com/supercheck-io/supercheck-sub009/observability"
	"github.com/supercheck-io/supercheck-sub009/recon"
	"github.com/supercheck-io/supercheck-sub009/run"
	"github.com/supercheck-io/supercheck-sub009/sched"
	"github.com/supercheck-io/supercheck-sub009/telemetry"
	"github.com/supercheck-io/supercheck-sub009/worker"
)

// Option configures the platform during Build.
type Option func(*Platform)

// WithStore wires a combined store: the value is type-asserted against
// every store interface it implements (run.Store, capacity.Store,
// ledger.Ledger, sched.Store). The memory store satisfies all four; the
// production split is Postgres for runs and schedule handles, Redis for
// counters and the ledger.
func WithStore(store any) Option {
	return func(p *Platform) {
		if rs, ok := store.(run.Store); ok {
			p.runs = rs
		}
		if cs, ok := store.(capacity.Store); ok {
			p.caps = cs
		}
		if lg, ok := store.(ledger.Ledger); ok {
			p.queue = lg
		}
		if ss, ok := store.(sched.Store); ok {
			p.handles = ss
		}
	}
}

// WithRunStore wires the run record store.
func WithRunStore(s run.Store) Option {
	return func(p *Platform) { p.runs = s }
}

// WithCapacityStore wires the capacity counter store.
func WithCapacityStore(s capacity.Store) Option {
	return func(p *Platform) { p.caps = s }
}

// WithLedger wires the FIFO position ledger.
func WithLedger(l ledger.Ledger) Option {
	return func(p *Platform) { p.queue = l }
}

// WithScheduleStore wires the schedule handle store. Without it the
// platform builds no scheduler.
func WithScheduleStore(s sched.Store) Option {
	return func(p *Platform) { p.handles = s }
}

// WithBroker wires the execution broker.
func WithBroker(mq broker.Broker) Option {
	return func(p *Platform) { p.mq = mq }
}

// WithLimitProvider wires the plan/subscription collaborator.
func WithLimitProvider(lp capacity.LimitProvider) Option {
	return func(p *Platform) { p.limits = lp }
}

// WithLogger sets the structured logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.logger = l }
}

// WithConfig overrides the shared tunables.
func WithConfig(cfg supercheck.Config) Option {
	return func(p *Platform) { p.cfg = cfg }
}

// WithExtension registers a lifecycle hook extension. May be given
// multiple times; extensions fire in registration order.
func WithExtension(ext hook.Extension) Option {
	return func(p *Platform) { p.extensions = append(p.extensions, ext) }
}

// WithMeterProvider sets a custom OpenTelemetry meter provider for the
// metrics extension. Without it the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Platform) { p.meterProvider = mp }
}

// WithExecutor wires the run executor and enables the worker pool.
func WithExecutor(exec worker.RunExecutor, poolOpts ...worker.PoolOption) Option {
	return func(p *Platform) {
		p.executor = exec
		p.poolOpts = poolOpts
	}
}

// WithNameResolver attaches the test display-name collaborator to the
// API server.
func WithNameResolver(r api.NameResolver) Option {
	return func(p *Platform) { p.names = r }
}

// Platform is the composed admission subsystem.
type Platform struct {
	runs    run.Store
	caps    capacity.Store
	queue   ledger.Ledger
	handles sched.Store
	mq      broker.Broker
	limits  capacity.LimitProvider

	cfg           supercheck.Config
	logger        *slog.Logger
	extensions    []hook.Extension
	meterProvider metric.MeterProvider
	executor      worker.RunExecutor
	poolOpts      []worker.PoolOption
	names         api.NameResolver

	hooks     *hook.Registry
	publisher *telemetry.Publisher
	ctrl      *admission.Controller
	rec       *recon.Reconciler
	sweeper   *recon.Sweeper
	scheduler *sched.Scheduler
	pool      *worker.Pool
	server    *api.Server
}

// Build composes the platform from its parts. The run store, capacity
// store, ledger, broker, and limit provider are required; everything
// else has a working default.
func Build(opts ...Option) (*Platform, error) {
	p := &Platform{
		cfg:    supercheck.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.runs == nil {
		return nil, fmt.Errorf("platform: run store: %w", supercheck.ErrNoStore)
	}
	if p.caps == nil {
		return nil, fmt.Errorf("platform: capacity store: %w", supercheck.ErrNoStore)
	}
	if p.queue == nil {
		return nil, fmt.Errorf("platform: position ledger: %w", supercheck.ErrNoStore)
	}
	if p.mq == nil {
		return nil, fmt.Errorf("platform: no broker configured")
	}
	if p.limits == nil {
		return nil, fmt.Errorf("platform: no limit provider configured")
	}

	p.hooks = hook.NewRegistry(p.logger)

	// Telemetry and metrics attach as ordinary hook extensions so the
	// controller stays ignorant of both.
	p.publisher = telemetry.NewPublisher(p.logger)
	p.hooks.Register(p.publisher)

	var metrics *observability.Metrics
	if p.meterProvider != nil {
		metrics = observability.NewMetricsWithMeter(
			p.meterProvider.Meter("github.com/supercheck-io/supercheck-sub009"),
		)
	} else {
		metrics = observability.NewMetrics()
	}
	p.hooks.Register(metrics)

	for _, ext := range p.extensions {
		p.hooks.Register(ext)
	}

	p.ctrl = admission.New(p.runs, p.caps, p.limits, p.queue, p.mq,
		admission.WithLogger(p.logger),
		admission.WithHooks(p.hooks),
		admission.WithConfig(p.cfg),
	)

	p.rec = recon.New(p.runs, p.queue, p.mq, recon.WithLogger(p.logger))
	p.sweeper = recon.NewSweeper(p.rec, p.ctrl,
		recon.WithSweepLogger(p.logger),
		recon.WithSweepInterval(p.cfg.SweepInterval),
	)

	if p.handles != nil {
		p.scheduler = sched.New(p.handles, p.mq, sched.WithLogger(p.logger))
	}

	if p.executor != nil {
		poolOpts := append([]worker.PoolOption{worker.WithPoolLogger(p.logger)}, p.poolOpts...)
		p.pool = worker.NewPool(p.runs, p.ctrl, p.mq, p.executor, poolOpts...)
	}

	apiOpts := []api.Option{
		api.WithLogger(p.logger),
		api.WithConfig(p.cfg),
	}
	if p.names != nil {
		apiOpts = append(apiOpts, api.WithNameResolver(p.names))
	}
	p.server = api.NewServer(p.ctrl, p.rec, p.publisher, apiOpts...)

	return p, nil
}

// Start launches the background pieces: the worker pool (when an
// executor was wired) and the reconciliation sweeper.
func (p *Platform) Start(ctx context.Context) error {
	if p.pool != nil {
		if err := p.pool.Start(ctx); err != nil {
			return fmt.Errorf("platform: start worker pool: %w", err)
		}
	}
	p.sweeper.Start()
	p.logger.Info("platform started")
	return nil
}

// Stop shuts the background pieces down in reverse order, then fires the
// shutdown hooks so extensions can flush and close.
func (p *Platform) Stop(ctx context.Context) error {
	p.sweeper.Stop()
	if p.pool != nil {
		if err := p.pool.Stop(ctx); err != nil {
			return fmt.Errorf("platform: stop worker pool: %w", err)
		}
	}
	p.hooks.EmitShutdown(ctx)
	p.logger.Info("platform stopped")
	return nil
}

// Controller returns the admission controller.
func (p *Platform) Controller() *admission.Controller { return p.ctrl }

// Reconciler returns the read-path reconciler.
func (p *Platform) Reconciler() *recon.Reconciler { return p.rec }

// Sweeper returns the drift sweeper.
func (p *Platform) Sweeper() *recon.Sweeper { return p.sweeper }

// Scheduler returns the cron scheduler, or nil when no schedule store
// was wired.
func (p *Platform) Scheduler() *sched.Scheduler { return p.scheduler }

// Publisher returns the telemetry publisher, for direct subscriptions.
func (p *Platform) Publisher() *telemetry.Publisher { return p.publisher }

// Hooks returns the extension registry.
func (p *Platform) Hooks() *hook.Registry { return p.hooks }

// Pool returns the worker pool, or nil when no executor was wired.
func (p *Platform) Pool() *worker.Pool { return p.pool }

// API returns the HTTP server for route registration.
func (p *Platform) API() *api.Server { return p.server }
