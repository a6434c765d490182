package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type runAdmittedEntry struct {
	name string
	hook RunAdmitted
}

type runQueuedEntry struct {
	name string
	hook RunQueued
}

type runPromotedEntry struct {
	name string
	hook RunPromoted
}

type runFinishedEntry struct {
	name string
	hook RunFinished
}

type runCancelledEntry struct {
	name string
	hook RunCancelled
}

type runRejectedEntry struct {
	name string
	hook RunRejected
}

type scheduleFiredEntry struct {
	name string
	hook ScheduleFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	runAdmitted   []runAdmittedEntry
	runQueued     []runQueuedEntry
	runPromoted   []runPromotedEntry
	runFinished   []runFinishedEntry
	runCancelled  []runCancelledEntry
	runRejected   []runRejectedEntry
	scheduleFired []scheduleFiredEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RunAdmitted); ok {
		r.runAdmitted = append(r.runAdmitted, runAdmittedEntry{name, h})
	}
	if h, ok := e.(RunQueued); ok {
		r.runQueued = append(r.runQueued, runQueuedEntry{name, h})
	}
	if h, ok := e.(RunPromoted); ok {
		r.runPromoted = append(r.runPromoted, runPromotedEntry{name, h})
	}
	if h, ok := e.(RunFinished); ok {
		r.runFinished = append(r.runFinished, runFinishedEntry{name, h})
	}
	if h, ok := e.(RunCancelled); ok {
		r.runCancelled = append(r.runCancelled, runCancelledEntry{name, h})
	}
	if h, ok := e.(RunRejected); ok {
		r.runRejected = append(r.runRejected, runRejectedEntry{name, h})
	}
	if h, ok := e.(ScheduleFired); ok {
		r.scheduleFired = append(r.scheduleFired, scheduleFiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Run event emitters
// ──────────────────────────────────────────────────

// EmitRunAdmitted notifies all extensions that implement RunAdmitted.
func (r *Registry) EmitRunAdmitted(ctx context.Context, rn *run.Run) {
	for _, e := range r.runAdmitted {
		if err := e.hook.OnRunAdmitted(ctx, rn); err != nil {
			r.logHookError("OnRunAdmitted", e.name, err)
		}
	}
}

// EmitRunQueued notifies all extensions that implement RunQueued.
func (r *Registry) EmitRunQueued(ctx context.Context, rn *run.Run) {
	for _, e := range r.runQueued {
		if err := e.hook.OnRunQueued(ctx, rn); err != nil {
			r.logHookError("OnRunQueued", e.name, err)
		}
	}
}

// EmitRunPromoted notifies all extensions that implement RunPromoted.
func (r *Registry) EmitRunPromoted(ctx context.Context, rn *run.Run, waited time.Duration) {
	for _, e := range r.runPromoted {
		if err := e.hook.OnRunPromoted(ctx, rn, waited); err != nil {
			r.logHookError("OnRunPromoted", e.name, err)
		}
	}
}

// EmitRunFinished notifies all extensions that implement RunFinished.
func (r *Registry) EmitRunFinished(ctx context.Context, rn *run.Run, elapsed time.Duration) {
	for _, e := range r.runFinished {
		if err := e.hook.OnRunFinished(ctx, rn, elapsed); err != nil {
			r.logHookError("OnRunFinished", e.name, err)
		}
	}
}

// EmitRunCancelled notifies all extensions that implement RunCancelled.
func (r *Registry) EmitRunCancelled(ctx context.Context, rn *run.Run) {
	for _, e := range r.runCancelled {
		if err := e.hook.OnRunCancelled(ctx, rn); err != nil {
			r.logHookError("OnRunCancelled", e.name, err)
		}
	}
}

// EmitRunRejected notifies all extensions that implement RunRejected.
func (r *Registry) EmitRunRejected(ctx context.Context, orgID string, engine run.Engine, snap capacity.Snapshot, reason error) {
	for _, e := range r.runRejected {
		if err := e.hook.OnRunRejected(ctx, orgID, engine, snap, reason); err != nil {
			r.logHookError("OnRunRejected", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitScheduleFired notifies all extensions that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, scheduleName string, rn *run.Run) {
	for _, e := range r.scheduleFired {
		if err := e.hook.OnScheduleFired(ctx, scheduleName, rn); err != nil {
			r.logHookError("OnScheduleFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Extension errors never propagate to
// the caller; a broken extension must not break admission.
func (r *Registry) logHookError(hookName, extName string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Error("extension hook failed",
		slog.String("hook", hookName),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
