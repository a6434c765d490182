// Package hook defines the extension system for Supercheck admission.
// Extensions are notified of run lifecycle events (admitted, queued,
// promoted, finished, etc.) and can react to them — logging, metrics,
// billing, notifications.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunAdmitted is called after a run is admitted straight into the
// running set and handed to the broker.
type RunAdmitted interface {
	OnRunAdmitted(ctx context.Context, r *run.Run) error
}

// RunQueued is called after a run lands in the deferred queue because
// the running capacity was full.
type RunQueued interface {
	OnRunQueued(ctx context.Context, r *run.Run) error
}

// RunPromoted is called when a queued run is promoted into the running
// set after capacity frees up.
type RunPromoted interface {
	OnRunPromoted(ctx context.Context, r *run.Run, waited time.Duration) error
}

// RunFinished is called when a run reaches a terminal status.
type RunFinished interface {
	OnRunFinished(ctx context.Context, r *run.Run, elapsed time.Duration) error
}

// RunCancelled is called after a queued run is cancelled.
type RunCancelled interface {
	OnRunCancelled(ctx context.Context, r *run.Run) error
}

// RunRejected is called when admission turns a run away — capacity
// exhausted or the org's plan allows no concurrency at all. The snapshot
// carries the counts observed at rejection time.
type RunRejected interface {
	OnRunRejected(ctx context.Context, orgID string, engine run.Engine, snap capacity.Snapshot, reason error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// ScheduleFired is called when a recurring trigger fires and a run is
// materialized through the admission path.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, scheduleName string, r *run.Run) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
