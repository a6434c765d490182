// Package capacity tracks per-organization running/queued counters against
// plan-derived limits. The counters are cache-resident and recoverable by
// recount from the run record store; the limits are a read-only input from
// the plan/subscription collaborator.
package capacity

import "context"

// Limits is the plan-derived ceiling on concurrent executions for one
// organization.
type Limits struct {
	// RunningCapacity is the maximum number of simultaneously running
	// executions. Zero means the plan admits nothing directly.
	RunningCapacity int64 `json:"running_capacity"`

	// QueuedCapacity is the maximum number of executions waiting for a
	// running slot. Zero disables queuing.
	QueuedCapacity int64 `json:"queued_capacity"`
}

// Snapshot is a point-in-time view of an organization's counters and
// limits, as streamed to dashboards.
type Snapshot struct {
	Running         int64 `json:"running"`
	RunningCapacity int64 `json:"runningCapacity"`
	Queued          int64 `json:"queued"`
	QueuedCapacity  int64 `json:"queuedCapacity"`
}

// LimitProvider resolves an organization's current limits. Implemented by
// the plan/subscription collaborator; this subsystem never computes plans.
type LimitProvider interface {
	Limits(ctx context.Context, orgID string) (Limits, error)
}

// StaticLimits is a LimitProvider returning the same limits for every
// organization. Useful in tests and single-tenant deployments.
type StaticLimits Limits

// Limits implements LimitProvider.
func (s StaticLimits) Limits(context.Context, string) (Limits, error) {
	return Limits(s), nil
}
