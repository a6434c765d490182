package capacity

import "context"

// Store defines the counter operations for admission control.
//
// The two TryAcquire operations are the heart of the admission invariant:
// each must compare and increment in a single atomic unit per organization
// (one conditional round-trip or a held per-org lock), so that two
// concurrent admission requests can never both observe free capacity and
// both be admitted past the limit. A Store that cannot answer must return
// an error — admission fails closed.
type Store interface {
	// TryAcquireRunning atomically increments the running counter iff it
	// is below limits.RunningCapacity. Returns true when the slot was
	// taken.
	TryAcquireRunning(ctx context.Context, orgID string, limits Limits) (bool, error)

	// TryAcquireQueued atomically increments the queued counter iff it is
	// below limits.QueuedCapacity. Returns true when the slot was taken.
	TryAcquireQueued(ctx context.Context, orgID string, limits Limits) (bool, error)

	// ReleaseRunning decrements the running counter, clamping at zero.
	ReleaseRunning(ctx context.Context, orgID string) error

	// ReleaseQueued decrements the queued counter, clamping at zero. Also
	// the compensating decrement after a failed broker dispatch.
	ReleaseQueued(ctx context.Context, orgID string) error

	// PromoteQueued atomically shifts one unit from queued to running iff
	// a running slot is free under limits. Invoked by the promotion hook
	// when the broker activates a deferred job.
	PromoteQueued(ctx context.Context, orgID string, limits Limits) (bool, error)

	// Counts returns the current running and queued counters.
	Counts(ctx context.Context, orgID string) (running, queued int64, err error)

	// Reset overwrites both counters. Used by the recount recovery path
	// after a cache loss.
	Reset(ctx context.Context, orgID string, running, queued int64) error
}

// SnapshotOf combines live counters with limits into a Snapshot.
func SnapshotOf(ctx context.Context, s Store, orgID string, limits Limits) (Snapshot, error) {
	running, queued, err := s.Counts(ctx, orgID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Running:         running,
		RunningCapacity: limits.RunningCapacity,
		Queued:          queued,
		QueuedCapacity:  limits.QueuedCapacity,
	}, nil
}
