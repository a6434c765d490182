package run

import (
	"context"
	"time"

	"github.com/supercheck-io/supercheck-sub009/id"
)

// ListOpts controls pagination and filtering for run list queries.
type ListOpts struct {
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
	// Status filters by run status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for runs.
type Store interface {
	// CreateRun persists a new run. Returns ErrRunAlreadyExists on a
	// duplicate ID.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRunStatus applies a status transition iff CanTransition allows
	// it, returning the updated run. Returns ErrInvalidTransition when the
	// current status forbids the move; the caller decides whether that is
	// an error (admission) or a benign race (cancellation of a finished
	// run).
	UpdateRunStatus(ctx context.Context, runID id.RunID, to Status, at time.Time) (*Run, error)

	// SetBrokerJobID records the broker-owned job ID after dispatch.
	SetBrokerJobID(ctx context.Context, runID id.RunID, brokerJobID string) error

	// ListActiveRuns returns the organization's queued and running runs in
	// insertion order (run IDs are K-sortable, so ID order is creation
	// order).
	ListActiveRuns(ctx context.Context, orgID string) ([]*Run, error)

	// ListRuns returns an organization's runs matching opts, newest first.
	ListRuns(ctx context.Context, orgID string, opts ListOpts) ([]*Run, error)

	// CountActive returns the number of running and queued runs for the
	// organization. Used to recount capacity after a cache loss.
	CountActive(ctx context.Context, orgID string) (running, queued int64, err error)
}
