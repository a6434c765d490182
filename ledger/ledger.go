// Package ledger provides the per-organization FIFO position ledger: an
// ordered set scored by enqueue time that yields a stable, cross-lane queue
// position. The broker's own per-lane waiting order cannot provide this —
// one tenant's queued runs may be split across several regional lanes.
package ledger

import (
	"context"
	"time"

	"github.com/supercheck-io/supercheck-sub009/id"
)

// Ledger records queued runs in enqueue order and answers rank queries in
// O(log n). When the ledger is unavailable, readers degrade to run-record
// insertion order rather than failing the read.
type Ledger interface {
	// RecordQueued inserts the run scored by its enqueue time.
	RecordQueued(ctx context.Context, orgID string, runID id.RunID, at time.Time) error

	// RemoveQueued deletes the run's entry. Removing an absent entry is a
	// no-op: cancellation and promotion may race.
	RemoveQueued(ctx context.Context, orgID string, runID id.RunID) error

	// Rank returns the zero-based position of the run within the
	// organization's queue. Returns ErrNotQueued when the run has no entry.
	Rank(ctx context.Context, orgID string, runID id.RunID) (int64, error)

	// ListOrdered returns the organization's queued run IDs in enqueue
	// order.
	ListOrdered(ctx context.Context, orgID string) ([]id.RunID, error)
}
