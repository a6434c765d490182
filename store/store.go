package store

import (
	"context"

	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/ledger"
	"github.com/supercheck-io/supercheck-sub009/run"
	"github.com/supercheck-io/supercheck-sub009/sched"
)

// RecordStore is the relational slice: run records and schedule handles.
// Implemented by store/postgres and store/memory.
type RecordStore interface {
	run.Store
	sched.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// CounterStore is the fast-path slice: capacity counters and the FIFO
// position ledger. Implemented by store/redis and store/memory.
type CounterStore interface {
	capacity.Store
	ledger.Ledger

	Ping(ctx context.Context) error
}

// Store is the full persistence surface in one backend. Production
// splits it (Postgres for records, Redis for counters); the memory
// backend implements the whole thing for development and tests.
type Store interface {
	RecordStore
	capacity.Store
	ledger.Ledger
}
