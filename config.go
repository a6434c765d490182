package supercheck

import "time"

// Config holds tunables shared across the admission and streaming
// subsystems.
type Config struct {
	// StoreTimeout bounds every capacity store and ledger round-trip.
	StoreTimeout time.Duration

	// BrokerTimeout bounds every broker call. Reads that exceed it degrade
	// to database-known state instead of hanging.
	BrokerTimeout time.Duration

	// SnapshotRefresh is how often a streaming session re-pushes the full
	// capacity snapshot regardless of observed events.
	SnapshotRefresh time.Duration

	// Heartbeat is how often a streaming session emits a keep-alive
	// comment to defeat idle proxy timeouts.
	Heartbeat time.Duration

	// MaxSessionDuration is the lifetime of a streaming session. When it
	// elapses the server pushes a reconnect message and closes.
	MaxSessionDuration time.Duration

	// SweepInterval is how often the reconciliation sweeper scans for
	// database/broker drift.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:       2 * time.Second,
		BrokerTimeout:      5 * time.Second,
		SnapshotRefresh:    60 * time.Second,
		Heartbeat:          25 * time.Second,
		MaxSessionDuration: 30 * time.Minute,
		SweepInterval:      5 * time.Minute,
	}
}
