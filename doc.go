// Package supercheck provides the execution admission and capacity-aware
// queuing core of the Supercheck test platform. It decides whether a
// requested test run proceeds immediately or waits in a per-organization
// FIFO queue, routes work to the correct execution lane, keeps the
// relational run record consistent with the distributed broker, and
// streams near-real-time capacity state to dashboards.
//
// Supercheck is designed as a library, not a service. Import it, configure
// the stores and a broker, and wire the subsystems with platform.Build.
//
// # Quick Start
//
//	p, err := platform.Build(
//	    platform.WithRunStore(pgStore),
//	    platform.WithCapacityStore(redisStore),
//	    platform.WithLedger(redisStore),
//	    platform.WithBroker(mq),
//	    platform.WithLimitProvider(plans),
//	)
//
// # Architecture
//
// Supercheck follows a composable store pattern where each subsystem (run,
// capacity, ledger, sched) defines its own store interface. The run record
// lives in Postgres; capacity counters and the FIFO ledger live in Redis;
// the broker is an independent distributed queue. The admission controller
// is the single writer for the queued and running transitions, and the
// completion hooks are the single writer for terminal states.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package supercheck
