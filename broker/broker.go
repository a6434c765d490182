// Package broker abstracts the distributed work queue that execution
// workers consume. The admission subsystem only ever enqueues, inspects,
// cancels, and registers recurring triggers; dequeue and execution belong
// to the worker fleet.
//
// Lane routing: browser-engine jobs always share one location-less lane;
// load-engine jobs route to a lane keyed by geographic location so that
// latency measurements originate where the user asked.
package broker

import (
	"context"
	"time"

	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// JobState is the broker-owned view of a dispatched job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	// StateUnknown means the broker has no record of the job. Readers
	// treat it as "trust the database".
	StateUnknown JobState = "unknown"
)

// EnqueueRequest describes one run dispatch.
type EnqueueRequest struct {
	Engine   run.Engine
	Location string
	RunID    id.RunID

	// Payload is the opaque execution payload handed to the worker.
	Payload []byte

	// Deferred jobs wait for a promotion signal instead of becoming
	// immediately claimable; the admission controller defers dispatch for
	// queued runs.
	Deferred bool

	// RetryLimit is how many times the broker may retry a failed job.
	RetryLimit int
}

// RecurringSpec registers a cron-driven trigger with the broker.
type RecurringSpec struct {
	Name       string
	Cron       string
	JobID      id.ID
	RetryLimit int
}

// Broker is the distributed queue contract. Every call carries a bounded
// timeout through ctx; transient lane unavailability surfaces
// ErrBrokerUnavailable, never a hang.
type Broker interface {
	// Enqueue dispatches a job to the lane derived from engine and
	// location and returns the broker-owned job ID.
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)

	// JobState reports the broker's view of a previously enqueued job.
	JobState(ctx context.Context, engine run.Engine, location, brokerJobID string) (JobState, error)

	// Cancel removes a waiting job or signals an active one to stop.
	// Cancelling an unknown job is a no-op.
	Cancel(ctx context.Context, engine run.Engine, location, brokerJobID string) error

	// Promote marks a deferred job claimable. Invoked when a queued run
	// wins a running slot.
	Promote(ctx context.Context, engine run.Engine, location, brokerJobID string) error

	// RegisterRecurring installs a recurring trigger and returns the
	// broker schedule ID.
	RegisterRecurring(ctx context.Context, spec RecurringSpec) (string, error)

	// DeleteRecurring removes a recurring trigger. Deleting an unknown
	// schedule is a no-op.
	DeleteRecurring(ctx context.Context, scheduleID string) error
}

// Payload is the msgpack-encoded envelope handed to workers.
type Payload struct {
	RunID     string            `msgpack:"run_id"`
	OrgID     string            `msgpack:"org_id"`
	TestID    string            `msgpack:"test_id,omitempty"`
	Engine    string            `msgpack:"engine"`
	Location  string            `msgpack:"location,omitempty"`
	Metadata  map[string]string `msgpack:"metadata,omitempty"`
	Enqueued  time.Time         `msgpack:"enqueued"`
	RetryLeft int               `msgpack:"retry_left"`
}

// DefaultLoadLane is the fallback lane for load jobs with no location.
const DefaultLoadLane = "load:default"

// Lane derives the queue partition for an engine/location pair.
func Lane(engine run.Engine, location string) string {
	if engine == run.EngineBrowser {
		return "browser"
	}
	if location == "" {
		return DefaultLoadLane
	}
	return "load:" + location
}
