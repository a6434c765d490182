// Package memory implements broker.Broker entirely in memory. Safe for
// concurrent access. Intended for unit testing and development; the test
// helpers let a test drive broker-side lifecycle (activation, completion)
// that production brokers drive themselves.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/run"
)

type job struct {
	id       string
	lane     string
	runID    string
	engine   run.Engine
	location string
	state    broker.JobState
	deferred bool
	order    int64
}

type schedule struct {
	id   string
	spec broker.RecurringSpec
}

// Broker is a fully in-memory broker.
type Broker struct {
	mu        sync.Mutex
	jobs      map[string]*job // brokerJobID → job
	schedules map[string]*schedule
	seq       atomic.Int64

	// unavailable makes every call fail with ErrBrokerUnavailable.
	unavailable atomic.Bool

	// failNextEnqueue makes the next Enqueue fail, for compensation tests.
	failNextEnqueue atomic.Bool
}

var _ broker.Broker = (*Broker)(nil)

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		jobs:      make(map[string]*job),
		schedules: make(map[string]*schedule),
	}
}

func (b *Broker) nextID(kind string) string {
	return fmt.Sprintf("%s-%d", kind, b.seq.Add(1))
}

func (b *Broker) check() error {
	if b.unavailable.Load() {
		return supercheck.ErrBrokerUnavailable
	}
	return nil
}

// Enqueue implements broker.Broker.
func (b *Broker) Enqueue(_ context.Context, req broker.EnqueueRequest) (string, error) {
	if err := b.check(); err != nil {
		return "", err
	}
	if b.failNextEnqueue.CompareAndSwap(true, false) {
		return "", supercheck.ErrBrokerUnavailable
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	j := &job{
		id:       b.nextID("bq"),
		lane:     broker.Lane(req.Engine, req.Location),
		runID:    req.RunID.String(),
		engine:   req.Engine,
		location: req.Location,
		state:    broker.StateWaiting,
		deferred: req.Deferred,
		order:    b.seq.Load(),
	}
	b.jobs[j.id] = j
	return j.id, nil
}

// Claim pops the oldest claimable (waiting, non-deferred) job in the
// lane, marks it active, and returns its payload and broker job ID.
// An empty lane returns nil with no error.
func (b *Broker) Claim(_ context.Context, lane string) (*broker.Payload, string, error) {
	if err := b.check(); err != nil {
		return nil, "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var oldest *job
	for _, j := range b.jobs {
		if j.lane != lane || j.deferred || j.state != broker.StateWaiting {
			continue
		}
		if oldest == nil || j.order < oldest.order {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, "", nil
	}

	oldest.state = broker.StateActive
	return &broker.Payload{
		RunID:    oldest.runID,
		Engine:   string(oldest.engine),
		Location: oldest.location,
	}, oldest.id, nil
}

// NextDeferred returns the oldest deferred job in the lane without
// claiming it. An empty deferred set returns empty strings, no error.
func (b *Broker) NextDeferred(_ context.Context, lane string) (runID, brokerJobID string, err error) {
	if err := b.check(); err != nil {
		return "", "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var oldest *job
	for _, j := range b.jobs {
		if j.lane != lane || !j.deferred || j.state != broker.StateWaiting {
			continue
		}
		if oldest == nil || j.order < oldest.order {
			oldest = j
		}
	}
	if oldest == nil {
		return "", "", nil
	}
	return oldest.runID, oldest.id, nil
}

// JobState implements broker.Broker.
func (b *Broker) JobState(_ context.Context, _ run.Engine, _ string, brokerJobID string) (broker.JobState, error) {
	if err := b.check(); err != nil {
		return broker.StateUnknown, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[brokerJobID]
	if !ok {
		return broker.StateUnknown, nil
	}
	return j.state, nil
}

// Cancel implements broker.Broker.
func (b *Broker) Cancel(_ context.Context, _ run.Engine, _ string, brokerJobID string) error {
	if err := b.check(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, brokerJobID)
	return nil
}

// Promote implements broker.Broker.
func (b *Broker) Promote(_ context.Context, _ run.Engine, _ string, brokerJobID string) error {
	if err := b.check(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if j, ok := b.jobs[brokerJobID]; ok {
		j.deferred = false
	}
	return nil
}

// RegisterRecurring implements broker.Broker.
func (b *Broker) RegisterRecurring(_ context.Context, spec broker.RecurringSpec) (string, error) {
	if err := b.check(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := &schedule{id: b.nextID("sched"), spec: spec}
	b.schedules[s.id] = s
	return s.id, nil
}

// DeleteRecurring implements broker.Broker.
func (b *Broker) DeleteRecurring(_ context.Context, scheduleID string) error {
	if err := b.check(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.schedules, scheduleID)
	return nil
}

// MarkDone records the broker-side terminal state of a claimed job.
func (b *Broker) MarkDone(_ context.Context, brokerJobID string, failed bool) error {
	if err := b.check(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if j, ok := b.jobs[brokerJobID]; ok {
		if failed {
			j.state = broker.StateFailed
		} else {
			j.state = broker.StateCompleted
		}
	}
	return nil
}

// ListRecurringIDs returns all live broker schedule IDs, for the
// scheduler's orphan sweep.
func (b *Broker) ListRecurringIDs(_ context.Context) ([]string, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.schedules))
	for sid := range b.schedules {
		out = append(out, sid)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Test helpers
// ──────────────────────────────────────────────────

// SetUnavailable toggles simulated lane unavailability.
func (b *Broker) SetUnavailable(v bool) { b.unavailable.Store(v) }

// FailNextEnqueue makes the next Enqueue call fail.
func (b *Broker) FailNextEnqueue() { b.failNextEnqueue.Store(true) }

// SetJobState overwrites a job's broker-side state.
func (b *Broker) SetJobState(brokerJobID string, state broker.JobState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if j, ok := b.jobs[brokerJobID]; ok {
		j.state = state
	}
}

// JobCount returns the number of jobs currently held, by lane.
func (b *Broker) JobCount(lane string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, j := range b.jobs {
		if j.lane == lane {
			n++
		}
	}
	return n
}

// ScheduleCount returns the number of live recurring schedules.
func (b *Broker) ScheduleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.schedules)
}

// HasSchedule reports whether the given broker schedule ID is live.
func (b *Broker) HasSchedule(scheduleID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.schedules[scheduleID]
	return ok
}

// ScheduleCron returns the cron expression of a live schedule.
func (b *Broker) ScheduleCron(scheduleID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.schedules[scheduleID]; ok {
		return s.spec.Cron
	}
	return ""
}
