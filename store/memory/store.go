// Package memory provides a fully in-memory implementation of every
// Supercheck store interface. Safe for concurrent access. Intended for
// unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/ledger"
	"github.com/supercheck-io/supercheck-sub009/run"
	"github.com/supercheck-io/supercheck-sub009/sched"
	"github.com/supercheck-io/supercheck-sub009/store"
)

// Compile-time interface checks, one per subsystem contract plus the
// full composite.
var (
	_ run.Store      = (*Store)(nil)
	_ capacity.Store = (*Store)(nil)
	_ ledger.Ledger  = (*Store)(nil)
	_ sched.Store    = (*Store)(nil)
	_ store.Store    = (*Store)(nil)
)

// counters holds one organization's capacity counts.
type counters struct {
	running int64
	queued  int64
}

// queueEntry is one row of the in-memory position ledger.
type queueEntry struct {
	runID id.RunID
	at    time.Time
}

// Store is the in-memory implementation of the run store, capacity
// store, position ledger and schedule-handle store.
type Store struct {
	mu sync.RWMutex

	runs    map[string]*run.Run
	caps    map[string]*counters
	queues  map[string][]queueEntry // orgID → entries in enqueue order
	handles map[string]*sched.Handle
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:    make(map[string]*run.Run),
		caps:    make(map[string]*counters),
		queues:  make(map[string][]queueEntry),
		handles: make(map[string]*sched.Handle),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Run Store
// ──────────────────────────────────────────────────

// CreateRun persists a new run.
func (m *Store) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.runs[key]; exists {
		return supercheck.ErrRunAlreadyExists
	}
	cp := *r
	m.runs[key] = &cp
	return nil
}

// GetRun retrieves a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, supercheck.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateRunStatus applies a status transition under the monotonic guard.
// Moving to running stamps StartedAt; reaching a terminal status stamps
// CompletedAt and the duration.
func (m *Store) UpdateRunStatus(_ context.Context, runID id.RunID, to run.Status, at time.Time) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, supercheck.ErrRunNotFound
	}
	if !run.CanTransition(r.Status, to) {
		return nil, supercheck.ErrInvalidTransition
	}

	r.Status = to
	r.UpdatedAt = at
	if to == run.StatusRunning && r.StartedAt == nil {
		started := at
		r.StartedAt = &started
	}
	if to.Terminal() {
		completed := at
		r.CompletedAt = &completed
		if r.StartedAt != nil {
			r.DurationMS = completed.Sub(*r.StartedAt).Milliseconds()
		}
	}
	cp := *r
	return &cp, nil
}

// SetBrokerJobID records the broker-owned job ID after dispatch.
func (m *Store) SetBrokerJobID(_ context.Context, runID id.RunID, brokerJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return supercheck.ErrRunNotFound
	}
	r.BrokerJobID = brokerJobID
	r.Touch()
	return nil
}

// ListActiveRuns returns the organization's queued and running runs in
// insertion order (run IDs are K-sortable).
func (m *Store) ListActiveRuns(_ context.Context, orgID string) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Run
	for _, r := range m.runs {
		if r.OrgID == orgID && r.Status.Active() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// ListRuns returns an organization's runs matching opts, newest first.
func (m *Store) ListRuns(_ context.Context, orgID string, opts run.ListOpts) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Run
	for _, r := range m.runs {
		if r.OrgID != orgID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() > out[j].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CountActive returns the number of running and queued runs for the
// organization.
func (m *Store) CountActive(_ context.Context, orgID string) (running, queued int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.runs {
		if r.OrgID != orgID {
			continue
		}
		switch r.Status {
		case run.StatusRunning:
			running++
		case run.StatusQueued:
			queued++
		}
	}
	return running, queued, nil
}

// ListActiveOrgs enumerates organizations with at least one active run.
// The consistency sweeper uses it to scope its verification pass.
func (m *Store) ListActiveOrgs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, r := range m.runs {
		if r.Status.Active() {
			seen[r.OrgID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for orgID := range seen {
		out = append(out, orgID)
	}
	sort.Strings(out)
	return out, nil
}

// ──────────────────────────────────────────────────
// Capacity Store
// ──────────────────────────────────────────────────

// org returns the counter row for an organization, creating it lazily.
// Callers must hold the write lock.
func (m *Store) org(orgID string) *counters {
	c, ok := m.caps[orgID]
	if !ok {
		c = &counters{}
		m.caps[orgID] = c
	}
	return c
}

// TryAcquireRunning atomically takes a running slot if one is free.
func (m *Store) TryAcquireRunning(_ context.Context, orgID string, limits capacity.Limits) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.org(orgID)
	if c.running >= limits.RunningCapacity {
		return false, nil
	}
	c.running++
	return true, nil
}

// TryAcquireQueued atomically takes a queued slot if one is free.
func (m *Store) TryAcquireQueued(_ context.Context, orgID string, limits capacity.Limits) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.org(orgID)
	if c.queued >= limits.QueuedCapacity {
		return false, nil
	}
	c.queued++
	return true, nil
}

// ReleaseRunning decrements the running counter, clamping at zero.
func (m *Store) ReleaseRunning(_ context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.org(orgID)
	if c.running > 0 {
		c.running--
	}
	return nil
}

// ReleaseQueued decrements the queued counter, clamping at zero.
func (m *Store) ReleaseQueued(_ context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.org(orgID)
	if c.queued > 0 {
		c.queued--
	}
	return nil
}

// PromoteQueued atomically shifts one unit from queued to running if a
// running slot is free.
func (m *Store) PromoteQueued(_ context.Context, orgID string, limits capacity.Limits) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.org(orgID)
	if c.running >= limits.RunningCapacity {
		return false, nil
	}
	c.running++
	if c.queued > 0 {
		c.queued--
	}
	return true, nil
}

// Counts returns the current running and queued counters.
func (m *Store) Counts(_ context.Context, orgID string) (running, queued int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.caps[orgID]
	if !ok {
		return 0, 0, nil
	}
	return c.running, c.queued, nil
}

// Reset overwrites both counters.
func (m *Store) Reset(_ context.Context, orgID string, running, queued int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.org(orgID)
	c.running = running
	c.queued = queued
	return nil
}

// ──────────────────────────────────────────────────
// Position Ledger
// ──────────────────────────────────────────────────

// RecordQueued inserts the run scored by its enqueue time.
func (m *Store) RecordQueued(_ context.Context, orgID string, runID id.RunID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.queues[orgID]
	for _, e := range entries {
		if e.runID == runID {
			return nil // already recorded
		}
	}
	entries = append(entries, queueEntry{runID: runID, at: at})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].at.Before(entries[j].at)
	})
	m.queues[orgID] = entries
	return nil
}

// RemoveQueued deletes the run's entry. Removing an absent entry is a
// no-op.
func (m *Store) RemoveQueued(_ context.Context, orgID string, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.queues[orgID]
	for i, e := range entries {
		if e.runID == runID {
			m.queues[orgID] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Rank returns the zero-based position of the run in its queue.
func (m *Store) Rank(_ context.Context, orgID string, runID id.RunID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, e := range m.queues[orgID] {
		if e.runID == runID {
			return int64(i), nil
		}
	}
	return 0, supercheck.ErrNotQueued
}

// ListOrdered returns the organization's queued run IDs in enqueue order.
func (m *Store) ListOrdered(_ context.Context, orgID string) ([]id.RunID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.queues[orgID]
	out := make([]id.RunID, len(entries))
	for i, e := range entries {
		out[i] = e.runID
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Schedule Handle Store
// ──────────────────────────────────────────────────

// CreateHandle persists a new handle.
func (m *Store) CreateHandle(_ context.Context, h *sched.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.handles {
		if existing.JobID == h.JobID {
			return supercheck.ErrDuplicateHandle
		}
	}
	cp := *h
	m.handles[h.ID.String()] = &cp
	return nil
}

// GetHandle retrieves a handle by ID.
func (m *Store) GetHandle(_ context.Context, handleID id.ScheduleID) (*sched.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.handles[handleID.String()]
	if !ok {
		return nil, supercheck.ErrScheduleNotFound
	}
	cp := *h
	return &cp, nil
}

// GetHandleByJob retrieves the live handle for a job, if any.
func (m *Store) GetHandleByJob(_ context.Context, jobID id.ID) (*sched.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, h := range m.handles {
		if h.JobID == jobID {
			cp := *h
			return &cp, nil
		}
	}
	return nil, supercheck.ErrScheduleNotFound
}

// DeleteHandle removes a handle by ID.
func (m *Store) DeleteHandle(_ context.Context, handleID id.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := handleID.String()
	if _, ok := m.handles[key]; !ok {
		return supercheck.ErrScheduleNotFound
	}
	delete(m.handles, key)
	return nil
}

// ListHandles returns all live handles.
func (m *Store) ListHandles(_ context.Context) ([]*sched.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*sched.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
