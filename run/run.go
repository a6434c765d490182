package run

import (
	"time"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/id"
)

// Engine identifies the execution engine a run targets. Browser checks
// share one location-less lane; load tests route to a lane keyed by
// geographic location, because load-generation latency measurements need
// origin control while browser automation does not.
type Engine string

const (
	// EngineBrowser runs Playwright-style browser automation suites.
	EngineBrowser Engine = "browser"
	// EngineLoad runs k6-style load-generation scripts.
	EngineLoad Engine = "load"
)

// Valid reports whether e is a known engine type.
func (e Engine) Valid() bool {
	return e == EngineBrowser || e == EngineLoad
}

// Status represents the lifecycle state of a run.
type Status string

const (
	// StatusQueued means the run is waiting for a running slot.
	StatusQueued Status = "queued"
	// StatusRunning means a worker is currently executing the run.
	StatusRunning Status = "running"
	// StatusPassed means the run finished and all checks passed.
	StatusPassed Status = "passed"
	// StatusFailed means the run finished with failing checks.
	StatusFailed Status = "failed"
	// StatusErrored means the run could not be executed to completion.
	StatusErrored Status = "errored"
	// StatusCancelled means the run was explicitly cancelled.
	StatusCancelled Status = "cancelled"
	// StatusBlocked means admission was revoked while the run was still
	// queued; it never ran.
	StatusBlocked Status = "blocked"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusErrored, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}

// Active reports whether s counts against an organization's capacity.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// CanTransition reports whether a run may move from one status to another.
// Transitions are monotonic: terminal statuses are never left, queued may
// only advance to running or be revoked (cancelled/blocked), and running
// may only reach a terminal status. This is the guard that lets a
// cancellation race a completion without either overriding the other.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled || to == StatusBlocked
	case StatusRunning:
		return to == StatusPassed || to == StatusFailed || to == StatusErrored || to == StatusCancelled
	}
	return false
}

// Run is the relational system of record for one test execution.
// Created by the admission controller; mutated by workers and, status-only,
// by the reconciliation sweeper.
type Run struct {
	supercheck.Entity

	ID id.RunID `json:"id"`

	// JobID is the job definition this run materializes. Nil for ad-hoc
	// runs triggered directly from the editor.
	JobID *id.ID `json:"job_id,omitempty"`

	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id,omitempty"`
	TestID    string `json:"test_id,omitempty"`

	Engine   Engine `json:"engine"`
	Location string `json:"location,omitempty"`

	Status Status `json:"status"`

	// BrokerJobID is the broker-owned identifier of the dispatched job.
	BrokerJobID string `json:"broker_job_id,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}
