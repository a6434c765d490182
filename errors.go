package supercheck

import "errors"

var (
	// ErrNoStore is returned by platform.Build when a required store is
	// missing.
	ErrNoStore = errors.New("supercheck: no store configured")

	// Not found errors.
	ErrRunNotFound      = errors.New("supercheck: run not found")
	ErrScheduleNotFound = errors.New("supercheck: schedule handle not found")
	ErrNotQueued        = errors.New("supercheck: run has no queue entry")

	// Admission errors. ErrCapacityExceeded means both the running and the
	// queued capacity are full right now: retry later. ErrPlanLimit means
	// the organization's plan allows no concurrent runs at all: upgrading
	// is the only way forward.
	ErrCapacityExceeded = errors.New("supercheck: capacity exceeded")
	ErrPlanLimit        = errors.New("supercheck: plan allows no concurrent runs")

	// ErrEnqueueFailed means the broker rejected the dispatch after the
	// capacity slot was already reserved; the admission controller issues a
	// compensating decrement before surfacing it.
	ErrEnqueueFailed = errors.New("supercheck: broker enqueue failed")

	// ErrBrokerUnavailable is returned by broker operations on transient
	// lane unavailability. Read paths degrade to database-only state;
	// write paths reject rather than bypass capacity accounting.
	ErrBrokerUnavailable = errors.New("supercheck: broker unavailable")

	// Conflict errors.
	ErrRunAlreadyExists = errors.New("supercheck: run already exists")
	ErrDuplicateHandle  = errors.New("supercheck: schedule handle already exists for job")

	// State errors.
	ErrInvalidTransition = errors.New("supercheck: invalid run status transition")
	ErrAlreadyTerminal   = errors.New("supercheck: run already in a terminal status")

	// ErrScheduleCreate means the broker rejected a recurring trigger
	// registration; the handle swap is rolled back. Trigger deletion
	// failures are logged and left to the orphan sweep instead.
	ErrScheduleCreate = errors.New("supercheck: broker schedule creation failed")
)
