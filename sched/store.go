package sched

import (
	"context"

	"github.com/supercheck-io/supercheck-sub009/id"
)

// Store defines the persistence contract for schedule handles.
type Store interface {
	// CreateHandle persists a new handle. Returns ErrDuplicateHandle when
	// the job already has a live handle.
	CreateHandle(ctx context.Context, h *Handle) error

	// GetHandle retrieves a handle by ID.
	GetHandle(ctx context.Context, handleID id.ScheduleID) (*Handle, error)

	// GetHandleByJob retrieves the live handle for a job, if any.
	GetHandleByJob(ctx context.Context, jobID id.ID) (*Handle, error)

	// DeleteHandle removes a handle by ID.
	DeleteHandle(ctx context.Context, handleID id.ScheduleID) error

	// ListHandles returns all live handles.
	ListHandles(ctx context.Context) ([]*Handle, error)
}
