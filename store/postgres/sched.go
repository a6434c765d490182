package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/sched"
)

const handleColumns = `
	id, job_id, name, cron, broker_schedule_id, retry_limit, next_run_at,
	created_at, updated_at`

// CreateHandle persists a new schedule handle. The unique job index
// turns a second live handle for the same job into ErrDuplicateHandle.
func (s *Store) CreateHandle(ctx context.Context, h *sched.Handle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO supercheck_schedule_handles (
			id, job_id, name, cron, broker_schedule_id, retry_limit,
			next_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.ID.String(), h.JobID.String(), h.Name, h.Cron, h.BrokerScheduleID,
		h.RetryLimit, h.NextRunAt, h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return supercheck.ErrDuplicateHandle
		}
		return fmt.Errorf("store/postgres: create handle: %w", err)
	}
	return nil
}

// GetHandle retrieves a handle by ID.
func (s *Store) GetHandle(ctx context.Context, handleID id.ScheduleID) (*sched.Handle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+handleColumns+` FROM supercheck_schedule_handles WHERE id = $1`,
		handleID.String(),
	)
	return scanHandle(row, "get handle")
}

// GetHandleByJob retrieves the live handle for a job, if any.
func (s *Store) GetHandleByJob(ctx context.Context, jobID id.ID) (*sched.Handle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+handleColumns+` FROM supercheck_schedule_handles WHERE job_id = $1`,
		jobID.String(),
	)
	return scanHandle(row, "get handle by job")
}

// DeleteHandle removes a handle by ID.
func (s *Store) DeleteHandle(ctx context.Context, handleID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM supercheck_schedule_handles WHERE id = $1`,
		handleID.String(),
	)
	if err != nil {
		return fmt.Errorf("store/postgres: delete handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return supercheck.ErrScheduleNotFound
	}
	return nil
}

// ListHandles returns all live handles.
func (s *Store) ListHandles(ctx context.Context) ([]*sched.Handle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+handleColumns+` FROM supercheck_schedule_handles ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list handles: %w", err)
	}
	defer rows.Close()

	var out []*sched.Handle
	for rows.Next() {
		h, serr := scanHandle(rows, "list handles")
		if serr != nil {
			return nil, serr
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: iterate handles: %w", err)
	}
	return out, nil
}

// scanHandle scans one handle row.
func scanHandle(row pgx.Row, op string) (*sched.Handle, error) {
	var h sched.Handle
	err := row.Scan(
		&h.ID, &h.JobID, &h.Name, &h.Cron, &h.BrokerScheduleID,
		&h.RetryLimit, &h.NextRunAt, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, supercheck.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("store/postgres: %s: %w", op, err)
	}
	return &h, nil
}
