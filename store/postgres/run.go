package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/run"
)

const runColumns = `
	id, job_id, org_id, project_id, test_id, engine, location, status,
	broker_job_id, started_at, completed_at, duration_ms, metadata,
	created_at, updated_at`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	var jobID any
	if r.JobID != nil {
		jobID = r.JobID.String()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO supercheck_runs (
			id, job_id, org_id, project_id, test_id, engine, location, status,
			broker_job_id, started_at, completed_at, duration_ms, metadata,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15
		)`,
		r.ID.String(), jobID, r.OrgID, r.ProjectID, r.TestID,
		string(r.Engine), r.Location, string(r.Status),
		r.BrokerJobID, r.StartedAt, r.CompletedAt, r.DurationMS, r.Metadata,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return supercheck.ErrRunAlreadyExists
		}
		return fmt.Errorf("store/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM supercheck_runs WHERE id = $1`,
		runID.String(),
	)

	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, supercheck.ErrRunNotFound
		}
		return nil, fmt.Errorf("store/postgres: get run: %w", err)
	}
	return r, nil
}

// UpdateRunStatus applies a status transition. The monotonic guard is
// pushed into the WHERE clause: the UPDATE only matches rows whose
// current status may legally move to the target, so two racing writers
// resolve on the row itself. Moving to running stamps started_at;
// reaching a terminal status stamps completed_at and the duration.
func (s *Store) UpdateRunStatus(ctx context.Context, runID id.RunID, to run.Status, at time.Time) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE supercheck_runs SET
			status = $2,
			updated_at = $3,
			started_at = CASE
				WHEN $2 = 'running' AND started_at IS NULL THEN $3
				ELSE started_at
			END,
			completed_at = CASE WHEN $4 THEN $3 ELSE completed_at END,
			duration_ms = CASE
				WHEN $4 AND started_at IS NOT NULL
				THEN (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
				ELSE duration_ms
			END
		WHERE id = $1 AND status = ANY($5)
		RETURNING `+runColumns,
		runID.String(), string(to), at, to.Terminal(), allowedSources(to),
	)

	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			// Distinguish a missing row from a forbidden transition.
			if _, gerr := s.GetRun(ctx, runID); gerr != nil {
				return nil, gerr
			}
			return nil, supercheck.ErrInvalidTransition
		}
		return nil, fmt.Errorf("store/postgres: update run status: %w", err)
	}
	return r, nil
}

// SetBrokerJobID records the broker-owned job ID after dispatch.
func (s *Store) SetBrokerJobID(ctx context.Context, runID id.RunID, brokerJobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE supercheck_runs
		SET broker_job_id = $2, updated_at = NOW()
		WHERE id = $1`,
		runID.String(), brokerJobID,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: set broker job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return supercheck.ErrRunNotFound
	}
	return nil
}

// ListActiveRuns returns the organization's queued and running runs in
// insertion order.
func (s *Store) ListActiveRuns(ctx context.Context, orgID string) ([]*run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+`
		FROM supercheck_runs
		WHERE org_id = $1 AND status IN ('queued', 'running')
		ORDER BY id ASC`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list active runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListRuns returns an organization's runs matching opts, newest first.
func (s *Store) ListRuns(ctx context.Context, orgID string, opts run.ListOpts) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM supercheck_runs WHERE org_id = $1`
	args := []any{orgID}

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// CountActive returns the number of running and queued runs for the
// organization.
func (s *Store) CountActive(ctx context.Context, orgID string) (running, queued int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'queued')
		FROM supercheck_runs
		WHERE org_id = $1`,
		orgID,
	).Scan(&running, &queued)
	if err != nil {
		return 0, 0, fmt.Errorf("store/postgres: count active: %w", err)
	}
	return running, queued, nil
}

// ListActiveOrgs enumerates organizations with at least one active run.
// The consistency sweeper uses it to scope its verification pass.
func (s *Store) ListActiveOrgs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT org_id FROM supercheck_runs
		WHERE status IN ('queued', 'running')
		ORDER BY org_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list active orgs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, fmt.Errorf("store/postgres: list active orgs: %w", err)
		}
		out = append(out, orgID)
	}
	return out, rows.Err()
}

// allowedSources inverts the transition table: the set of statuses that
// may legally move to the target.
func allowedSources(to run.Status) []string {
	all := []run.Status{
		run.StatusQueued, run.StatusRunning, run.StatusPassed,
		run.StatusFailed, run.StatusErrored, run.StatusCancelled,
		run.StatusBlocked,
	}
	var out []string
	for _, from := range all {
		if run.CanTransition(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

// scanRun scans one run row.
func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r        run.Run
		jobID    *string
		engine   string
		status   string
		metadata map[string]string
	)
	err := row.Scan(
		&r.ID, &jobID, &r.OrgID, &r.ProjectID, &r.TestID,
		&engine, &r.Location, &status,
		&r.BrokerJobID, &r.StartedAt, &r.CompletedAt, &r.DurationMS, &metadata,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Engine = run.Engine(engine)
	r.Status = run.Status(status)
	r.Metadata = metadata
	if jobID != nil {
		parsed, perr := id.Parse(*jobID)
		if perr != nil {
			return nil, fmt.Errorf("malformed job_id %q: %w", *jobID, perr)
		}
		r.JobID = &parsed
	}
	return &r, nil
}

// collectRuns drains a result set of run rows.
func collectRuns(rows pgx.Rows) ([]*run.Run, error) {
	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: iterate runs: %w", err)
	}
	return out, nil
}
