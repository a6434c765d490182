package sched

import (
	"time"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/id"
)

// Handle is the persisted link between a job definition and its recurring
// broker trigger. At most one live handle exists per job.
type Handle struct {
	supercheck.Entity

	ID    id.ScheduleID `json:"id"`
	JobID id.ID         `json:"job_id"`

	// Name is the human-readable trigger name shown in dashboards.
	Name string `json:"name"`

	// Cron is the schedule expression the handle was created with.
	Cron string `json:"cron"`

	// BrokerScheduleID is the broker-owned identifier of the recurring
	// trigger.
	BrokerScheduleID string `json:"broker_schedule_id"`

	// RetryLimit is passed through to jobs the trigger materializes.
	RetryLimit int `json:"retry_limit"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
