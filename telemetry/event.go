// Package telemetry provides a real-time event publisher for run lifecycle
// events. It bridges the hook.Extension system to connected clients via
// topic-based pub/sub; the HTTP streaming layer is its main consumer.
package telemetry

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Run events.
	EventRunAdmitted  EventType = "run.admitted"
	EventRunQueued    EventType = "run.queued"
	EventRunPromoted  EventType = "run.promoted"
	EventRunFinished  EventType = "run.finished"
	EventRunCancelled EventType = "run.cancelled"
	EventRunRejected  EventType = "run.rejected"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// RunEventData is the payload for run lifecycle events.
type RunEventData struct {
	RunID     string `json:"run_id"`
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id,omitempty"`
	TestID    string `json:"test_id,omitempty"`
	Engine    string `json:"engine"`
	Location  string `json:"location,omitempty"`
	Status    string `json:"status"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	WaitedMs  int64  `json:"waited_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RejectionEventData is the payload for admission rejections.
type RejectionEventData struct {
	OrgID           string `json:"org_id"`
	Engine          string `json:"engine"`
	Running         int64  `json:"running"`
	RunningCapacity int64  `json:"runningCapacity"`
	Queued          int64  `json:"queued"`
	QueuedCapacity  int64  `json:"queuedCapacity"`
	Reason          string `json:"reason"`
}
