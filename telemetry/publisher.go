package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/hook"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// Compile-time interface checks.
var (
	_ hook.Extension    = (*Publisher)(nil)
	_ hook.RunAdmitted  = (*Publisher)(nil)
	_ hook.RunQueued    = (*Publisher)(nil)
	_ hook.RunPromoted  = (*Publisher)(nil)
	_ hook.RunFinished  = (*Publisher)(nil)
	_ hook.RunCancelled = (*Publisher)(nil)
	_ hook.RunRejected  = (*Publisher)(nil)
	_ hook.Shutdown     = (*Publisher)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Publisher is the real-time event publisher. It implements the
// hook.Extension interfaces to receive lifecycle events and fans them
// out to subscribers via topic-based pub/sub.
type Publisher struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize int
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) PublisherOption {
	return func(p *Publisher) { p.bufferSize = size }
}

// NewPublisher creates a new event publisher.
func NewPublisher(logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		topics:     NewTopicRegistry(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements hook.Extension.
func (p *Publisher) Name() string { return "telemetry-publisher" }

// Topics returns the topic registry for external use.
func (p *Publisher) Topics() *TopicRegistry { return p.topics }

// Subscribe creates a new subscriber on the given topics.
func (p *Publisher) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, p.bufferSize)
	p.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		p.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (p *Publisher) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := p.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		p.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (p *Publisher) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		p.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (p *Publisher) RemoveSubscriber(subscriberID string) {
	p.topics.UnsubscribeAll(subscriberID)
	if val, ok := p.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (p *Publisher) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := p.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	count := 0
	p.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return PublisherStats{
		TopicCount:      p.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  p.totalPublished.Load(),
	}
}

// PublisherStats contains publisher metrics.
type PublisherStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish broadcasts an event to the firehose, the org topic, and the
// run topic.
func (p *Publisher) publish(evt *Event, orgID, runID string) {
	if evt.Topic == "" && orgID != "" {
		evt.Topic = OrgTopic(orgID)
	}
	delivered := p.topics.Broadcast(resolveTopics(evt, orgID, runID), evt)
	p.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("telemetry: marshal event data: " + err.Error())
	}
	return data
}

func runData(r *run.Run) RunEventData {
	return RunEventData{
		RunID:     r.ID.String(),
		OrgID:     r.OrgID,
		ProjectID: r.ProjectID,
		TestID:    r.TestID,
		Engine:    string(r.Engine),
		Location:  r.Location,
		Status:    string(r.Status),
	}
}

// ── Run lifecycle hooks ─────────────────────────────

func (p *Publisher) OnRunAdmitted(_ context.Context, r *run.Run) error {
	p.publish(&Event{
		Type:      EventRunAdmitted,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(runData(r)),
	}, r.OrgID, r.ID.String())
	return nil
}

func (p *Publisher) OnRunQueued(_ context.Context, r *run.Run) error {
	p.publish(&Event{
		Type:      EventRunQueued,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(runData(r)),
	}, r.OrgID, r.ID.String())
	return nil
}

func (p *Publisher) OnRunPromoted(_ context.Context, r *run.Run, waited time.Duration) error {
	data := runData(r)
	data.WaitedMs = waited.Milliseconds()
	p.publish(&Event{
		Type:      EventRunPromoted,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(data),
	}, r.OrgID, r.ID.String())
	return nil
}

func (p *Publisher) OnRunFinished(_ context.Context, r *run.Run, elapsed time.Duration) error {
	data := runData(r)
	data.ElapsedMs = elapsed.Milliseconds()
	p.publish(&Event{
		Type:      EventRunFinished,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(data),
	}, r.OrgID, r.ID.String())
	return nil
}

func (p *Publisher) OnRunCancelled(_ context.Context, r *run.Run) error {
	p.publish(&Event{
		Type:      EventRunCancelled,
		Timestamp: time.Now().UTC(),
		Data:      mustMarshal(runData(r)),
	}, r.OrgID, r.ID.String())
	return nil
}

func (p *Publisher) OnRunRejected(_ context.Context, orgID string, engine run.Engine, snap capacity.Snapshot, reason error) error {
	p.publish(&Event{
		Type:      EventRunRejected,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(RejectionEventData{
			OrgID:           orgID,
			Engine:          string(engine),
			Running:         snap.Running,
			RunningCapacity: snap.RunningCapacity,
			Queued:          snap.Queued,
			QueuedCapacity:  snap.QueuedCapacity,
			Reason:          reason.Error(),
		}),
	}, orgID, "")
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (p *Publisher) OnShutdown(_ context.Context) error {
	p.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		p.subscribers.Delete(key)
		return true
	})
	p.logger.Info("telemetry publisher shut down")
	return nil
}
