// Package redismq implements broker.Broker on Redis. Each lane is a Sorted
// Set of claimable job IDs scored by enqueue time; deferred jobs wait in a
// parallel Sorted Set until promoted. Job bodies are Hashes carrying a
// msgpack-encoded payload envelope, which is what the worker fleet decodes.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	mq := redismq.New(client)
package redismq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/broker"
	"github.com/supercheck-io/supercheck-sub009/run"
)

var _ broker.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithOpTimeout bounds each Redis round-trip. Calls whose context carries
// no deadline get this one.
func WithOpTimeout(d time.Duration) Option {
	return func(b *Broker) { b.opTimeout = d }
}

// Broker implements broker.Broker backed by Redis. The caller owns the
// Redis client lifecycle.
type Broker struct {
	client    goredis.Cmdable
	logger    *slog.Logger
	opTimeout time.Duration
}

// New creates a Redis-backed broker.
func New(client goredis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client:    client,
		logger:    slog.Default(),
		opTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// bound attaches the default op timeout when the caller supplied none.
func (b *Broker) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.opTimeout)
}

// unavailable wraps a transport error so callers can match
// supercheck.ErrBrokerUnavailable with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("broker/redismq: %s: %w: %v", op, supercheck.ErrBrokerUnavailable, err)
}

// Enqueue implements broker.Broker.
func (b *Broker) Enqueue(ctx context.Context, req broker.EnqueueRequest) (string, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	seq, err := b.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", unavailable("enqueue seq", err)
	}
	brokerJobID := strconv.FormatInt(seq, 10)

	now := time.Now().UTC()

	// Caller-supplied payloads are already encoded by the job definition
	// layer; otherwise build the standard envelope.
	envelope := req.Payload
	if len(envelope) == 0 {
		envelope, err = msgpack.Marshal(&broker.Payload{
			RunID:     req.RunID.String(),
			Engine:    string(req.Engine),
			Location:  req.Location,
			Enqueued:  now,
			RetryLeft: req.RetryLimit,
		})
		if err != nil {
			return "", fmt.Errorf("broker/redismq: encode payload: %w", err)
		}
	}

	lane := broker.Lane(req.Engine, req.Location)
	target := laneKey(lane)
	state := broker.StateWaiting
	if req.Deferred {
		target = deferredKey(lane)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, jobKey(brokerJobID),
		"run_id", req.RunID.String(),
		"lane", lane,
		"state", string(state),
		"payload", envelope,
		"retry_limit", strconv.Itoa(req.RetryLimit),
		"enqueued_at", now.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, target, goredis.Z{Score: float64(now.UnixMilli()), Member: brokerJobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("enqueue", err)
	}

	b.logger.Debug("broker job enqueued",
		slog.String("broker_job_id", brokerJobID),
		slog.String("lane", lane),
		slog.Bool("deferred", req.Deferred),
	)
	return brokerJobID, nil
}

// JobState implements broker.Broker.
func (b *Broker) JobState(ctx context.Context, _ run.Engine, _ string, brokerJobID string) (broker.JobState, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	state, err := b.client.HGet(ctx, jobKey(brokerJobID), "state").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return broker.StateUnknown, nil
		}
		return broker.StateUnknown, unavailable("job state", err)
	}
	return broker.JobState(state), nil
}

// Cancel implements broker.Broker.
func (b *Broker) Cancel(ctx context.Context, engine run.Engine, location, brokerJobID string) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	lane := broker.Lane(engine, location)

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, laneKey(lane), brokerJobID)
	pipe.ZRem(ctx, deferredKey(lane), brokerJobID)
	// An active worker polls this field cooperatively.
	pipe.HSet(ctx, jobKey(brokerJobID), "state", string(broker.StateFailed), "cancelled", "1")
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("cancel", err)
	}
	return nil
}

// Promote implements broker.Broker. It moves a deferred job into the
// claimable lane set, preserving its original enqueue score so promotion
// does not reorder the lane.
func (b *Broker) Promote(ctx context.Context, engine run.Engine, location, brokerJobID string) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	lane := broker.Lane(engine, location)

	score, err := b.client.ZScore(ctx, deferredKey(lane), brokerJobID).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil // already promoted or cancelled
		}
		return unavailable("promote", err)
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, deferredKey(lane), brokerJobID)
	pipe.ZAdd(ctx, laneKey(lane), goredis.Z{Score: score, Member: brokerJobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("promote", err)
	}
	return nil
}

// Claim pops the oldest claimable job from the lane, marks it active,
// and returns its decoded payload envelope and broker job ID. An empty
// lane returns nil with no error.
func (b *Broker) Claim(ctx context.Context, lane string) (*broker.Payload, string, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	popped, err := b.client.ZPopMin(ctx, laneKey(lane), 1).Result()
	if err != nil {
		return nil, "", unavailable("claim", err)
	}
	if len(popped) == 0 {
		return nil, "", nil
	}
	brokerJobID, _ := popped[0].Member.(string)

	raw, err := b.client.HGet(ctx, jobKey(brokerJobID), "payload").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			// Job hash gone (cancelled between pop and read). Skip it.
			return nil, "", nil
		}
		return nil, "", unavailable("claim payload", err)
	}

	var payload broker.Payload
	if err := msgpack.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, "", fmt.Errorf("broker/redismq: decode payload: %w", err)
	}

	if err := b.client.HSet(ctx, jobKey(brokerJobID), "state", string(broker.StateActive)).Err(); err != nil {
		return nil, "", unavailable("claim activate", err)
	}
	return &payload, brokerJobID, nil
}

// NextDeferred returns the oldest deferred job in the lane without
// moving it. An empty deferred set returns empty strings, no error.
func (b *Broker) NextDeferred(ctx context.Context, lane string) (runID, brokerJobID string, err error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	members, err := b.client.ZRange(ctx, deferredKey(lane), 0, 0).Result()
	if err != nil {
		return "", "", unavailable("next deferred", err)
	}
	if len(members) == 0 {
		return "", "", nil
	}
	brokerJobID = members[0]

	runID, err = b.client.HGet(ctx, jobKey(brokerJobID), "run_id").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", "", nil
		}
		return "", "", unavailable("next deferred", err)
	}
	return runID, brokerJobID, nil
}

// MarkDone records the broker-side terminal state of a claimed job.
func (b *Broker) MarkDone(ctx context.Context, brokerJobID string, failed bool) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	state := broker.StateCompleted
	if failed {
		state = broker.StateFailed
	}
	if err := b.client.HSet(ctx, jobKey(brokerJobID), "state", string(state)).Err(); err != nil {
		return unavailable("mark done", err)
	}
	return nil
}

// RegisterRecurring implements broker.Broker.
func (b *Broker) RegisterRecurring(ctx context.Context, spec broker.RecurringSpec) (string, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	seq, err := b.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", unavailable("register recurring seq", err)
	}
	scheduleID := "sched-" + strconv.FormatInt(seq, 10)

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, scheduleKey(scheduleID),
		"name", spec.Name,
		"cron", spec.Cron,
		"job_id", spec.JobID.String(),
		"retry_limit", strconv.Itoa(spec.RetryLimit),
		"created_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, scheduleIDsKey, scheduleID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("register recurring", err)
	}
	return scheduleID, nil
}

// DeleteRecurring implements broker.Broker.
func (b *Broker) DeleteRecurring(ctx context.Context, scheduleID string) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, scheduleKey(scheduleID))
	pipe.SRem(ctx, scheduleIDsKey, scheduleID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete recurring", err)
	}
	return nil
}

// ListRecurringIDs returns all live broker schedule IDs. The scheduler's
// orphan sweep uses it to find schedules whose handle row is gone.
func (b *Broker) ListRecurringIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	ids, err := b.client.SMembers(ctx, scheduleIDsKey).Result()
	if err != nil {
		return nil, unavailable("list recurring", err)
	}
	return ids, nil
}
