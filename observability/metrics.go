package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/hook"
	"github.com/supercheck-io/supercheck-sub009/run"
)

// meterName is the instrumentation scope name for supercheck metrics.
const meterName = "github.com/supercheck-io/supercheck-sub009"

// Compile-time interface checks.
var (
	_ hook.Extension    = (*Metrics)(nil)
	_ hook.RunAdmitted  = (*Metrics)(nil)
	_ hook.RunQueued    = (*Metrics)(nil)
	_ hook.RunPromoted  = (*Metrics)(nil)
	_ hook.RunFinished  = (*Metrics)(nil)
	_ hook.RunCancelled = (*Metrics)(nil)
	_ hook.RunRejected  = (*Metrics)(nil)
)

// Metrics records admission outcomes and run durations using OTel
// instruments. If no MeterProvider is configured, noop instruments are
// used and the extension becomes a pass-through.
//
// Instruments:
//   - supercheck.admission.decisions (Int64Counter): admission outcomes,
//     with attributes: engine, outcome (admitted|queued|rejected_capacity|
//     rejected_plan)
//   - supercheck.run.duration (Float64Histogram): run execution time in
//     seconds, with attributes: engine, status
//   - supercheck.run.queue_wait (Float64Histogram): time spent queued
//     before promotion, in seconds, with attribute: engine
//   - supercheck.run.cancellations (Int64Counter): cancels, with
//     attribute: engine
type Metrics struct {
	decisions     metric.Int64Counter
	duration      metric.Float64Histogram
	queueWait     metric.Float64Histogram
	cancellations metric.Int64Counter
}

// NewMetrics creates the extension against the global MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates the extension with the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	// Create instruments once at construction time. OTel instruments are
	// safe for concurrent use. On error, the API returns noop instruments
	// so the extension degrades gracefully.
	decisions, dErr := meter.Int64Counter(
		"supercheck.admission.decisions",
		metric.WithDescription("Total admission decisions"),
		metric.WithUnit("{decision}"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	duration, hErr := meter.Float64Histogram(
		"supercheck.run.duration",
		metric.WithDescription("Duration of run execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = hErr // noop fallback guaranteed by OTel API contract

	queueWait, wErr := meter.Float64Histogram(
		"supercheck.run.queue_wait",
		metric.WithDescription("Time spent queued before promotion in seconds"),
		metric.WithUnit("s"),
	)
	_ = wErr // noop fallback guaranteed by OTel API contract

	cancellations, cErr := meter.Int64Counter(
		"supercheck.run.cancellations",
		metric.WithDescription("Total run cancellations"),
		metric.WithUnit("{cancellation}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	return &Metrics{
		decisions:     decisions,
		duration:      duration,
		queueWait:     queueWait,
		cancellations: cancellations,
	}
}

// Name implements hook.Extension.
func (m *Metrics) Name() string { return "otel-metrics" }

func (m *Metrics) OnRunAdmitted(ctx context.Context, r *run.Run) error {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", string(r.Engine)),
		attribute.String("outcome", "admitted"),
	))
	return nil
}

func (m *Metrics) OnRunQueued(ctx context.Context, r *run.Run) error {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", string(r.Engine)),
		attribute.String("outcome", "queued"),
	))
	return nil
}

func (m *Metrics) OnRunPromoted(ctx context.Context, r *run.Run, waited time.Duration) error {
	m.queueWait.Record(ctx, waited.Seconds(), metric.WithAttributes(
		attribute.String("engine", string(r.Engine)),
	))
	return nil
}

func (m *Metrics) OnRunFinished(ctx context.Context, r *run.Run, elapsed time.Duration) error {
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("engine", string(r.Engine)),
		attribute.String("status", string(r.Status)),
	))
	return nil
}

func (m *Metrics) OnRunCancelled(ctx context.Context, r *run.Run) error {
	m.cancellations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", string(r.Engine)),
	))
	return nil
}

func (m *Metrics) OnRunRejected(ctx context.Context, _ string, engine run.Engine, _ capacity.Snapshot, reason error) error {
	// Plan-limit rejections are separated from capacity pressure: the
	// former signals an upgrade conversation, the latter is transient.
	outcome := "rejected_capacity"
	if errors.Is(reason, supercheck.ErrPlanLimit) {
		outcome = "rejected_plan"
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", string(engine)),
		attribute.String("outcome", outcome),
	))
	return nil
}
