// Package observability exposes admission and run lifecycle metrics
// through OpenTelemetry. The Metrics extension attaches to the hook
// registry and records every admission outcome, queue wait, run
// duration, and cancellation.
//
// Instruments are created from the configured MeterProvider; without
// one the global provider is used, which defaults to noop. Register
// the extension through platform.Build or directly:
//
//	m := observability.NewMetricsWithMeter(mp.Meter("supercheck"))
//	hooks.Register(m)
package observability
