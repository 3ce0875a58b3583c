package metrics

import "go.uber.org/fx"

// Module provides the no-op recorder and tracer. infrastructure/metrics
// decorates them when Prometheus or OTLP export is configured.
var Module = fx.Options(
	fx.Provide(NewNoOpMetricRecorder, NewNoOpTracer),
)
