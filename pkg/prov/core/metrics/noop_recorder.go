package metrics

import (
	"context"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// NoOpMetricRecorder discards everything. Used when [metrics] listen_addr is empty and in tests.
type NoOpMetricRecorder struct{}

// NewNoOpMetricRecorder creates a NoOpMetricRecorder.
func NewNoOpMetricRecorder() MetricRecorder {
	return &NoOpMetricRecorder{}
}

func (r *NoOpMetricRecorder) RecordIngest(ctx context.Context, stream string, count int) {}
func (r *NoOpMetricRecorder) RecordCodecError(ctx context.Context, host string) {}
func (r *NoOpMetricRecorder) RecordChangelog(ctx context.Context, mdt string, count int) {}
func (r *NoOpMetricRecorder) RecordWindow(ctx context.Context, execution *model.WindowExecution) {}
func (r *NoOpMetricRecorder) RecordSinkFailure(ctx context.Context, sink string) {}
func (r *NoOpMetricRecorder) RecordDuration(ctx context.Context, name string, d time.Duration) {}
func (r *NoOpMetricRecorder) SetTableEntries(n int) {}

var _ MetricRecorder = (*NoOpMetricRecorder)(nil)

// NoOpTracer returns the context unchanged.
type NoOpTracer struct{}

// NewNoOpTracer creates a NoOpTracer.
func NewNoOpTracer() Tracer {
	return &NoOpTracer{}
}

func (t *NoOpTracer) StartWindowSpan(ctx context.Context, windowID string) (context.Context, func()) {
	return ctx, func() {}
}

func (t *NoOpTracer) StartSinkSpan(ctx context.Context, sink string) (context.Context, func()) {
	return ctx, func() {}
}

func (t *NoOpTracer) RecordError(ctx context.Context, module string, err error) {}

var _ Tracer = (*NoOpTracer)(nil)
