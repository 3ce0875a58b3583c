package metrics

import "context"

// Tracer abstracts span creation for windows and sinks.
type Tracer interface {
	// StartWindowSpan starts a span covering one flush window.
	StartWindowSpan(ctx context.Context, windowID string) (context.Context, func())
	// StartSinkSpan starts a child span for one persistence sink.
	StartSinkSpan(ctx context.Context, sink string) (context.Context, func())
	// RecordError marks the current span as failed.
	RecordError(ctx context.Context, module string, err error)
}
