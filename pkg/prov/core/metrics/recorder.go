package metrics

import (
	"context"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// Stream names used as the "stream" label.
const (
	StreamMDS       = "mds"
	StreamOSS       = "oss"
	StreamChangelog = "changelog"
	StreamHeartbeat = "heartbeat"
)

// MetricRecorder is the abstract sink for pipeline metrics.
//
// Implementations must be safe for concurrent use; every stream worker and
// every sink calls into the same recorder.
type MetricRecorder interface {
	// RecordIngest counts records accepted on a stream.
	RecordIngest(ctx context.Context, stream string, count int)

	// RecordCodecError counts rejected agent payloads and job groups.
	RecordCodecError(ctx context.Context, host string)

	// RecordChangelog counts change-log records captured for an MDT.
	RecordChangelog(ctx context.Context, mdt string, count int)

	// RecordWindow records the outcome of a finished window.
	RecordWindow(ctx context.Context, execution *model.WindowExecution)

	// RecordSinkFailure counts a failed sink run.
	RecordSinkFailure(ctx context.Context, sink string)

	// RecordDuration records an arbitrary named duration.
	RecordDuration(ctx context.Context, name string, duration time.Duration)

	// SetTableEntries reports the live entry count of the join table.
	SetTableEntries(n int)
}
