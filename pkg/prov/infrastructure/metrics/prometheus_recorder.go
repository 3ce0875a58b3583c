package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// PrometheusRecorder is a Prometheus implementation of metrics.MetricRecorder.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	ingestTotal       *prometheus.CounterVec
	codecErrorTotal   *prometheus.CounterVec
	changelogTotal    *prometheus.CounterVec
	windowDuration    *prometheus.HistogramVec
	windowStatusTotal *prometheus.CounterVec
	finishedJobsTotal prometheus.Counter
	clearedTotal      prometheus.Counter
	sinkFailureTotal  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	tableEntries      prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder on its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ioprov_ingest_records_total",
			Help: "Records accepted by stream.",
		}, []string{"stream"}),
		codecErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ioprov_codec_errors_total",
			Help: "Rejected agent payloads and job groups by source host.",
		}, []string{"host"}),
		changelogTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ioprov_changelog_records_total",
			Help: "Change-log records captured by MDT.",
		}, []string{"mdt"}),
		windowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ioprov_window_flush_duration_seconds",
			Help:    "Duration of window flushes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		windowStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ioprov_windows_total",
			Help: "Flush windows by outcome.",
		}, []string{"status"}),
		finishedJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ioprov_finished_jobs_total",
			Help: "Jobs retired from the join table.",
		}),
		clearedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ioprov_changelog_clears_total",
			Help: "Change-log clear operations issued.",
		}),
		sinkFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ioprov_sink_failures_total",
			Help: "Failed sink writes by sink.",
		}, []string{"sink"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ioprov_operation_duration_seconds",
			Help:    "Duration of named operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
		tableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ioprov_table_entries",
			Help: "Live entries in the join table.",
		}),
	}
	registry.MustRegister(
		r.ingestTotal,
		r.codecErrorTotal,
		r.changelogTotal,
		r.windowDuration,
		r.windowStatusTotal,
		r.finishedJobsTotal,
		r.clearedTotal,
		r.sinkFailureTotal,
		r.operationDuration,
		r.tableEntries,
	)
	return r
}

// GetRegistry returns the Prometheus registry.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *PrometheusRecorder) RecordIngest(ctx context.Context, stream string, count int) {
	r.ingestTotal.WithLabelValues(stream).Add(float64(count))
}

func (r *PrometheusRecorder) RecordCodecError(ctx context.Context, host string) {
	r.codecErrorTotal.WithLabelValues(host).Inc()
}

func (r *PrometheusRecorder) RecordChangelog(ctx context.Context, mdt string, count int) {
	r.changelogTotal.WithLabelValues(mdt).Add(float64(count))
}

// RecordWindow records a finished window. Windows without an end time are ignored.
func (r *PrometheusRecorder) RecordWindow(ctx context.Context, execution *model.WindowExecution) {
	if execution.EndTime == nil {
		return
	}
	status := string(execution.Status)
	duration := execution.EndTime.Sub(execution.StartTime).Seconds()
	r.windowDuration.WithLabelValues(status).Observe(duration)
	r.windowStatusTotal.WithLabelValues(status).Inc()
	r.finishedJobsTotal.Add(float64(execution.FinishedJobs))
	r.clearedTotal.Add(float64(execution.ClearedTargets))
	logger.Debugf("Metrics: window %s %s in %.3fs.", execution.ID, status, duration)
}

func (r *PrometheusRecorder) RecordSinkFailure(ctx context.Context, sink string) {
	r.sinkFailureTotal.WithLabelValues(sink).Inc()
}

func (r *PrometheusRecorder) RecordDuration(ctx context.Context, name string, duration time.Duration) {
	r.operationDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) SetTableEntries(n int) {
	r.tableEntries.Set(float64(n))
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)
