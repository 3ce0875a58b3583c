// Package persistence fans a window snapshot out to every configured sink.
// Sinks run concurrently and fail independently; nothing is retried.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// Sink names.
const (
	SinkDocument   = "mongo"
	SinkTimeSeries = "influx"
	SinkArchive    = "archive"
)

// Sink writes one window somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, snap *model.WindowSnapshot) error
}

// Report is the per-sink outcome of one run.
type Report struct {
	Ran    map[string]bool
	Failed map[string]error
	// Err aggregates every failure, nil when all sinks succeeded.
	Err error
}

// Succeeded reports whether the named sink ran and did not fail.
func (r Report) Succeeded(name string) bool {
	_, failed := r.Failed[name]
	return r.Ran[name] && !failed
}

// Persister runs the sinks.
type Persister struct {
	sinks    []Sink
	recorder metrics.MetricRecorder
	tracer   metrics.Tracer
}

// New creates a persister over sinks.
func New(recorder metrics.MetricRecorder, tracer metrics.Tracer, sinks ...Sink) *Persister {
	if recorder == nil {
		recorder = metrics.NewNoOpMetricRecorder()
	}
	if tracer == nil {
		tracer = metrics.NewNoOpTracer()
	}
	return &Persister{sinks: sinks, recorder: recorder, tracer: tracer}
}

// Has reports whether a sink with that name is configured.
func (p *Persister) Has(name string) bool {
	for _, s := range p.sinks {
		if s.Name() == name {
			return true
		}
	}
	return false
}

// Persist writes snap to every sink and waits for all of them.
func (p *Persister) Persist(ctx context.Context, snap *model.WindowSnapshot) Report {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report = Report{Ran: make(map[string]bool), Failed: make(map[string]error)}
	)
	for _, s := range p.sinks {
		report.Ran[s.Name()] = true
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			sctx, end := p.tracer.StartSinkSpan(ctx, s.Name())
			defer end()
			start := time.Now()
			err := s.Write(sctx, snap)
			p.recorder.RecordDuration(sctx, "sink_"+s.Name(), time.Since(start))
			if err == nil {
				return
			}
			p.tracer.RecordError(sctx, s.Name(), err)
			p.recorder.RecordSinkFailure(sctx, s.Name())
			logger.Errorf("Window %s dropped by sink %s: %v", snap.WindowID, s.Name(), err)
			mu.Lock()
			report.Failed[s.Name()] = err
			report.Err = multierror.Append(report.Err, err)
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return report
}
