// Package ingest owns the bounded queues between the transports and the
// aggregation engine, decoding agent payloads on the way in.
package ingest

import (
	"context"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/engine/aggregator"
	"github.com/tigerroll/ioprov/pkg/prov/engine/codec"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// Decoder turns one message body into typed records.
type Decoder interface {
	Decode(body []byte) (codec.Decoded, error)
}

// Pipeline routes decoded records into per-stream queues.
type Pipeline struct {
	decoder  Decoder
	recorder metrics.MetricRecorder

	bodies     chan []byte
	mds        chan model.MDSRecord
	oss        chan model.OSSRecord
	changelog  chan model.ChangelogBatch
	heartbeats chan string
	fatal      chan error
}

// New creates a pipeline whose queues each hold size items.
func New(decoder Decoder, recorder metrics.MetricRecorder, size int) *Pipeline {
	if size <= 0 {
		size = 4096
	}
	if recorder == nil {
		recorder = metrics.NewNoOpMetricRecorder()
	}
	return &Pipeline{
		decoder:    decoder,
		recorder:   recorder,
		bodies:     make(chan []byte, size),
		mds:        make(chan model.MDSRecord, size),
		oss:        make(chan model.OSSRecord, size),
		changelog:  make(chan model.ChangelogBatch, size),
		heartbeats: make(chan string, size),
		fatal:      make(chan error, 1),
	}
}

// Bodies is where the broker consumer delivers raw payloads.
func (p *Pipeline) Bodies() chan<- []byte { return p.bodies }

// Changelog is where the change-log collector delivers batches.
func (p *Pipeline) Changelog() chan<- model.ChangelogBatch { return p.changelog }

// Streams are the engine's view of the queues.
func (p *Pipeline) Streams() aggregator.Streams {
	return aggregator.Streams{
		MDS:        p.mds,
		OSS:        p.oss,
		Changelog:  p.changelog,
		Heartbeats: p.heartbeats,
		Fatal:      p.fatal,
	}
}

// Fail reports a transport failure to the engine. Only the first one is kept.
func (p *Pipeline) Fail(err error) {
	if err == nil {
		return
	}
	select {
	case p.fatal <- err:
	default:
		logger.Debugf("Further transport failure ignored: %v", err)
	}
}

// Run decodes bodies until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case body := <-p.bodies:
			if !p.Dispatch(ctx, body) {
				return nil
			}
		}
	}
}

// Dispatch decodes one body and enqueues its records. A malformed body is
// logged and dropped. It returns false when ctx ended while enqueueing.
func (p *Pipeline) Dispatch(ctx context.Context, body []byte) bool {
	d, err := p.decoder.Decode(body)
	if err != nil {
		p.recorder.RecordCodecError(ctx, "")
		logger.Warnf("Dropping agent payload: %v", err)
		return true
	}
	for i := 0; i < d.Rejected; i++ {
		p.recorder.RecordCodecError(ctx, hostOf(d))
	}
	if d.Stale > 0 {
		logger.Debugf("Skipped %d stale job_stats group(s) from %s.", d.Stale, hostOf(d))
	}
	for _, r := range d.MDS {
		if !send(ctx, p.mds, r) {
			return false
		}
	}
	for _, r := range d.OSS {
		if !send(ctx, p.oss, r) {
			return false
		}
	}
	if d.Heartbeat != "" {
		return send(ctx, p.heartbeats, d.Heartbeat)
	}
	return true
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func hostOf(d codec.Decoded) string {
	switch {
	case len(d.MDS) > 0:
		return d.MDS[0].Host
	case len(d.OSS) > 0:
		return d.OSS[0].Host
	}
	return ""
}
