// Package aggregator joins the MDS, OSS and change-log streams with scheduler
// metadata into per-job provenance entries and flushes them once per window.
package aggregator

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/repository"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "aggregator"

// DefaultEpiloguePattern matches the marker files written by job epilogues.
const DefaultEpiloguePattern = `^\.job_finished\.\d+$`

const (
	defaultInterval   = 60 * time.Second
	defaultUndefLimit = 5
)

// Streams are the engine inputs. A nil channel is never read.
type Streams struct {
	MDS        <-chan model.MDSRecord
	OSS        <-chan model.OSSRecord
	Changelog  <-chan model.ChangelogBatch
	Heartbeats <-chan string
	// Fatal carries transport failures of the ingest side; one ends the engine.
	Fatal <-chan error
}

// Schedulers selects the facade for an identity.
type Schedulers interface {
	Lookup(id model.JobIdentity) (scheduler.Facade, bool)
}

// Accounting resolves identities the scheduler service no longer knows.
type Accounting interface {
	Request(id model.JobIdentity)
	Results() <-chan model.JobInfo
}

// Memo is the finished-job memo.
type Memo interface {
	Contains(id model.JobIdentity) (bool, error)
	StoreAll(ids []model.JobIdentity) error
	CorrectList(valid map[string]struct{}) (int, error)
}

// Persister writes a window to the sinks.
type Persister interface {
	Persist(ctx context.Context, snap *model.WindowSnapshot) persistence.Report
}

// Clearer releases change-log records upstream.
type Clearer interface {
	Clear(ctx context.Context, mdt, user string, upTo int64) error
}

// ConfigSource yields the active configuration. *config.Store reloads it when the
// file changes.
type ConfigSource interface {
	Current() *config.Config
}

// Options wires the engine's collaborators. Only Persister is required.
type Options struct {
	// Source, when set, is consulted at the start of every window.
	Source     ConfigSource
	Schedulers Schedulers
	Accounting Accounting
	Memo       Memo
	Persister  Persister
	Clearer    Clearer
	Ledger     repository.WindowLedger
	Recorder   metrics.MetricRecorder
	Tracer     metrics.Tracer
}

// Engine runs the window cycle.
type Engine struct {
	interval   time.Duration
	undefLimit int
	lustre     config.LustreConfig
	epilogue   *regexp.Regexp
	streams    Streams
	source     ConfigSource
	applied    *config.Config

	schedulers Schedulers
	accounting Accounting
	memo       Memo
	persister  Persister
	clearer    Clearer
	ledger     repository.WindowLedger
	recorder   metrics.MetricRecorder
	tracer     metrics.Tracer

	queue *requestQueue
	table *Table
	now   func() time.Time
}

// New creates an engine reading streams.
func New(agg config.AggregatorConfig, lustre config.LustreConfig, streams Streams, opts Options) (*Engine, error) {
	if opts.Persister == nil {
		return nil, exception.NewProvError(exception.KindConfig, moduleName, "a persister is required", nil)
	}
	e := &Engine{
		streams:    streams,
		source:     opts.Source,
		schedulers: opts.Schedulers,
		accounting: opts.Accounting,
		memo:       opts.Memo,
		persister:  opts.Persister,
		clearer:    opts.Clearer,
		ledger:     opts.Ledger,
		recorder:   opts.Recorder,
		tracer:     opts.Tracer,
		queue:      newRequestQueue(),
		now:        time.Now,
	}
	if err := e.apply(agg, lustre); err != nil {
		return nil, err
	}
	if e.recorder == nil {
		e.recorder = metrics.NewNoOpMetricRecorder()
	}
	if e.tracer == nil {
		e.tracer = metrics.NewNoOpTracer()
	}
	e.table = newTable(e.queue)
	return e, nil
}

// apply installs the window settings. Nothing changes when agg is invalid.
func (e *Engine) apply(agg config.AggregatorConfig, lustre config.LustreConfig) error {
	pattern := agg.EpiloguePattern
	if pattern == "" {
		pattern = DefaultEpiloguePattern
	}
	epilogue, err := regexp.Compile(pattern)
	if err != nil {
		return exception.NewProvErrorf(exception.KindConfig, moduleName, "invalid epilogue_pattern %q", pattern, err)
	}
	e.interval, e.undefLimit = agg.FlushInterval(), agg.UndefLimit
	if e.interval <= 0 {
		e.interval = defaultInterval
	}
	if e.undefLimit <= 0 {
		e.undefLimit = defaultUndefLimit
	}
	e.epilogue, e.lustre = epilogue, lustre
	return nil
}

// refresh picks up a reloaded configuration before a window opens. Workers of
// the previous window have stopped, so the fields are not shared yet.
func (e *Engine) refresh() {
	if e.source == nil {
		return
	}
	cfg := e.source.Current()
	if cfg == nil || cfg == e.applied {
		return
	}
	if err := e.apply(cfg.Aggregator, cfg.Lustre); err != nil {
		logger.Warnf("Aggregator keeps its previous settings: %v", err)
	} else if e.applied != nil {
		logger.Infof("Aggregator settings reloaded: flush every %s, UNDEF limit %d.", e.interval, e.undefLimit)
	}
	e.applied = cfg
}

// Table exposes the join table.
func (e *Engine) Table() *Table { return e.table }

// PendingLookups returns the number of identities waiting for the scheduler worker.
func (e *Engine) PendingLookups() int { return e.queue.Len() }

// window is the per-cycle state shared by the workers.
type window struct {
	id    string
	start time.Time

	mu         sync.Mutex
	unkeyedMDS []model.MDSRecord
	unkeyedOSS []model.OSSRecord
	heartbeats map[string]struct{}
	clearMarks map[string]int64

	// Owned by the scheduler worker.
	processed map[string]struct{}
	requeue   map[string]model.JobIdentity
}

func (e *Engine) newWindow() *window {
	return &window{
		id:         uuid.NewString(),
		start:      e.now(),
		heartbeats: make(map[string]struct{}),
		clearMarks: make(map[string]int64),
		processed:  make(map[string]struct{}),
		requeue:    make(map[string]model.JobIdentity),
	}
}

// Run cycles windows until ctx is done or a fatal error arrives. The window
// open at that moment is flushed before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	logger.Infof("Aggregator started: flush every %s, UNDEF limit %d.", e.interval, e.undefLimit)
	for {
		err := e.RunWindow(ctx)
		if err != nil {
			logger.Errorf("Aggregator stopped on fatal error: %v", err)
			return err
		}
		if ctx.Err() != nil {
			logger.Infof("Aggregator stopped.")
			return nil
		}
	}
}

// RunWindow collects one window, then reduces, persists and cleans up. It
// returns only fatal errors.
func (e *Engine) RunWindow(ctx context.Context) error {
	e.refresh()
	w := e.newWindow()
	wctx, timesUp := context.WithCancel(ctx)
	defer timesUp()

	g, gctx := errgroup.WithContext(wctx)
	g.Go(func() error {
		return drain(gctx, e.streams.MDS, func(r model.MDSRecord) { e.acceptMDS(gctx, w, r) })
	})
	g.Go(func() error {
		return drain(gctx, e.streams.OSS, func(r model.OSSRecord) { e.acceptOSS(gctx, w, r) })
	})
	g.Go(func() error {
		return drain(gctx, e.streams.Changelog, func(b model.ChangelogBatch) { e.acceptChangelog(gctx, w, b) })
	})
	g.Go(func() error {
		return drain(gctx, e.streams.Heartbeats, func(hb string) { e.acceptHeartbeat(gctx, w, hb) })
	})
	g.Go(func() error { return e.runScheduler(gctx, w) })
	g.Go(func() error { return watchFatal(gctx, e.streams.Fatal) })

	timer := time.NewTimer(e.interval)
	select {
	case <-timer.C:
	case <-gctx.Done():
		timer.Stop()
	}
	timesUp()
	err := g.Wait()

	e.flush(context.WithoutCancel(ctx), w)
	return err
}

// drain hands every item of in to handle until ctx is done or in is closed.
func drain[T any](ctx context.Context, in <-chan T, handle func(T)) error {
	if in == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-in:
			if !ok {
				<-ctx.Done()
				return nil
			}
			handle(item)
		}
	}
}

func watchFatal(ctx context.Context, in <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-in:
		if !ok || err == nil {
			<-ctx.Done()
			return nil
		}
		return exception.NewProvError(exception.KindFatal, moduleName, "ingest failed", err)
	}
}

func (e *Engine) acceptMDS(ctx context.Context, w *window, r model.MDSRecord) {
	e.recorder.RecordIngest(ctx, metrics.StreamMDS, 1)
	if r.Identity.IsZero() {
		w.mu.Lock()
		w.unkeyedMDS = append(w.unkeyedMDS, r)
		w.mu.Unlock()
		return
	}
	e.table.Acquire(r.Identity).InsertMDS(r)
}

func (e *Engine) acceptOSS(ctx context.Context, w *window, r model.OSSRecord) {
	e.recorder.RecordIngest(ctx, metrics.StreamOSS, 1)
	if r.Identity.IsZero() {
		w.mu.Lock()
		w.unkeyedOSS = append(w.unkeyedOSS, r)
		w.mu.Unlock()
		return
	}
	e.table.Acquire(r.Identity).InsertOSS(r)
}

func (e *Engine) acceptChangelog(ctx context.Context, w *window, b model.ChangelogBatch) {
	e.recorder.RecordIngest(ctx, metrics.StreamChangelog, len(b.Records))
	mark := b.MaxRecID
	for _, r := range b.Records {
		if r.RecID > mark {
			mark = r.RecID
		}
		if r.Identity.IsZero() {
			continue
		}
		entry := e.table.Acquire(r.Identity)
		if r.TargetFile != "" && e.epilogue.MatchString(r.TargetFile) {
			entry.IgnoreFID(r.TargetFID)
		}
		entry.InsertFileOp(r)
	}
	if b.MDT == "" {
		return
	}
	w.mu.Lock()
	if mark > w.clearMarks[b.MDT] {
		w.clearMarks[b.MDT] = mark
	}
	w.mu.Unlock()
}

func (e *Engine) acceptHeartbeat(ctx context.Context, w *window, hb string) {
	if hb == "" {
		return
	}
	e.recorder.RecordIngest(ctx, metrics.StreamHeartbeat, 1)
	w.mu.Lock()
	w.heartbeats[hb] = struct{}{}
	w.mu.Unlock()
}

// snapshot deep-copies the table and reduces every entry.
func (e *Engine) snapshot(w *window, end time.Time) *model.WindowSnapshot {
	entries := e.table.Entries()
	snap := &model.WindowSnapshot{
		WindowID: w.id,
		Start:    w.start,
		End:      end,
		Entries:  make([]model.EntrySnapshot, 0, len(entries)),
	}
	for _, entry := range entries {
		s := entry.Snapshot()
		s.MDSTable = ReduceMDS(s.MDS)
		s.OSSTable = ReduceOSS(s.OSS)
		snap.Entries = append(snap.Entries, s)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	snap.UnkeyedMDS = append([]model.MDSRecord(nil), w.unkeyedMDS...)
	snap.UnkeyedOSS = append([]model.OSSRecord(nil), w.unkeyedOSS...)
	for hb := range w.heartbeats {
		snap.ServerStats = append(snap.ServerStats, hb)
	}
	sort.Strings(snap.ServerStats)
	snap.ClearMarks = make(map[string]int64, len(w.clearMarks))
	for mdt, mark := range w.clearMarks {
		snap.ClearMarks[mdt] = mark
	}
	return snap
}
