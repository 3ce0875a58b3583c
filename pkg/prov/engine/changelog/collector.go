package changelog

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "changelog"

// Collector pulls each MDT's change log on a fixed period and publishes one
// batch per MDT and pull.
type Collector struct {
	targets  []string
	interval time.Duration
	filter   Filter
	loc      *time.Location

	source   Source
	resolver Resolver
	pool     *ants.Pool
	recorder metrics.MetricRecorder

	mu   sync.Mutex
	last map[string]int64
}

// Options wires the collector's collaborators. Zero values select the lfs-backed defaults.
type Options struct {
	Source   Source
	Resolver Resolver
	Recorder metrics.MetricRecorder
}

// NewCollector builds a collector from the [lustre] section.
func NewCollector(cfg config.LustreConfig, opts Options) (*Collector, error) {
	procNum := cfg.ChlogsProcnum
	if procNum <= 0 {
		procNum = runtime.NumCPU()
	}
	pool, err := ants.NewPool(procNum)
	if err != nil {
		return nil, exception.NewProvError(exception.KindConfig, moduleName, "cannot create parse pool", err)
	}
	c := &Collector{
		targets:  cfg.MDTTargets,
		interval: time.Duration(cfg.ChlogsInterval) * time.Second,
		filter:   Filter{Prefixes: cfg.JobidVars, FilterProcs: cfg.FilterProcs},
		loc:      cfg.Location(),
		source:   opts.Source,
		resolver: opts.Resolver,
		pool:     pool,
		recorder: opts.Recorder,
		last:     make(map[string]int64, len(cfg.MDTTargets)),
	}
	if c.source == nil {
		c.source = NewLfsSource()
	}
	if c.resolver == nil {
		c.resolver = NewLfsResolver(cfg.MDTMounts)
	}
	if c.recorder == nil {
		c.recorder = metrics.NewNoOpMetricRecorder()
	}
	if c.interval <= 0 {
		c.interval = 10 * time.Second
	}
	return c, nil
}

// Run pulls every interval until ctx is done, sending batches on out.
func (c *Collector) Run(ctx context.Context, out chan<- model.ChangelogBatch) error {
	logger.Infof("Change-log collector started: %d MDT(s), every %s, %d parse workers.", len(c.targets), c.interval, c.pool.Cap())
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		for _, b := range c.CollectOnce(ctx) {
			select {
			case out <- b:
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-ctx.Done():
			logger.Infof("Change-log collector stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

// CollectOnce performs one pull over all MDTs. A failing MDT is logged and skipped.
func (c *Collector) CollectOnce(ctx context.Context) []model.ChangelogBatch {
	var batches []model.ChangelogBatch
	for _, mdt := range c.targets {
		if ctx.Err() != nil {
			break
		}
		b, ok, err := c.collect(ctx, mdt)
		if err != nil {
			logger.Warnf("Change-log pull on %s failed: %v", mdt, err)
			continue
		}
		if ok {
			batches = append(batches, b)
		}
	}
	return batches
}

// LastCaptured returns the highest rec_id captured for mdt.
func (c *Collector) LastCaptured(mdt string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[mdt]
}

// Close releases the parse pool.
func (c *Collector) Close() {
	c.pool.Release()
}

func (c *Collector) collect(ctx context.Context, mdt string) (model.ChangelogBatch, bool, error) {
	after := c.LastCaptured(mdt)
	raw, err := c.source.Read(ctx, mdt, after)
	if err != nil {
		return model.ChangelogBatch{}, false, err
	}

	maxRec := after
	var keep []Line
	for _, r := range raw {
		l, cls := c.filter.Classify(r)
		if cls == Malformed {
			logger.Debugf("Skipping unparsable change-log line on %s: %q", mdt, r)
			continue
		}
		if l.RecID <= after {
			continue
		}
		if l.RecID > maxRec {
			maxRec = l.RecID
		}
		if cls == Keep {
			keep = append(keep, l)
		}
	}
	if maxRec == after {
		return model.ChangelogBatch{}, false, nil
	}

	records, err := c.parse(ctx, mdt, keep)
	if err != nil {
		return model.ChangelogBatch{}, false, err
	}

	c.mu.Lock()
	c.last[mdt] = maxRec
	c.mu.Unlock()

	c.recorder.RecordChangelog(ctx, mdt, len(records))
	logger.Debugf("Captured %d change-log record(s) on %s up to rec_id %d.", len(records), mdt, maxRec)
	return model.ChangelogBatch{MDT: mdt, MaxRecID: maxRec, Records: records}, true, nil
}

// parse fans the lines out over the pool in contiguous chunks and reassembles
// the results in chunk order.
func (c *Collector) parse(ctx context.Context, mdt string, lines []Line) ([]model.FileOpRecord, error) {
	chunks := Chunks(len(lines), c.pool.Cap())
	results := make([][]model.FileOpRecord, len(chunks))

	var wg sync.WaitGroup
	for i, ch := range chunks {
		i, part := i, lines[ch[0]:ch[1]]
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			results[i] = c.parseChunk(ctx, mdt, part)
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, exception.NewProvError(exception.KindFatal, moduleName, "parse pool rejected a chunk", err)
		}
	}
	wg.Wait()

	var out []model.FileOpRecord
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (c *Collector) parseChunk(ctx context.Context, mdt string, lines []Line) []model.FileOpRecord {
	out := make([]model.FileOpRecord, 0, len(lines))
	for _, l := range lines {
		rec, err := ParseRecord(l, mdt, c.loc)
		if err != nil {
			logger.Warnf("Dropping change-log record on %s: %v", mdt, err)
			continue
		}
		rec.TargetPath = c.resolver.Resolve(ctx, mdt, rec.TargetFID)
		rec.ParentPath = c.resolver.Resolve(ctx, mdt, rec.ParentFID)
		out = append(out, rec)
	}
	return out
}

// Chunks splits n items into contiguous [start, end) ranges of
// ceil(n / (2*workers)) items each.
func Chunks(n, workers int) [][2]int {
	if n == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	size := (n + 2*workers - 1) / (2 * workers)
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}
