package aggregator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/memo"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/repository/inmemory"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	job42 = model.JobIdentity{Cluster: "clusterA", Sched: "uge", JobID: "42"}
	job43 = model.JobIdentity{Cluster: "clusterA", Sched: "uge", JobID: "43", TaskID: "2"}
)

// events is a shared, ordered log of collaborator calls.
type events struct {
	mu  sync.Mutex
	log []string
}

func (ev *events) add(format string, args ...any) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.log = append(ev.log, fmt.Sprintf(format, args...))
}

func (ev *events) all() []string {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]string(nil), ev.log...)
}

type fakePersister struct {
	ev     *events
	fail   map[string]error
	sinks  []string
	mu     sync.Mutex
	snaps  []*model.WindowSnapshot
	called chan struct{}
}

func newFakePersister(ev *events, sinks ...string) *fakePersister {
	if len(sinks) == 0 {
		sinks = []string{persistence.SinkDocument, persistence.SinkTimeSeries}
	}
	return &fakePersister{ev: ev, sinks: sinks, fail: map[string]error{}, called: make(chan struct{}, 16)}
}

func (p *fakePersister) Persist(_ context.Context, snap *model.WindowSnapshot) persistence.Report {
	p.mu.Lock()
	p.snaps = append(p.snaps, snap)
	p.mu.Unlock()
	p.ev.add("persist %s", snap.WindowID)
	r := persistence.Report{Ran: map[string]bool{}, Failed: map[string]error{}}
	for _, s := range p.sinks {
		r.Ran[s] = true
		if err, ok := p.fail[s]; ok {
			r.Failed[s] = err
			r.Err = errors.Join(r.Err, err)
		}
	}
	p.called <- struct{}{}
	return r
}

func (p *fakePersister) last() *model.WindowSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return nil
	}
	return p.snaps[len(p.snaps)-1]
}

type fakeClearer struct{ ev *events }

func (c *fakeClearer) Clear(_ context.Context, mdt, user string, upTo int64) error {
	c.ev.add("clear %s %s %d", mdt, user, upTo)
	return nil
}

type mockFacade struct{ mock.Mock }

func (m *mockFacade) JobInfo(_ context.Context, id model.JobIdentity) (model.JobInfo, error) {
	args := m.Called(id)
	return args.Get(0).(model.JobInfo), args.Error(1)
}

func (m *mockFacade) JobScript(_ context.Context, info model.JobInfo) (string, error) {
	args := m.Called(info.Identity)
	return args.String(0), args.Error(1)
}

type fakeAccounting struct {
	mu        sync.Mutex
	requested []model.JobIdentity
	results   chan model.JobInfo
}

func (a *fakeAccounting) Request(id model.JobIdentity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requested = append(a.requested, id)
}

func (a *fakeAccounting) Results() <-chan model.JobInfo { return a.results }

type fixture struct {
	engine    *Engine
	persister *fakePersister
	facade    *mockFacade
	memo      *memo.Store
	acct      *fakeAccounting
	ev        *events
}

func newFixture(t *testing.T, streams Streams) *fixture {
	t.Helper()
	ev := &events{}
	f := &fixture{
		persister: newFakePersister(ev),
		facade:    &mockFacade{},
		memo:      memo.New(filepath.Join(t.TempDir(), "finished_jobs")),
		acct:      &fakeAccounting{results: make(chan model.JobInfo, 8)},
		ev:        ev,
	}
	registry := scheduler.NewRegistry()
	registry.Register(model.KindUGE, f.facade)
	e, err := New(
		config.AggregatorConfig{Interval: 60, UndefLimit: 5},
		config.LustreConfig{MDTTargets: []string{"fs-MDT0000"}, ChlogUsers: []string{"cl1"}},
		streams,
		Options{
			Schedulers: registry,
			Accounting: f.acct,
			Memo:       f.memo,
			Persister:  f.persister,
			Clearer:    &fakeClearer{ev: ev},
			Ledger:     inmemory.NewLedger(16),
		})
	require.NoError(t, err)
	f.engine = e
	return f
}

// resolveQueued plays the scheduler worker for one window.
func (f *fixture) resolveQueued(w *window) {
	for _, id := range f.engine.queue.Drain() {
		f.engine.lookup(context.Background(), w, id)
	}
}

func mdsRecord(id model.JobIdentity, ts float64, snap int64, open int64) model.MDSRecord {
	return model.MDSRecord{Timestamp: ts, SnapshotTime: snap, Host: "mds01", Target: "fs-MDT0000", Identity: id,
		Counters: model.MDSCounters{Open: open}}
}

func running(id model.JobIdentity) model.JobInfo {
	return model.JobInfo{Identity: id, Kind: model.KindUGE, Status: model.StatusRunning, Name: "sim", JobScript: "#!/bin/sh"}
}

func TestRecordsStaySortedByTimestamp(t *testing.T) {
	f := newFixture(t, Streams{})
	w := f.engine.newWindow()
	ctx := context.Background()
	for _, ts := range []float64{30, 10, 20, 10} {
		f.engine.acceptMDS(ctx, w, mdsRecord(job42, ts, int64(ts), 1))
	}
	entry, ok := f.engine.Table().Get(job42.UID())
	require.True(t, ok)
	var got []float64
	for _, r := range entry.Snapshot().MDS {
		got = append(got, r.Timestamp)
	}
	assert.Equal(t, []float64{10, 10, 20, 30}, got)
}

func TestNewKeyEnqueuesOneLookup(t *testing.T) {
	f := newFixture(t, Streams{})
	w := f.engine.newWindow()
	ctx := context.Background()
	f.engine.acceptMDS(ctx, w, mdsRecord(job42, 1, 1, 1))
	f.engine.acceptOSS(ctx, w, model.OSSRecord{Timestamp: 2, Host: "oss01", Target: "fs-OST0000", Identity: job42})
	f.engine.acceptChangelog(ctx, w, model.ChangelogBatch{MDT: "fs-MDT0000", Records: []model.FileOpRecord{{RecID: 1, Identity: job42}}})
	f.engine.acceptMDS(ctx, w, mdsRecord(job43, 1, 1, 1))

	assert.Equal(t, 2, f.engine.Table().Len())
	assert.ElementsMatch(t, []model.JobIdentity{job42, job43}, f.engine.queue.Drain())
}

func TestProcessOnlyRecordsStayOutOfTheTable(t *testing.T) {
	f := newFixture(t, Streams{})
	w := f.engine.newWindow()
	ctx := context.Background()
	f.engine.acceptMDS(ctx, w, model.MDSRecord{Timestamp: 1, Host: "mds01", Target: "fs-MDT0000", ProcID: "cp.1000"})
	f.engine.acceptHeartbeat(ctx, w, "mds01;1700000000;0.5,0.4,0.3;64,32")
	f.engine.acceptHeartbeat(ctx, w, "mds01;1700000000;0.5,0.4,0.3;64,32")

	snap := f.engine.snapshot(w, time.Now())
	assert.Empty(t, snap.Entries)
	require.Len(t, snap.UnkeyedMDS, 1)
	assert.Equal(t, []string{"mds01;1700000000;0.5,0.4,0.3;64,32"}, snap.ServerStats)
}

func TestFinishedEntriesLeaveTheTable(t *testing.T) {
	f := newFixture(t, Streams{})
	ctx := context.Background()
	done := running(job42)
	done.Status = model.StatusFinished
	f.facade.On("JobInfo", job42).Return(done, nil).Once()
	f.facade.On("JobInfo", job43).Return(running(job43), nil).Once()

	w := f.engine.newWindow()
	f.engine.acceptMDS(ctx, w, mdsRecord(job42, 1, 1, 3))
	f.engine.acceptMDS(ctx, w, mdsRecord(job43, 1, 1, 3))
	f.resolveQueued(w)
	exec := f.engine.flush(ctx, w)

	assert.Equal(t, model.WindowCompleted, exec.Status)
	assert.Equal(t, 1, exec.FinishedJobs)
	_, ok := f.engine.Table().Get(job42.UID())
	assert.False(t, ok)
	entry, ok := f.engine.Table().Get(job43.UID())
	require.True(t, ok)
	mds, oss, ops := entry.Counts()
	assert.Zero(t, mds+oss+ops, "surviving entries are reset")
	assert.Equal(t, "sim", entry.JobInfo().Name)
	assert.Equal(t, []model.JobIdentity{job43}, f.engine.queue.Drain(), "unfinished jobs are looked up again")
	f.facade.AssertExpectations(t)
}

func TestMissingScriptIsFetched(t *testing.T) {
	f := newFixture(t, Streams{})
	info := running(job42)
	info.JobScript = ""
	f.facade.On("JobInfo", job42).Return(info, nil).Once()
	f.facade.On("JobScript", job42).Return("echo hi\n", nil).Once()

	w := f.engine.newWindow()
	f.engine.acceptMDS(context.Background(), w, mdsRecord(job42, 1, 1, 1))
	f.resolveQueued(w)

	entry, _ := f.engine.Table().Get(job42.UID())
	assert.Equal(t, "echo hi\n", entry.JobInfo().JobScript)
	f.facade.AssertExpectations(t)
}

func TestSchedulerFailureDegradesToUndef(t *testing.T) {
	f := newFixture(t, Streams{})
	f.facade.On("JobInfo", job42).
		Return(model.JobInfo{}, exception.NewProvError(exception.KindScheduler, "uge", "connection refused", nil)).Once()

	w := f.engine.newWindow()
	f.engine.acceptMDS(context.Background(), w, mdsRecord(job42, 1, 1, 1))
	f.resolveQueued(w)
	f.resolveQueued(w)

	entry, _ := f.engine.Table().Get(job42.UID())
	assert.Equal(t, model.StatusUndef, entry.JobInfo().Status)
	assert.Equal(t, []model.JobIdentity{job42}, f.acct.requested)
	f.facade.AssertExpectations(t)
}

func TestClearFollowsDocumentPersistence(t *testing.T) {
	f := newFixture(t, Streams{})
	ctx := context.Background()
	f.facade.On("JobInfo", job42).Return(running(job42), nil)

	w := f.engine.newWindow()
	f.engine.acceptChangelog(ctx, w, model.ChangelogBatch{MDT: "fs-MDT0000", MaxRecID: 9,
		Records: []model.FileOpRecord{{RecID: 7, Timestamp: 1, Identity: job42}}})
	f.resolveQueued(w)
	exec := f.engine.flush(ctx, w)

	assert.Equal(t, []string{"persist " + w.id, "clear fs-MDT0000 cl1 9"}, f.ev.all())
	assert.Equal(t, 1, exec.ClearedTargets)

	// A failed document sink keeps the change log for the next pull.
	f.persister.fail[persistence.SinkDocument] = errors.New("no reachable servers")
	w = f.engine.newWindow()
	f.engine.acceptChangelog(ctx, w, model.ChangelogBatch{MDT: "fs-MDT0000",
		Records: []model.FileOpRecord{{RecID: 12, Timestamp: 2, Identity: job42}}})
	exec = f.engine.flush(ctx, w)

	assert.Equal(t, model.WindowDropped, exec.Status)
	assert.Zero(t, exec.ClearedTargets)
	assert.Equal(t, "persist "+w.id, f.ev.all()[2])
	assert.Len(t, f.ev.all(), 3)
}

func TestOtherSinkFailureStillClears(t *testing.T) {
	f := newFixture(t, Streams{})
	ctx := context.Background()
	f.persister.fail[persistence.SinkTimeSeries] = errors.New("influx down")

	w := f.engine.newWindow()
	f.engine.acceptChangelog(ctx, w, model.ChangelogBatch{MDT: "fs-MDT0000",
		Records: []model.FileOpRecord{{RecID: 3, Timestamp: 1, Identity: job42}}})
	exec := f.engine.flush(ctx, w)

	assert.Equal(t, model.WindowFailed, exec.Status)
	assert.Equal(t, 1, exec.ClearedTargets)
	latest, err := f.engine.ledger.LatestWindow(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.WindowFailed, latest.Status)
}

func TestIdenticalPayloadsInOneWindowAreNotDoubled(t *testing.T) {
	f := newFixture(t, Streams{})
	ctx := context.Background()
	f.persister.fail[persistence.SinkDocument] = errors.New("write conflict")

	w := f.engine.newWindow()
	f.engine.acceptMDS(ctx, w, mdsRecord(job42, 100, 90, 3))
	f.engine.acceptMDS(ctx, w, mdsRecord(job42, 100, 90, 3))
	f.engine.flush(ctx, w)

	require.Len(t, f.persister.snaps, 1, "a failed window is not retried")
	snap := f.persister.last()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, int64(3), snap.Entries[0].MDSTable["mds01"]["fs-MDT0000"].Counters.Open)
}

func TestUndefPromotionAfterFiveWindows(t *testing.T) {
	f := newFixture(t, Streams{})
	ctx := context.Background()
	f.facade.On("JobInfo", job42).Return(model.JobInfo{Identity: job42, Kind: model.KindUGE, Status: model.StatusUndef}, nil)

	var w *window
	for i := 1; i <= 5; i++ {
		w = f.engine.newWindow()
		f.engine.acceptMDS(ctx, w, mdsRecord(job42, float64(i), int64(i), 1))
		f.resolveQueued(w)
		f.engine.flush(ctx, w)
		if i < 5 {
			entry, ok := f.engine.Table().Get(job42.UID())
			require.True(t, ok, "window %d", i)
			assert.Equal(t, model.StatusUndef, entry.JobInfo().Status)
			assert.Equal(t, i, entry.JobInfo().UndefCnt)
		}
	}
	_, ok := f.engine.Table().Get(job42.UID())
	assert.False(t, ok)
	snap := f.persister.last()
	assert.Equal(t, model.StatusFinished, snap.Entries[0].Info.Status)

	raw, err := os.ReadFile(f.memo.Path())
	require.NoError(t, err)
	assert.Contains(t, strings.Fields(string(raw)), job42.Token())
}

func TestEpilogueMarkerIsIgnored(t *testing.T) {
	f := newFixture(t, Streams{})
	w := f.engine.newWindow()
	f.engine.acceptChangelog(context.Background(), w, model.ChangelogBatch{MDT: "fs-MDT0000", Records: []model.FileOpRecord{
		{RecID: 4, OpType: "CREAT", Timestamp: 1, TargetFID: "[0x1:0x2:0x0]", TargetFile: ".job_finished.42", Identity: job42},
		{RecID: 5, OpType: "CREAT", Timestamp: 2, TargetFID: "[0x1:0x3:0x0]", TargetFile: "out.dat", Identity: job42},
	}})

	snap := f.engine.snapshot(w, time.Now())
	require.Len(t, snap.Entries, 1)
	assert.True(t, snap.Entries[0].Ignored("[0x1:0x2:0x0]"))
	assert.False(t, snap.Entries[0].Ignored("[0x1:0x3:0x0]"))
	assert.Equal(t, map[string]int64{"fs-MDT0000": 5}, snap.ClearMarks)
}

func TestAccountingResultsFinishJobs(t *testing.T) {
	f := newFixture(t, Streams{})
	ctx := context.Background()
	undef := func(id model.JobIdentity) model.JobInfo {
		return model.JobInfo{Identity: id, Kind: model.KindUGE, Status: model.StatusUndef}
	}
	f.facade.On("JobInfo", job42).Return(undef(job42), nil).Once()
	f.facade.On("JobInfo", job43).Return(undef(job43), nil).Once()

	w := f.engine.newWindow()
	f.engine.acceptMDS(ctx, w, mdsRecord(job42, 1, 1, 1))
	f.engine.acceptMDS(ctx, w, mdsRecord(job43, 1, 1, 1))
	f.resolveQueued(w)
	assert.ElementsMatch(t, []model.JobIdentity{job42, job43}, f.acct.requested)

	for _, id := range []model.JobIdentity{job42, job43} {
		f.engine.applyAccounting(w, model.JobInfo{Identity: id, Kind: model.KindUGE, Status: model.StatusFinished, Username: "alice"})
	}
	exec := f.engine.flush(ctx, w)

	assert.Equal(t, 2, exec.FinishedJobs)
	assert.Zero(t, f.engine.Table().Len())
	assert.Zero(t, f.engine.PendingLookups())
}

func TestMemoHitSkipsTheScheduler(t *testing.T) {
	f := newFixture(t, Streams{})
	require.NoError(t, f.memo.Store(job42))

	w := f.engine.newWindow()
	f.engine.acceptMDS(context.Background(), w, mdsRecord(job42, 1, 1, 1))
	f.resolveQueued(w)

	entry, _ := f.engine.Table().Get(job42.UID())
	assert.True(t, entry.JobInfo().Memoized())
	f.facade.AssertNotCalled(t, "JobInfo", mock.Anything)
}

func TestRunWindowJoinsStreams(t *testing.T) {
	mds := make(chan model.MDSRecord, 4)
	f := newFixture(t, Streams{MDS: mds})
	f.engine.interval = 200 * time.Millisecond
	f.facade.On("JobInfo", job42).Return(running(job42), nil)

	mds <- mdsRecord(job42, 1700000000, 1699999990, 3)
	mds <- mdsRecord(job42, 1700000060, 1700000050, 5)
	require.NoError(t, f.engine.RunWindow(context.Background()))

	snap := f.persister.last()
	require.NotNil(t, snap)
	require.Len(t, snap.Entries, 1)
	e := snap.Entries[0]
	assert.Equal(t, job42.UID(), e.UID)
	assert.Equal(t, model.StatusRunning, e.Info.Status)
	got := e.MDSTable["mds01"]["fs-MDT0000"]
	assert.Equal(t, int64(8), got.Counters.Open)
	assert.Equal(t, int64(1700000050), got.SnapshotTime)
}

func TestFatalIngestErrorEndsRun(t *testing.T) {
	mds := make(chan model.MDSRecord, 1)
	fatal := make(chan error, 1)
	f := newFixture(t, Streams{MDS: mds, Fatal: fatal})
	f.facade.On("JobInfo", job42).Return(running(job42), nil).Maybe()

	mds <- mdsRecord(job42, 1, 1, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		fatal <- exception.NewProvError(exception.KindConn, "broker", "connection closed", nil)
	}()

	err := f.engine.Run(context.Background())
	require.Error(t, err)
	assert.True(t, exception.IsFatal(err))
	select {
	case <-f.persister.called:
	default:
		t.Fatal("the open window was not flushed")
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	f := newFixture(t, Streams{})
	ctx, cancel := context.WithCancel(context.Background())
	f.engine.acceptMDS(ctx, f.engine.newWindow(), mdsRecord(job42, 1, 1, 1))
	f.facade.On("JobInfo", job42).Return(running(job42), nil).Maybe()

	errCh := make(chan error, 1)
	go func() { errCh <- f.engine.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	require.NotNil(t, f.persister.last())
	assert.Len(t, f.persister.last().Entries, 1)
}

const reloadINI = `
[lustre]
mds_hosts = mds01
oss_hosts = oss01
mdt_targets = fs-MDT0000
chlog_users = cl1

[rabbitmq]
server = mq.example.org
port = 5672
username = prov
password = secret

[io_listener]
exchange = io_exchange
queue = io_queue

[aggregator]
interval = %d
undef_limit = %d
epilogue_pattern = %s

[uge]
clusters = clusterA
addrs = uge-master
ports = 8182
acct_rpc_interval = 60

[mongodb]
host = mongo
port = 27017
database = prov

[influxdb]
host = influx
port = 8086
database = prov
`

func writeReloadConfig(t *testing.T, path string, interval, undef int, pattern string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(reloadINI, interval, undef, pattern)), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestRunWindowPicksUpReloadedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ioprov.ini")
	now := time.Now()
	writeReloadConfig(t, path, 30, 5, "job_finished", now)
	store, err := config.NewStore(path, "", config.RoleServer)
	require.NoError(t, err)

	f := newFixture(t, Streams{})
	f.engine.source = store
	// A cancelled context closes each window at once.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.engine.RunWindow(ctx))
	assert.Equal(t, 30*time.Second, f.engine.interval)
	assert.Equal(t, 5, f.engine.undefLimit)

	writeReloadConfig(t, path, 90, 2, "^done", now.Add(2*time.Second))
	require.NoError(t, f.engine.RunWindow(ctx))
	assert.Equal(t, 90*time.Second, f.engine.interval)
	assert.Equal(t, 2, f.engine.undefLimit)
	assert.True(t, f.engine.epilogue.MatchString("done.7"))
	assert.False(t, f.engine.epilogue.MatchString(".job_finished.7"))

	// The store rejects an invalid edit, so the next window keeps the settings.
	writeReloadConfig(t, path, 10, 3, "*bad", now.Add(4*time.Second))
	require.NoError(t, f.engine.RunWindow(ctx))
	assert.Equal(t, 90*time.Second, f.engine.interval)
	assert.Equal(t, 2, f.engine.undefLimit)
}

type staticSource struct{ cfg *config.Config }

func (s *staticSource) Current() *config.Config { return s.cfg }

func TestRefreshKeepsSettingsOnBadPattern(t *testing.T) {
	f := newFixture(t, Streams{})
	src := &staticSource{cfg: &config.Config{Aggregator: config.AggregatorConfig{Interval: 20, UndefLimit: 3, EpiloguePattern: "(["}}}
	f.engine.source = src

	f.engine.refresh()
	assert.Equal(t, 60*time.Second, f.engine.interval)
	assert.Equal(t, 5, f.engine.undefLimit)

	src.cfg = &config.Config{Aggregator: config.AggregatorConfig{Interval: 20, UndefLimit: 3}}
	f.engine.refresh()
	assert.Equal(t, 20*time.Second, f.engine.interval)
	assert.Equal(t, 3, f.engine.undefLimit)
	assert.True(t, f.engine.epilogue.MatchString(".job_finished.1"))
}
