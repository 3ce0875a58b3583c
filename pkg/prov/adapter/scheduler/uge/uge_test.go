package uge_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/broker"
	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler"
	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler/uge"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func clusterConfig(t *testing.T, srv *httptest.Server, spool string) config.UGEConfig {
	t.Helper()
	cfg := config.UGEConfig{Clusters: []string{"clusterA"}, SpoolDirs: []string{spool}}
	if srv != nil {
		host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
		require.NoError(t, err)
		p, _ := strconv.Atoi(port)
		cfg.Addrs, cfg.Ports = []string{host}, []int{p}
	}
	return cfg
}

var clusterA42 = model.JobIdentity{Cluster: "clusterA", Sched: "uge", JobID: "42"}

func TestJobInfoRunning(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"name":"sim","queue":"all.q","slots":"16","submitTime":1699990000000,"startTime":1699990100,
			"user":"alice","state":"r","project":"p1","parallelEnv":"mpi","workingDir":"/home/alice","command":"run.sh",
			"execHost":"node01","resources":{"hard":{"h_rt":3600,"h_vmem":"4G"}},"usage":{"cpu":12.5,"ioops":"300","maxvmem":1024}}`))
	}))
	defer srv.Close()

	info, err := uge.NewClient(clusterConfig(t, srv, "")).JobInfo(context.Background(), clusterA42)
	require.NoError(t, err)
	assert.Equal(t, "/jobs/42.1", gotPath)
	assert.Equal(t, model.StatusRunning, info.Status)
	assert.Equal(t, model.KindUGE, info.Kind)
	assert.Equal(t, 16, info.NumCPU)
	assert.Equal(t, int64(1699990000), info.SubmitTime)
	assert.Equal(t, int64(1699990100), info.StartTime)
	assert.Equal(t, "alice", info.Username)
	require.NotNil(t, info.UGE)
	assert.Equal(t, "3600", info.UGE.HRT)
	assert.Equal(t, "4G", info.UGE.HVmem)
	assert.Equal(t, int64(300), info.UGE.IOOps)
	assert.Equal(t, 12.5, info.UGE.CPU)
	assert.False(t, info.Skeleton)
}

func TestJobInfoUnknownJobIsUndef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errorCode":299,"errorMessage":"job not found"}`))
	}))
	defer srv.Close()

	info, err := uge.NewClient(clusterConfig(t, srv, "")).JobInfo(context.Background(), clusterA42)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUndef, info.Status)
}

func TestJobInfoFailuresAreSchedulerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errorCode":500}`))
	}))
	defer srv.Close()
	c := uge.NewClient(clusterConfig(t, srv, ""))

	_, err := c.JobInfo(context.Background(), clusterA42)
	assert.True(t, exception.IsKind(err, exception.KindScheduler))

	_, err = c.JobInfo(context.Background(), model.JobIdentity{Cluster: "clusterZ", Sched: "uge", JobID: "1"})
	assert.True(t, exception.IsKind(err, exception.KindScheduler))
}

func TestStatusOf(t *testing.T) {
	for state, want := range map[string]model.JobStatus{
		"r": model.StatusRunning, "qw": model.StatusQueued, "d": model.StatusDeleted, "dr": model.StatusDeleted,
		"E": model.StatusError, "Eqw": model.StatusError, "t": model.StatusUndef, "": model.StatusUndef,
	} {
		assert.Equal(t, want, uge.StatusOf(state), state)
	}
}

func TestJobScriptLookup(t *testing.T) {
	spool := t.TempDir()
	c := uge.NewClient(clusterConfig(t, nil, spool))
	info := model.JobInfo{Identity: clusterA42, UGE: &model.UGEExtension{ExecHost: "node01", Command: "qrsh -pty y"}}

	script, err := c.JobScript(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, model.NoScript, script)

	info.UGE.Command = "run.sh"
	_, err = c.JobScript(context.Background(), info)
	assert.ErrorIs(t, err, scheduler.ErrNoScript)

	nested := filepath.Join(spool, "node01", "node01", "job_scripts")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "42"), []byte("#!/bin/sh\nsleep 1\n"), 0o644))
	script, err = c.JobScript(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nsleep 1\n", script)

	pwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pwd, "run.sh"), []byte("echo hi\n"), 0o644))
	info.Identity.JobID = "43"
	info.UGE.Pwd = pwd
	info.UGE.Command = "/opt/bin/../run.sh"
	script, err = c.JobScript(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", script)
}

func TestScriptCandidates(t *testing.T) {
	spool := t.TempDir()
	c := uge.NewClient(clusterConfig(t, nil, spool))
	spooled := []string{
		filepath.Join(spool, "node01", "job_scripts", "42"),
		filepath.Join(spool, "node01", "node01", "job_scripts", "42"),
	}
	tests := []struct {
		name string
		ext  *model.UGEExtension
		want []string
	}{
		{"no extension", nil, nil},
		{"spool only", &model.UGEExtension{ExecHost: "node01", Command: "run.sh"}, spooled},
		{"working directory", &model.UGEExtension{ExecHost: "node01", Pwd: "/tmp", Command: "./run.sh -n 4"},
			append(append([]string(nil), spooled...), "/tmp/run.sh")},
		{"empty command", &model.UGEExtension{Pwd: "/tmp"}, nil},
		{"blank command", &model.UGEExtension{Pwd: "/tmp", Command: "   "}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := model.JobInfo{Identity: clusterA42, UGE: tt.ext}
			assert.Equal(t, tt.want, c.ScriptCandidates(info))
		})
	}

	_, err := c.JobScript(context.Background(), model.JobInfo{Identity: clusterA42, UGE: &model.UGEExtension{Pwd: "/tmp", Command: "\t "}})
	assert.ErrorIs(t, err, scheduler.ErrNoScript)
}

// acctLine renders a 54-column accounting record.
func acctLine(job, task string, end int64) string {
	f := make([]string, 54)
	for i := range f {
		f[i] = "0"
	}
	f[0], f[1], f[3], f[4], f[5] = "all.q", "node01", "alice", "sim", job
	f[8], f[9], f[10] = "1699990000", "1699990100", strconv.FormatInt(end, 10)
	f[11], f[12], f[13] = "0", "1", "99.5"
	f[31], f[33], f[34], f[35] = "p1", "mpi", "8", task
	f[36], f[37], f[38], f[40], f[42] = "10.5", "2.5", "0.75", "0.1", "4096"
	f[50], f[51], f[53] = "/home/alice", "qsub run.sh", "123"
	return strings.Join(f, ":")
}

func TestParseAccountingLine(t *testing.T) {
	info, err := uge.ParseAccountingLine("clusterA", acctLine("42", "0", 1700000000))
	require.NoError(t, err)
	assert.Equal(t, clusterA42, info.Identity)
	assert.Equal(t, model.StatusFinished, info.Status)
	assert.Equal(t, 8, info.NumCPU)
	assert.Equal(t, int64(1700000000), info.EndTime)
	assert.Equal(t, "all.q", info.Queue)
	assert.Equal(t, &model.UGEExtension{
		ParallelEnv: "mpi", Project: "p1", Pwd: "/home/alice", Command: "qsub run.sh", ExecHost: "node01",
		CPU: 10.5, IO: 0.75, IOOps: 123, IOW: 0.1, Mem: 2.5, MaxVmem: 4096, Wallclock: 99.5, ExitStatus: 1,
	}, info.UGE)

	info, err = uge.ParseAccountingLine("clusterA", acctLine("42", "7", 1700000000000))
	require.NoError(t, err)
	assert.Equal(t, "7", info.Identity.TaskID)
	assert.Equal(t, int64(1700000000), info.EndTime)

	_, err = uge.ParseAccountingLine("clusterA", "all.q:node01:short")
	assert.Error(t, err)
}

func writeAcct(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "accounting")
	require.NoError(t, os.WriteFile(p, []byte("# Version: 8.6\n"+strings.Join(lines, "\n")+"\n"), 0o644))
	return p
}

func TestTailerReturnsNewestMatch(t *testing.T) {
	old := acctLine("42", "0", 1699999000)
	newest := acctLine("42", "0", 1700000000)
	task := acctLine("43", "2", 1700000001)
	path := writeAcct(t, old, acctLine("41", "0", 1), task, newest)

	tailer := uge.NewAcctTailer(path, 0)
	data, _ := json.Marshal([]string{"42", "43.2", "43.3", "99"})
	reply, err := tailer.Handle(context.Background(), broker.Request{Action: uge.AcctAction, Data: data})
	require.NoError(t, err)
	assert.Equal(t, newest+uge.RecordSeparator+task, reply)

	data, _ = json.Marshal([]string{"99"})
	reply, err = tailer.Handle(context.Background(), broker.Request{Action: uge.AcctAction, Data: data})
	require.NoError(t, err)
	assert.Equal(t, broker.NoneReply, reply)
}

func TestTailerHonoursMaxReadLine(t *testing.T) {
	path := writeAcct(t, acctLine("42", "0", 1), acctLine("50", "0", 2), acctLine("51", "0", 3))
	lines, err := uge.NewAcctTailer(path, 2).Lookup(context.Background(), []string{"42", "51"})
	require.NoError(t, err)
	assert.Equal(t, []string{acctLine("51", "0", 3)}, lines)
}

func TestTailerLargeFileSpansBlocks(t *testing.T) {
	var lines []string
	for i := 0; i < 3000; i++ {
		lines = append(lines, acctLine(strconv.Itoa(1000+i), "0", int64(i)))
	}
	path := writeAcct(t, lines...)
	got, err := uge.NewAcctTailer(path, 0).Lookup(context.Background(), []string{"1000", "3999"})
	require.NoError(t, err)
	assert.Equal(t, []string{lines[0], lines[2999]}, got)
}

type mockCaller struct{ mock.Mock }

func (m *mockCaller) Call(ctx context.Context, queue, action string, data any) (string, error) {
	args := m.Called(queue, action, data)
	return args.String(0), args.Error(1)
}

type memMemo struct {
	mu  sync.Mutex
	ids []model.JobIdentity
}

func (m *memMemo) StoreAll(ids []model.JobIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, ids...)
	return nil
}

// S4: two records for clusterA become FINISHED infos and memo entries.
func TestFetcherEmitsFinishedAndStoresMemo(t *testing.T) {
	rpc := &mockCaller{}
	rpc.On("Call", "clusterA_rpc_queue", uge.AcctAction, []string{"42", "43.2"}).
		Return(acctLine("42", "0", 1700000000)+uge.RecordSeparator+acctLine("43", "2", 1700000001), nil).Once()
	memo := &memMemo{}
	f := uge.NewAcctFetcher(rpc, memo, 0, 8)

	id43 := model.JobIdentity{Cluster: "clusterA", Sched: "uge", JobID: "43", TaskID: "2"}
	f.Request(clusterA42)
	f.Request(id43)
	f.Request(clusterA42)
	assert.Equal(t, 2, f.Pending())

	n, err := f.FetchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, f.Pending())

	got := []model.JobInfo{<-f.Results(), <-f.Results()}
	assert.Equal(t, clusterA42, got[0].Identity)
	assert.Equal(t, id43, got[1].Identity)
	for _, info := range got {
		assert.Equal(t, model.StatusFinished, info.Status)
	}
	assert.ElementsMatch(t, []model.JobIdentity{clusterA42, id43}, memo.ids)
	rpc.AssertExpectations(t)
}

func TestFetcherNoneReply(t *testing.T) {
	rpc := &mockCaller{}
	rpc.On("Call", "clusterB_rpc_queue", uge.AcctAction, []string{"7"}).Return(broker.NoneReply, nil)
	f := uge.NewAcctFetcher(rpc, &memMemo{}, 0, 1)
	f.Request(model.JobIdentity{Cluster: "clusterB", Sched: "uge", JobID: "7"})
	n, err := f.FetchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// silentCaller never answers, like a tailer that consumes requests but is stuck.
type silentCaller struct{}

func (silentCaller) Call(ctx context.Context, queue, action string, data any) (string, error) {
	<-ctx.Done()
	return "", exception.NewProvErrorf(exception.KindRPC, "broker", "%s call on %s abandoned", action, queue, ctx.Err())
}

func TestFetcherBoundsEachCallByInterval(t *testing.T) {
	f := uge.NewAcctFetcher(silentCaller{}, &memMemo{}, 50*time.Millisecond, 1)
	f.Request(clusterA42)

	done := make(chan error, 1)
	go func() {
		_, err := f.FetchOnce(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		assert.True(t, exception.IsKind(err, exception.KindRPC))
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not give up on a silent cluster")
	}
	assert.Zero(t, f.Pending())
}
