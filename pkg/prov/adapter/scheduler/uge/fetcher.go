package uge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// AcctAction is the RPC action understood by the accounting tailer.
const AcctAction = "uge_acct"

// RPCQueue names the accounting RPC queue of a cluster.
func RPCQueue(cluster string) string {
	return cluster + "_rpc_queue"
}

// Caller is the RPC client side used by the fetcher.
type Caller interface {
	Call(ctx context.Context, queue, action string, data any) (string, error)
}

// Memo records identities of finished jobs.
type Memo interface {
	StoreAll(ids []model.JobIdentity) error
}

// AcctFetcher batches identities the REST service no longer knows and asks each
// cluster's accounting tailer for their final records.
type AcctFetcher struct {
	rpc      Caller
	memo     Memo
	interval time.Duration
	results  chan model.JobInfo

	mu      sync.Mutex
	pending map[string]map[string]model.JobIdentity // cluster -> job[.task] -> identity
}

// NewAcctFetcher creates a fetcher polling every interval. results is buffered by size.
func NewAcctFetcher(rpc Caller, memo Memo, interval time.Duration, size int) *AcctFetcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AcctFetcher{
		rpc:      rpc,
		memo:     memo,
		interval: interval,
		results:  make(chan model.JobInfo, size),
		pending:  make(map[string]map[string]model.JobIdentity),
	}
}

// Request queues id for the next fetch. Duplicates collapse.
func (f *AcctFetcher) Request(id model.JobIdentity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.pending[id.Cluster]
	if !ok {
		ids = make(map[string]model.JobIdentity)
		f.pending[id.Cluster] = ids
	}
	ids[id.JobTask()] = id
}

// Pending returns the number of queued identities.
func (f *AcctFetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// Results delivers FINISHED job infos.
func (f *AcctFetcher) Results() <-chan model.JobInfo {
	return f.results
}

// Run fetches every interval until ctx is done. Transport errors end the loop.
func (f *AcctFetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := f.FetchOnce(ctx); err != nil {
			if exception.IsKind(err, exception.KindConn) {
				return err
			}
			logger.Warnf("Accounting fetch failed: %v", err)
		}
	}
}

// FetchOnce drains the pending set, calls every cluster once and emits the
// parsed records. It returns how many were emitted. A failed cluster's
// identities are dropped; the engine asks again next window.
func (f *AcctFetcher) FetchOnce(ctx context.Context) (int, error) {
	f.mu.Lock()
	batch := f.pending
	f.pending = make(map[string]map[string]model.JobIdentity)
	f.mu.Unlock()

	clusters := make([]string, 0, len(batch))
	for c := range batch {
		clusters = append(clusters, c)
	}
	sort.Strings(clusters)

	emitted := 0
	var firstErr error
	for _, cluster := range clusters {
		ids := batch[cluster]
		keys := make([]string, 0, len(ids))
		for k := range ids {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		// A cluster gets at most one interval to answer.
		cctx, cancel := context.WithTimeout(ctx, f.interval)
		reply, err := f.rpc.Call(cctx, RPCQueue(cluster), AcctAction, keys)
		cancel()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		infos := f.parseReply(cluster, reply, ids)
		if len(infos) == 0 {
			continue
		}
		finished := make([]model.JobIdentity, len(infos))
		for i, info := range infos {
			finished[i] = info.Identity
		}
		if err := f.memo.StoreAll(finished); err != nil {
			logger.Errorf("Cannot record finished jobs of %s: %v", cluster, err)
		}
		for _, info := range infos {
			select {
			case f.results <- info:
				emitted++
			case <-ctx.Done():
				return emitted, nil
			}
		}
	}
	return emitted, firstErr
}

// parseReply maps each record back to the identity it was requested under.
func (f *AcctFetcher) parseReply(cluster, reply string, requested map[string]model.JobIdentity) []model.JobInfo {
	reply = strings.TrimSpace(reply)
	if reply == "" || reply == "NONE" {
		return nil
	}
	var out []model.JobInfo
	for _, line := range strings.Split(reply, RecordSeparator) {
		info, err := ParseAccountingLine(cluster, line)
		if err != nil {
			logger.Warnf("Dropping accounting record from %s: %v", cluster, err)
			continue
		}
		id, ok := requested[info.Identity.JobTask()]
		if !ok {
			id, ok = requested[info.Identity.JobID]
		}
		if !ok {
			logger.Debugf("Accounting record for unrequested job %s ignored.", info.Identity.Token())
			continue
		}
		info.Identity = id
		out = append(out, info)
	}
	return out
}
