package aggregator

import (
	"context"
	"errors"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// runScheduler resolves queued identities at most once per window and applies
// accounting answers as they arrive.
func (e *Engine) runScheduler(ctx context.Context, w *window) error {
	var results <-chan model.JobInfo
	if e.accounting != nil {
		results = e.accounting.Results()
	}
	for {
		ids := e.queue.Drain()
		for i, id := range ids {
			if ctx.Err() != nil {
				e.queue.Push(ids[i:]...)
				return nil
			}
			e.lookup(ctx, w, id)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.queue.notify:
		case info := <-results:
			e.applyAccounting(w, info)
		}
	}
}

func (e *Engine) lookup(ctx context.Context, w *window, id model.JobIdentity) {
	uid := id.UID()
	if _, done := w.processed[uid]; done {
		return
	}
	entry, ok := e.table.Get(uid)
	if !ok {
		logger.Debugf("Lookup for %s dropped: no longer in the table.", id)
		return
	}
	w.processed[uid] = struct{}{}

	entry.UpdateJobInfo(e.resolve(ctx, entry))
	info := entry.JobInfo()
	if info.Status == model.StatusUndef && e.accounting != nil {
		e.accounting.Request(id)
	}
	if !info.IsFinished() {
		w.requeue[uid] = id
	}
}

// resolve asks the memo, then the scheduler. Scheduler failures degrade to UNDEF.
func (e *Engine) resolve(ctx context.Context, entry *model.ProvenanceEntry) model.JobInfo {
	id := entry.Identity()
	if e.memo != nil {
		hit, err := e.memo.Contains(id)
		if err != nil {
			logger.Warnf("Finished-job memo unreadable: %v", err)
		}
		if hit {
			return model.NewFinishedSkeleton(id)
		}
	}
	if e.schedulers == nil {
		return undefInfo(id)
	}
	facade, ok := e.schedulers.Lookup(id)
	if !ok {
		logger.Warnf("No scheduler registered for %q; %s is UNDEF.", id.Sched, id)
		return undefInfo(id)
	}
	info, err := facade.JobInfo(ctx, id)
	if err != nil {
		logger.Warnf("Job info for %s unavailable: %v", id, err)
		return undefInfo(id)
	}
	if info.Status == model.StatusUndef || info.JobScript != "" || entry.JobInfo().JobScript != "" {
		return info
	}
	script, err := facade.JobScript(ctx, info)
	switch {
	case err == nil:
		info.JobScript = script
	case errors.Is(err, scheduler.ErrNoScript):
		logger.Debugf("No job script for %s.", id)
	default:
		logger.Warnf("Job script for %s unavailable: %v", id, err)
	}
	return info
}

func (e *Engine) applyAccounting(w *window, info model.JobInfo) {
	uid := info.Identity.UID()
	entry, ok := e.table.Get(uid)
	if !ok {
		logger.Debugf("Accounting record for %s dropped: no longer in the table.", info.Identity)
		return
	}
	entry.UpdateJobInfo(info)
	if entry.JobInfo().IsFinished() {
		delete(w.requeue, uid)
	}
}

func undefInfo(id model.JobIdentity) model.JobInfo {
	return model.JobInfo{Identity: id, Kind: model.SchedulerKind(id.Sched), Status: model.StatusUndef}
}
