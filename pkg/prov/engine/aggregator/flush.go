package aggregator

import (
	"context"
	"sort"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// flush ends a window: UNDEF accounting, reduce and persist, change-log clear,
// then cleanup of the table.
func (e *Engine) flush(ctx context.Context, w *window) *model.WindowExecution {
	start := e.now()
	exec := &model.WindowExecution{ID: w.id, StartTime: w.start, Status: model.WindowStarted}
	e.saveWindow(ctx, exec)

	promoted := e.countUndef()
	if len(promoted) > 0 && e.memo != nil {
		if err := e.memo.StoreAll(promoted); err != nil {
			logger.Errorf("Cannot record %d promoted job(s) in the finished-job memo: %v", len(promoted), err)
		}
	}

	snap := e.snapshot(w, e.now())
	fillCounts(exec, snap)

	pctx, endSpan := e.tracer.StartWindowSpan(ctx, w.id)
	var report persistence.Report
	if len(snap.Entries) > 0 || len(snap.UnkeyedMDS) > 0 || len(snap.UnkeyedOSS) > 0 || len(snap.ServerStats) > 0 {
		report = e.persister.Persist(pctx, snap)
	} else {
		report = persistence.Report{Ran: map[string]bool{}, Failed: map[string]error{}}
	}
	if report.Err != nil {
		e.tracer.RecordError(pctx, moduleName, report.Err)
	}
	endSpan()

	if persisted(report) {
		exec.ClearedTargets = e.clearChangelogs(ctx, snap.ClearMarks)
	} else if len(snap.ClearMarks) > 0 {
		logger.Warnf("Window %s: document store not written; change logs kept for the next pull.", w.id)
	}

	removed := e.table.Sweep()
	exec.FinishedJobs = len(removed)
	e.correctMemo(snap)
	requeue := make([]model.JobIdentity, 0, len(w.requeue))
	for uid, id := range w.requeue {
		if _, ok := e.table.Get(uid); ok {
			requeue = append(requeue, id)
		}
	}
	sort.Slice(requeue, func(i, j int) bool { return requeue[i].Token() < requeue[j].Token() })
	e.queue.Push(requeue...)

	end := e.now()
	exec.EndTime = &end
	switch {
	case report.Err == nil:
		exec.Status = model.WindowCompleted
	case report.Ran[persistence.SinkDocument] && !report.Succeeded(persistence.SinkDocument):
		exec.Status = model.WindowDropped
		exec.ExitMessage = exception.ExtractErrorMessage(report.Err)
	default:
		exec.Status = model.WindowFailed
		exec.ExitMessage = exception.ExtractErrorMessage(report.Err)
	}
	e.updateWindow(ctx, exec)
	e.recorder.RecordWindow(ctx, exec)
	e.recorder.RecordDuration(ctx, "window_flush", end.Sub(start))
	e.recorder.SetTableEntries(e.table.Len())

	logger.Infof("Window %s %s: %d job(s), %d MDS / %d OSS record(s), %d file op(s), %d finished, %d change log(s) cleared, %d lookup(s) re-queued.",
		exec.ID, exec.Status, exec.Entries, exec.MDSRecords, exec.OSSRecords, exec.FileOps, exec.FinishedJobs, exec.ClearedTargets, len(requeue))
	return exec
}

// countUndef advances every UNDEF streak and returns the promoted identities.
func (e *Engine) countUndef() []model.JobIdentity {
	var promoted []model.JobIdentity
	for _, entry := range e.table.Entries() {
		if entry.CountUndefWindow(e.undefLimit) {
			promoted = append(promoted, entry.Identity())
		}
	}
	return promoted
}

// persisted reports whether change logs may be released: the document sink
// succeeded, or none is configured and every sink succeeded.
func persisted(r persistence.Report) bool {
	if r.Ran[persistence.SinkDocument] {
		return r.Succeeded(persistence.SinkDocument)
	}
	return r.Err == nil
}

func (e *Engine) clearChangelogs(ctx context.Context, marks map[string]int64) int {
	if e.clearer == nil || len(marks) == 0 {
		return 0
	}
	mdts := make([]string, 0, len(marks))
	for mdt := range marks {
		mdts = append(mdts, mdt)
	}
	sort.Strings(mdts)
	cleared := 0
	for _, mdt := range mdts {
		user, ok := e.lustre.ChlogUser(mdt)
		if !ok {
			logger.Warnf("No change-log user for %s; records up to %d are not cleared.", mdt, marks[mdt])
			continue
		}
		if err := e.clearer.Clear(ctx, mdt, user, marks[mdt]); err != nil {
			logger.Errorf("Change-log clear on %s up to %d failed: %v", mdt, marks[mdt], err)
			continue
		}
		cleared++
	}
	return cleared
}

// correctMemo keeps only the memo ids still reporting records.
func (e *Engine) correctMemo(snap *model.WindowSnapshot) {
	if e.memo == nil || len(snap.Entries) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(snap.Entries))
	for _, s := range snap.Entries {
		seen[s.Identity.Token()] = struct{}{}
	}
	dropped, err := e.memo.CorrectList(seen)
	if err != nil {
		logger.Warnf("Cannot compact the finished-job memo: %v", err)
		return
	}
	if dropped > 0 {
		logger.Debugf("Finished-job memo: %d stale id(s) dropped.", dropped)
	}
}

func fillCounts(exec *model.WindowExecution, snap *model.WindowSnapshot) {
	exec.Entries = len(snap.Entries)
	exec.MDSRecords = len(snap.UnkeyedMDS)
	exec.OSSRecords = len(snap.UnkeyedOSS)
	for _, s := range snap.Entries {
		exec.MDSRecords += len(s.MDS)
		exec.OSSRecords += len(s.OSS)
		exec.FileOps += len(s.FileOps)
	}
}

func (e *Engine) saveWindow(ctx context.Context, exec *model.WindowExecution) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.SaveWindow(ctx, exec); err != nil {
		logger.Warnf("Window ledger: %v", err)
	}
}

func (e *Engine) updateWindow(ctx context.Context, exec *model.WindowExecution) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.UpdateWindow(ctx, exec); err != nil {
		logger.Warnf("Window ledger: %v", err)
	}
}
