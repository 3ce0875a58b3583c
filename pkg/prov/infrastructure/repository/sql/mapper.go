package sql

import (
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

func fromDomainWindow(w *model.WindowExecution) *WindowExecutionEntity {
	if w == nil {
		return nil
	}
	msg := w.ExitMessage
	if len(msg) > 2048 {
		msg = msg[:2048]
	}
	return &WindowExecutionEntity{
		ID:             w.ID,
		StartTime:      w.StartTime,
		EndTime:        w.EndTime,
		Status:         string(w.Status),
		Entries:        w.Entries,
		MDSRecords:     w.MDSRecords,
		OSSRecords:     w.OSSRecords,
		FileOps:        w.FileOps,
		FinishedJobs:   w.FinishedJobs,
		ClearedTargets: w.ClearedTargets,
		ExitMessage:    msg,
	}
}

func toDomainWindow(e *WindowExecutionEntity) *model.WindowExecution {
	if e == nil {
		return nil
	}
	return &model.WindowExecution{
		ID:             e.ID,
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		Status:         model.WindowStatus(e.Status),
		Entries:        e.Entries,
		MDSRecords:     e.MDSRecords,
		OSSRecords:     e.OSSRecords,
		FileOps:        e.FileOps,
		FinishedJobs:   e.FinishedJobs,
		ClearedTargets: e.ClearedTargets,
		ExitMessage:    e.ExitMessage,
	}
}
