package model

import "time"

// EntrySnapshot is the immutable copy of one entry handed to persistence.
// MDSTable and OSSTable are filled by the reduce step: host -> target -> record.
type EntrySnapshot struct {
	UID        string
	Identity   JobIdentity
	Info       JobInfo
	MDS        []MDSRecord
	OSS        []OSSRecord
	FileOps    []FileOpRecord
	IgnoreFIDs map[string]struct{}

	MDSTable map[string]map[string]MDSRecord
	OSSTable map[string]map[string]OSSRecord
}

// Ignored reports whether fid is an ignored target.
func (s EntrySnapshot) Ignored(fid string) bool {
	_, ok := s.IgnoreFIDs[fid]
	return ok
}

// WindowSnapshot is everything one flush window hands to the sinks.
type WindowSnapshot struct {
	WindowID string
	Start    time.Time
	End      time.Time
	Entries  []EntrySnapshot

	// Process-only counter records: kept for the time-series sink only.
	UnkeyedMDS []MDSRecord
	UnkeyedOSS []OSSRecord

	// Deduplicated "host;ts;loadAvg;memUsage" heartbeat tuples.
	ServerStats []string

	// Highest change-log rec_id seen per MDT target.
	ClearMarks map[string]int64
}

// WindowStatus is the outcome recorded in the window ledger.
type WindowStatus string

const (
	WindowStarted   WindowStatus = "STARTED"
	WindowCompleted WindowStatus = "COMPLETED"
	WindowFailed    WindowStatus = "FAILED"
	WindowDropped   WindowStatus = "DROPPED"
)

// WindowExecution records the outcome of one flush window.
type WindowExecution struct {
	ID             string
	StartTime      time.Time
	EndTime        *time.Time
	Status         WindowStatus
	Entries        int
	MDSRecords     int
	OSSRecords     int
	FileOps        int
	FinishedJobs   int
	ClearedTargets int
	ExitMessage    string
}
