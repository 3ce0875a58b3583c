package model

import (
	"sort"
	"sync"
)

// ProvenanceEntry accumulates everything observed for one job during a window.
// All mutation goes through the entry's mutex, so several stream workers may
// insert into the same entry concurrently.
type ProvenanceEntry struct {
	mu sync.Mutex

	identity JobIdentity
	uid      string
	info     JobInfo

	mds     []MDSRecord
	mdsKeys []float64
	oss     []OSSRecord
	ossKeys []float64
	ops     []FileOpRecord
	opsKeys []float64

	ignoreFIDs map[string]struct{}
}

// NewProvenanceEntry creates an entry holding a skeleton JobInfo.
func NewProvenanceEntry(id JobIdentity) *ProvenanceEntry {
	return &ProvenanceEntry{
		identity:   id,
		uid:        id.UID(),
		info:       NewSkeleton(id),
		ignoreFIDs: make(map[string]struct{}),
	}
}

func (e *ProvenanceEntry) UID() string           { return e.uid }
func (e *ProvenanceEntry) Identity() JobIdentity { return e.identity }

// insertSorted places rec after every element whose key is <= ts, so equal
// timestamps keep arrival order.
func insertSorted[T any](list []T, keys []float64, rec T, ts float64) ([]T, []float64) {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] > ts })
	var zero T
	list = append(list, zero)
	copy(list[i+1:], list[i:])
	list[i] = rec
	keys = append(keys, 0)
	copy(keys[i+1:], keys[i:])
	keys[i] = ts
	return list, keys
}

// InsertMDS adds r keeping the MDS list sorted by timestamp.
func (e *ProvenanceEntry) InsertMDS(r MDSRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mds, e.mdsKeys = insertSorted(e.mds, e.mdsKeys, r, r.Timestamp)
}

// InsertOSS adds r keeping the OSS list sorted by timestamp.
func (e *ProvenanceEntry) InsertOSS(r OSSRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oss, e.ossKeys = insertSorted(e.oss, e.ossKeys, r, r.Timestamp)
}

// InsertFileOp adds r keeping the file-op list sorted by timestamp.
func (e *ProvenanceEntry) InsertFileOp(r FileOpRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops, e.opsKeys = insertSorted(e.ops, e.opsKeys, r, r.Timestamp)
}

// IgnoreFID excludes a target FID from file-op persistence.
func (e *ProvenanceEntry) IgnoreFID(fid string) {
	if fid == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignoreFIDs[fid] = struct{}{}
}

// JobInfo returns a copy of the current job info.
func (e *ProvenanceEntry) JobInfo() JobInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.Clone()
}

// UpdateJobInfo replaces the job info with a scheduler answer.
// A known script is kept when the answer has none. An UNDEF answer keeps the
// previously known fields and the UNDEF streak; any other status resets the streak.
func (e *ProvenanceEntry) UpdateJobInfo(info JobInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.info
	if info.Identity.IsZero() {
		info.Identity = e.identity
	}
	if info.Status == StatusUndef {
		if !prev.Skeleton {
			undef := prev.Clone()
			undef.Status = StatusUndef
			info = undef
		}
		info.UndefCnt = prev.UndefCnt
	} else {
		info.UndefCnt = 0
	}
	if info.JobScript == "" {
		info.JobScript = prev.JobScript
	}
	e.info = info.Clone()
}

// CountUndefWindow advances the UNDEF streak at the end of a window and promotes
// the job to FINISHED once the streak reaches limit. It reports the promotion.
func (e *ProvenanceEntry) CountUndefWindow(limit int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.info.Status != StatusUndef {
		return false
	}
	e.info.UndefCnt++
	if e.info.UndefCnt >= limit {
		e.info.Status = StatusFinished
		return true
	}
	return false
}

// Counts returns the list lengths.
func (e *ProvenanceEntry) Counts() (mds, oss, ops int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mds), len(e.oss), len(e.ops)
}

// Snapshot copies the entry's window state.
func (e *ProvenanceEntry) Snapshot() EntrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	ignore := make(map[string]struct{}, len(e.ignoreFIDs))
	for fid := range e.ignoreFIDs {
		ignore[fid] = struct{}{}
	}
	return EntrySnapshot{
		UID:        e.uid,
		Identity:   e.identity,
		Info:       e.info.Clone(),
		MDS:        append([]MDSRecord(nil), e.mds...),
		OSS:        append([]OSSRecord(nil), e.oss...),
		FileOps:    append([]FileOpRecord(nil), e.ops...),
		IgnoreFIDs: ignore,
	}
}

// Reset clears the record lists and their key indexes. Identity, job info and
// the ignore set survive.
func (e *ProvenanceEntry) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mds, e.mdsKeys = nil, nil
	e.oss, e.ossKeys = nil, nil
	e.ops, e.opsKeys = nil, nil
}
