// Package changelog pulls Lustre change-log records, parses them into file
// operations, resolves FIDs to paths and publishes one batch per MDT and pull.
package changelog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// Line is a pre-filtered change-log record awaiting full parsing.
type Line struct {
	RecID  int64
	Fields []string
	JobTag string
	// Identity is zero for process-only tags.
	Identity model.JobIdentity
}

// Filter decides which records carry a job.
type Filter struct {
	// Prefixes are the configured jobid_vars; empty accepts any identity-shaped tag.
	Prefixes []string
	// FilterProcs drops process-only records instead of keeping them unkeyed.
	FilterProcs bool
}

// Classification of a raw line.
type Classification int

const (
	// Keep is a record to parse.
	Keep Classification = iota
	// NoJob has no j= token and is dropped silently.
	NoJob
	// ProcessOnly is a process tag discarded under filter_procs; only its rec_id counts.
	ProcessOnly
	// Malformed could not even yield a rec_id.
	Malformed
)

// Classify tokenizes a raw line and applies the j= rules.
func (f Filter) Classify(raw string) (Line, Classification) {
	fields := strings.Fields(raw)
	if len(fields) < 6 {
		return Line{}, Malformed
	}
	recID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Line{}, Malformed
	}
	l := Line{RecID: recID, Fields: fields}

	tag, found := "", false
	for _, tok := range fields[5:] {
		if v, ok := strings.CutPrefix(tok, "j="); ok {
			tag, found = v, true
			break
		}
	}
	if !found {
		return l, NoJob
	}
	l.JobTag = tag

	if f.hasPrefix(tag) {
		if id, err := model.ParseIdentityToken(tag); err == nil {
			l.Identity = id
			return l, Keep
		}
	}
	if f.FilterProcs {
		return l, ProcessOnly
	}
	return l, Keep
}

func (f Filter) hasPrefix(tag string) bool {
	if len(f.Prefixes) == 0 {
		return true
	}
	for _, p := range f.Prefixes {
		if strings.HasPrefix(tag, p) {
			return true
		}
	}
	return false
}

// ParseTime combines "HH:MM:SS.nnnnnnnnn" and "YYYY.MM.DD" into epoch seconds,
// truncated to milliseconds.
func ParseTime(clock, date string, loc *time.Location) (float64, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation("2006.01.02 15:04:05", date+" "+clock, loc)
	if err != nil {
		return 0, fmt.Errorf("change-log time %q %q: %w", clock, date, err)
	}
	return float64(t.Truncate(time.Millisecond).UnixMilli()) / 1000, nil
}

// ParseRecord builds a FileOpRecord from a classified line. FIDs are left unresolved.
func ParseRecord(l Line, mdt string, loc *time.Location) (model.FileOpRecord, error) {
	f := l.Fields
	ts, err := ParseTime(f[2], f[3], loc)
	if err != nil {
		return model.FileOpRecord{}, err
	}
	rec := model.FileOpRecord{
		RecID:     l.RecID,
		MDTTarget: mdt,
		OpType:    strings.TrimLeft(f[1], "0123456789"),
		Timestamp: ts,
		Identity:  l.Identity,
	}
	if l.Identity.IsZero() {
		rec.ProcID = l.JobTag
	}

	var names []string
	for _, tok := range f[5:] {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			names = append(names, tok)
			continue
		}
		switch key {
		case "t":
			rec.TargetFID = val
		case "p":
			rec.ParentFID = val
		case "m":
			rec.OpenMode = val
		case "x":
			rec.ExtAttr = val
		case "nid":
			rec.NID = val
		case "u":
			rec.UID, rec.GID, _ = strings.Cut(val, ":")
		}
	}
	rec.TargetFile = strings.Join(names, " ")
	if rec.TargetFID == "" {
		return model.FileOpRecord{}, fmt.Errorf("record %d has no t= fid", l.RecID)
	}
	return rec, nil
}

// FormatRecord renders a record in the lfs changelog layout. Used by tests and tooling.
func FormatRecord(r model.FileOpRecord, opCode int, jobTag string, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	t := time.UnixMilli(int64(r.Timestamp*1000 + 0.5)).In(loc)
	parts := []string{
		strconv.FormatInt(r.RecID, 10),
		fmt.Sprintf("%02d%s", opCode, r.OpType),
		t.Format("15:04:05.000000000"),
		t.Format("2006.01.02"),
		"0x0",
		"t=" + r.TargetFID,
		"j=" + jobTag,
	}
	if r.UID != "" || r.GID != "" {
		parts = append(parts, "u="+r.UID+":"+r.GID)
	}
	for _, kv := range [][2]string{{"nid", r.NID}, {"p", r.ParentFID}, {"m", r.OpenMode}, {"x", r.ExtAttr}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	if r.TargetFile != "" {
		parts = append(parts, r.TargetFile)
	}
	return strings.Join(parts, " ")
}
