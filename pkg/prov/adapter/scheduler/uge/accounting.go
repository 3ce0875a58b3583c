package uge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// Accounting file column indices.
const (
	acctQName       = 0
	acctHostname    = 1
	acctOwner       = 3
	acctJobName     = 4
	acctJobNumber   = 5
	acctSubmission  = 8
	acctStart       = 9
	acctEnd         = 10
	acctFailed      = 11
	acctExitStatus  = 12
	acctWallclock   = 13
	acctProject     = 31
	acctGrantedPE   = 33
	acctSlots       = 34
	acctTaskNumber  = 35
	acctCPU         = 36
	acctMem         = 37
	acctIO          = 38
	acctIOW         = 40
	acctMaxVmem     = 42
	acctCwd         = 50
	acctSubmitCmd   = 51
	acctIOOps       = 53
	acctMinFields   = acctMaxVmem + 1
	acctSeparator   = ":"
	RecordSeparator = "[^@]"
)

// AccountingKey returns the job and task of an accounting line, or ok=false
// when the line is too short to be a record.
func AccountingKey(line string) (job, task string, ok bool) {
	f := strings.Split(line, acctSeparator)
	if len(f) < acctMinFields {
		return "", "", false
	}
	return f[acctJobNumber], f[acctTaskNumber], true
}

// ParseAccountingLine builds a FINISHED JobInfo for cluster from one accounting record.
// Task number 0 (a non-array job) yields an empty TaskID.
func ParseAccountingLine(cluster, line string) (model.JobInfo, error) {
	f := strings.Split(strings.TrimRight(line, "\r\n"), acctSeparator)
	if len(f) < acctMinFields {
		return model.JobInfo{}, fmt.Errorf("accounting record has %d fields, want at least %d", len(f), acctMinFields)
	}
	p := fieldParser{f: f}
	id := model.JobIdentity{Cluster: cluster, Sched: string(model.KindUGE), JobID: f[acctJobNumber]}
	if t := f[acctTaskNumber]; t != "0" && t != "" && t != "undefined" {
		id.TaskID = t
	}
	info := model.JobInfo{
		Identity:   id,
		Kind:       model.KindUGE,
		Name:       f[acctJobName],
		Queue:      f[acctQName],
		NumCPU:     int(p.int(acctSlots)),
		SubmitTime: epochSeconds(p.float(acctSubmission)),
		StartTime:  epochSeconds(p.float(acctStart)),
		EndTime:    epochSeconds(p.float(acctEnd)),
		Username:   f[acctOwner],
		Status:     model.StatusFinished,
		UGE: &model.UGEExtension{
			ParallelEnv: p.str(acctGrantedPE),
			Project:     p.str(acctProject),
			Pwd:         p.str(acctCwd),
			Command:     p.str(acctSubmitCmd),
			ExecHost:    f[acctHostname],
			CPU:         p.float(acctCPU),
			IO:          p.float(acctIO),
			IOOps:       p.int(acctIOOps),
			IOW:         p.float(acctIOW),
			Mem:         p.float(acctMem),
			MaxVmem:     p.float(acctMaxVmem),
			Wallclock:   p.float(acctWallclock),
			FailedNo:    int(p.int(acctFailed)),
			ExitStatus:  int(p.int(acctExitStatus)),
		},
	}
	if p.err != nil {
		return model.JobInfo{}, fmt.Errorf("accounting record for %s: %w", id.Token(), p.err)
	}
	return info, nil
}

// fieldParser keeps the first numeric error; optional trailing columns read as zero.
type fieldParser struct {
	f   []string
	err error
}

func (p *fieldParser) str(i int) string {
	if i >= len(p.f) || p.f[i] == "NONE" {
		return ""
	}
	return p.f[i]
}

func (p *fieldParser) float(i int) float64 {
	s := p.str(i)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %d: %w", i, err)
	}
	return v
}

func (p *fieldParser) int(i int) int64 {
	return int64(p.float(i))
}
