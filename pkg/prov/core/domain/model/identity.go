package model

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotIdentity is returned when a job tag is not a <cluster>_<sched>_<job>[.<task>] token.
var ErrNotIdentity = errors.New("not a job identity token")

// JobIdentity keys a job throughout the pipeline.
type JobIdentity struct {
	Cluster string `bson:"cluster" json:"cluster"`
	Sched   string `bson:"sched" json:"sched"`
	JobID   string `bson:"jobid" json:"jobid"`
	TaskID  string `bson:"taskid,omitempty" json:"taskid,omitempty"`
}

// UID is the hex MD5 over the concatenation of the non-empty
// sched, cluster, job and task values in that order.
func (id JobIdentity) UID() string {
	h := md5.New()
	for _, part := range []string{id.Sched, id.Cluster, id.JobID, id.TaskID} {
		if part != "" {
			h.Write([]byte(part))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsZero reports whether the identity carries no job.
func (id JobIdentity) IsZero() bool {
	return id.JobID == ""
}

// JobTask renders "<job>" or "<job>.<task>".
func (id JobIdentity) JobTask() string {
	if id.TaskID == "" {
		return id.JobID
	}
	return id.JobID + "." + id.TaskID
}

// Token renders the wire form <cluster>_<sched>_<job>[.<task>].
func (id JobIdentity) Token() string {
	return fmt.Sprintf("%s_%s_%s", id.Cluster, id.Sched, id.JobTask())
}

func (id JobIdentity) String() string {
	return id.Token()
}

// ParseIdentityToken parses <cluster>_<sched>_<job>[.<task>].
// The token must split on "_" into exactly three non-empty parts.
func ParseIdentityToken(s string) (JobIdentity, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "_")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return JobIdentity{}, fmt.Errorf("%w: %q", ErrNotIdentity, s)
	}
	id := JobIdentity{Cluster: parts[0], Sched: parts[1], JobID: parts[2]}
	if job, task, ok := strings.Cut(parts[2], "."); ok {
		if job == "" || task == "" {
			return JobIdentity{}, fmt.Errorf("%w: %q", ErrNotIdentity, s)
		}
		id.JobID, id.TaskID = job, task
	}
	return id, nil
}
