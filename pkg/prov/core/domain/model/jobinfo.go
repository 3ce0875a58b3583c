package model

// JobStatus is the scheduler-reported state of a job.
type JobStatus string

const (
	StatusRunning  JobStatus = "RUNNING"
	StatusQueued   JobStatus = "QUEUED"
	StatusDeleted  JobStatus = "DELETED"
	StatusError    JobStatus = "ERROR"
	StatusFinished JobStatus = "FINISHED"
	StatusUndef    JobStatus = "UNDEF"
	StatusNone     JobStatus = "NONE"
)

// SchedulerKind tags the JobInfo extension.
type SchedulerKind string

// KindUGE is the Univa/Altair Grid Engine scheduler.
const KindUGE SchedulerKind = "uge"

// NoScript marks interactive jobs that have no batch script.
const NoScript = "-1"

// JobInfo is the scheduler metadata of a job: a common head plus one
// scheduler-specific extension selected by Kind.
type JobInfo struct {
	Identity   JobIdentity
	Kind       SchedulerKind
	Name       string
	Queue      string
	NumCPU     int
	SubmitTime int64
	StartTime  int64
	EndTime    int64
	Username   string
	Status     JobStatus
	// JobScript is empty until fetched, NoScript for interactive jobs.
	JobScript string
	// UndefCnt counts consecutive windows spent in UNDEF.
	UndefCnt int
	// Skeleton is set until real scheduler data replaces the placeholder.
	Skeleton bool

	UGE *UGEExtension
}

// UGEExtension holds the Grid Engine specific fields.
type UGEExtension struct {
	HRT         string
	SRT         string
	HVmem       string
	ParallelEnv string
	Project     string
	Pwd         string
	Command     string
	ExecHost    string
	CPU         float64
	IO          float64
	IOOps       int64
	IOW         float64
	Mem         float64
	MaxVmem     float64
	Wallclock   float64
	FailedNo    int
	ExitStatus  int
}

// NewSkeleton is the placeholder registered when a key is first seen.
func NewSkeleton(id JobIdentity) JobInfo {
	return JobInfo{Identity: id, Kind: SchedulerKind(id.Sched), Status: StatusNone, Skeleton: true}
}

// NewFinishedSkeleton is the placeholder for a job the finished-job memo already knows.
func NewFinishedSkeleton(id JobIdentity) JobInfo {
	info := NewSkeleton(id)
	info.Status = StatusFinished
	return info
}

// Memoized reports a finished placeholder: the job was persisted in an earlier
// run and its late records must not be written again.
func (j JobInfo) Memoized() bool {
	return j.Skeleton && j.Status == StatusFinished
}

// Clone returns a copy that shares no pointers with j.
func (j JobInfo) Clone() JobInfo {
	if j.UGE != nil {
		ext := *j.UGE
		j.UGE = &ext
	}
	return j
}

// IsFinished reports the terminal state.
func (j JobInfo) IsFinished() bool {
	return j.Status == StatusFinished
}
