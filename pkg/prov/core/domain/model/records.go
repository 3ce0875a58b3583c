package model

// MDSCounterNames lists the additive MDS counters in wire order.
var MDSCounterNames = []string{
	"open", "close", "mknod", "link", "unlink", "mkdir", "rmdir", "rename",
	"getattr", "setattr", "samedir_rename", "crossdir_rename", "statfs",
}

// OSSScalarNames lists the additive single-value OSS counters.
var OSSScalarNames = []string{"getattr", "setattr", "punch", "sync", "destroy", "create"}

// MDSCounters holds the per-job metadata operation counts of one snapshot.
type MDSCounters struct {
	Open           int64
	Close          int64
	Mknod          int64
	Link           int64
	Unlink         int64
	Mkdir          int64
	Rmdir          int64
	Rename         int64
	Getattr        int64
	Setattr        int64
	SamedirRename  int64
	CrossdirRename int64
	Statfs         int64
}

// Field returns a pointer to the counter named by its wire name, or nil.
func (c *MDSCounters) Field(name string) *int64 {
	switch name {
	case "open":
		return &c.Open
	case "close":
		return &c.Close
	case "mknod":
		return &c.Mknod
	case "link":
		return &c.Link
	case "unlink":
		return &c.Unlink
	case "mkdir":
		return &c.Mkdir
	case "rmdir":
		return &c.Rmdir
	case "rename":
		return &c.Rename
	case "getattr":
		return &c.Getattr
	case "setattr":
		return &c.Setattr
	case "samedir_rename":
		return &c.SamedirRename
	case "crossdir_rename":
		return &c.CrossdirRename
	case "statfs":
		return &c.Statfs
	}
	return nil
}

// Add sums o into c.
func (c *MDSCounters) Add(o MDSCounters) {
	for _, name := range MDSCounterNames {
		*c.Field(name) += *o.Field(name)
	}
}

// Values returns the counters keyed by wire name.
func (c MDSCounters) Values() map[string]int64 {
	out := make(map[string]int64, len(MDSCounterNames))
	for _, name := range MDSCounterNames {
		out[name] = *c.Field(name)
	}
	return out
}

// Total is the sum of all counters.
func (c MDSCounters) Total() int64 {
	var t int64
	for _, name := range MDSCounterNames {
		t += *c.Field(name)
	}
	return t
}

// OSSCounters holds the per-job object I/O counters of one snapshot.
type OSSCounters struct {
	ReadOps  int64
	ReadMin  int64
	ReadMax  int64
	ReadSum  int64
	WriteOps int64
	WriteMin int64
	WriteMax int64
	WriteSum int64
	Getattr  int64
	Setattr  int64
	Punch    int64
	Sync     int64
	Destroy  int64
	Create   int64
}

// Scalar returns a pointer to the single-value counter named by its wire name, or nil.
func (c *OSSCounters) Scalar(name string) *int64 {
	switch name {
	case "getattr":
		return &c.Getattr
	case "setattr":
		return &c.Setattr
	case "punch":
		return &c.Punch
	case "sync":
		return &c.Sync
	case "destroy":
		return &c.Destroy
	case "create":
		return &c.Create
	}
	return nil
}

// Merge folds o into c: ops, sums and scalars add; min and max compose by extremum
// over the sides that actually recorded samples.
func (c *OSSCounters) Merge(o OSSCounters) {
	c.ReadMin, c.ReadMax = mergeExtrema(c.ReadOps, c.ReadMin, c.ReadMax, o.ReadOps, o.ReadMin, o.ReadMax)
	c.WriteMin, c.WriteMax = mergeExtrema(c.WriteOps, c.WriteMin, c.WriteMax, o.WriteOps, o.WriteMin, o.WriteMax)
	c.ReadOps += o.ReadOps
	c.ReadSum += o.ReadSum
	c.WriteOps += o.WriteOps
	c.WriteSum += o.WriteSum
	for _, name := range OSSScalarNames {
		*c.Scalar(name) += *o.Scalar(name)
	}
}

func mergeExtrema(ops, lo, hi, oOps, oLo, oHi int64) (int64, int64) {
	switch {
	case oOps == 0:
		return lo, hi
	case ops == 0:
		return oLo, oHi
	}
	return min(lo, oLo), max(hi, oHi)
}

// MDSRecord is one job's counters on one MDT at one snapshot.
type MDSRecord struct {
	Timestamp    float64
	SnapshotTime int64
	Host         string
	Target       string
	Identity     JobIdentity
	ProcID       string
	Counters     MDSCounters
}

// OSSRecord is one job's counters on one OST at one snapshot.
type OSSRecord struct {
	Timestamp    float64
	SnapshotTime int64
	Host         string
	Target       string
	Identity     JobIdentity
	ProcID       string
	Counters     OSSCounters
}

// FileNotExist is recorded when no mount point resolves a FID.
const FileNotExist = "File_Not_Exist"

// FileOpRecord is one parsed change-log event. Optional extensions are empty when absent.
type FileOpRecord struct {
	RecID      int64
	MDTTarget  string
	OpType     string
	OpenMode   string
	ExtAttr    string
	Timestamp  float64
	TargetFID  string
	TargetPath string
	ParentFID  string
	ParentPath string
	TargetFile string
	UID        string
	GID        string
	NID        string
	Identity   JobIdentity
	ProcID     string
}

// ChangelogBatch is one pull of one MDT's change log.
// MaxRecID covers process-only records that produced no FileOpRecord.
type ChangelogBatch struct {
	MDT      string
	MaxRecID int64
	Records  []FileOpRecord
}
