package mongo

import (
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// Collection names.
const (
	CollJobInfo   = "jobinfo"
	CollMDSStats  = "mds_stats"
	CollOSSStats  = "oss_stats"
	CollFileOp    = "file_op"
	CollJobScript = "job_script"
)

func identityFields(id model.JobIdentity) bson.M {
	return bson.M{
		"cluster": id.Cluster,
		"sched":   id.Sched,
		"jobid":   id.JobID,
		"taskid":  nullable(id.TaskID),
	}
}

// nullable maps an absent optional string to a BSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mdsIncrements(c model.MDSCounters, prefix string) bson.M {
	out := bson.M{}
	for name, v := range c.Values() {
		out[prefix+name] = v
	}
	return out
}

func mdsElement(r model.MDSRecord, now time.Time) bson.M {
	el := bson.M{
		"mds_host":      r.Host,
		"mdt_target":    r.Target,
		"snapshot_time": r.SnapshotTime,
		"timestamp":     r.Timestamp,
		"modified_time": now,
	}
	for name, v := range r.Counters.Values() {
		el[name] = v
	}
	return el
}

// ossUpdate splits the OSS counters into $inc, $min and $max parts. Extremum
// operators are only emitted for directions that recorded samples.
func ossUpdate(c model.OSSCounters, prefix string) (inc, lo, hi bson.M) {
	inc = bson.M{
		prefix + "read_ops":    c.ReadOps,
		prefix + "read_bytes":  c.ReadSum,
		prefix + "write_ops":   c.WriteOps,
		prefix + "write_bytes": c.WriteSum,
	}
	for _, name := range model.OSSScalarNames {
		inc[prefix+name] = *c.Scalar(name)
	}
	lo, hi = bson.M{}, bson.M{}
	if c.ReadOps > 0 {
		lo[prefix+"read_min"] = c.ReadMin
		hi[prefix+"read_max"] = c.ReadMax
	}
	if c.WriteOps > 0 {
		lo[prefix+"write_min"] = c.WriteMin
		hi[prefix+"write_max"] = c.WriteMax
	}
	return inc, lo, hi
}

func ossElement(r model.OSSRecord, now time.Time) bson.M {
	c := r.Counters
	el := bson.M{
		"oss_host":      r.Host,
		"ost_target":    r.Target,
		"snapshot_time": r.SnapshotTime,
		"timestamp":     r.Timestamp,
		"modified_time": now,
		"read_ops":      c.ReadOps,
		"read_bytes":    c.ReadSum,
		"write_ops":     c.WriteOps,
		"write_bytes":   c.WriteSum,
	}
	// A direction without samples has no extrema; a later $min would keep a stored zero.
	if c.ReadOps > 0 {
		el["read_min"], el["read_max"] = c.ReadMin, c.ReadMax
	}
	if c.WriteOps > 0 {
		el["write_min"], el["write_max"] = c.WriteMin, c.WriteMax
	}
	for _, name := range model.OSSScalarNames {
		el[name] = *c.Scalar(name)
	}
	return el
}

func fileOpElement(r model.FileOpRecord) bson.M {
	return bson.M{
		"rec_id":      r.RecID,
		"mdt_target":  r.MDTTarget,
		"op_type":     r.OpType,
		"timestamp":   r.Timestamp,
		"open_mode":   nullable(r.OpenMode),
		"ext_attr":    nullable(r.ExtAttr),
		"parent_fid":  nullable(r.ParentFID),
		"target_file": nullable(r.TargetFile),
		"uid":         nullable(r.UID),
		"gid":         nullable(r.GID),
		"nid":         nullable(r.NID),
	}
}

// fileOpGroup is the window's operations on one target FID, in timestamp order.
type fileOpGroup struct {
	fid        string
	targetPath string
	parentPath string
	ops        []bson.M
}

// groupFileOps drops ignored FIDs and groups the rest by target FID. The
// newest resolved paths win.
func groupFileOps(s model.EntrySnapshot) []*fileOpGroup {
	byFID := map[string]*fileOpGroup{}
	var order []string
	for _, r := range s.FileOps {
		if s.Ignored(r.TargetFID) {
			continue
		}
		g, ok := byFID[r.TargetFID]
		if !ok {
			g = &fileOpGroup{fid: r.TargetFID}
			byFID[r.TargetFID] = g
			order = append(order, r.TargetFID)
		}
		g.ops = append(g.ops, fileOpElement(r))
		if r.TargetPath != "" && r.TargetPath != model.FileNotExist {
			g.targetPath = r.TargetPath
		}
		if r.ParentPath != "" && r.ParentPath != model.FileNotExist {
			g.parentPath = r.ParentPath
		}
	}
	out := make([]*fileOpGroup, len(order))
	for i, fid := range order {
		out[i] = byFID[fid]
	}
	return out
}

func jobInfoFields(uid string, info model.JobInfo) bson.M {
	doc := identityFields(info.Identity)
	doc["uid"] = uid
	doc["kind"] = string(info.Kind)
	doc["name"] = info.Name
	doc["queue"] = info.Queue
	doc["num_cpu"] = info.NumCPU
	doc["submit_time"] = info.SubmitTime
	doc["start_time"] = info.StartTime
	doc["end_time"] = info.EndTime
	doc["username"] = info.Username
	doc["status"] = string(info.Status)
	doc["undef_cnt"] = info.UndefCnt
	doc["has_script"] = info.JobScript != "" && info.JobScript != model.NoScript
	if u := info.UGE; u != nil {
		for k, v := range map[string]any{
			"h_rt": nullable(u.HRT), "s_rt": nullable(u.SRT), "h_vmem": nullable(u.HVmem),
			"parallel_env": nullable(u.ParallelEnv), "project": nullable(u.Project), "pwd": nullable(u.Pwd),
			"command": nullable(u.Command), "exec_host": nullable(u.ExecHost),
			"cpu": u.CPU, "io": u.IO, "ioops": u.IOOps, "iow": u.IOW, "mem": u.Mem, "maxvmem": u.MaxVmem,
			"wallclock": u.Wallclock, "failed_no": u.FailedNo, "exit_status": u.ExitStatus,
		} {
			doc[k] = v
		}
	}
	return doc
}

// sortedKeys orders a host or target table for deterministic writes.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
