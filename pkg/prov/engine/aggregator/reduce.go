package aggregator

import "github.com/tigerroll/ioprov/pkg/prov/core/domain/model"

// ReduceMDS folds a timestamp-ordered MDS list into host -> target -> record.
// A later record with a different snapshot_time replaces the stored one and
// carries the stored counters summed in. A repeat of the same snapshot
// replaces without summing.
func ReduceMDS(records []model.MDSRecord) map[string]map[string]model.MDSRecord {
	if len(records) == 0 {
		return nil
	}
	out := make(map[string]map[string]model.MDSRecord)
	for _, r := range records {
		byTarget, ok := out[r.Host]
		if !ok {
			byTarget = make(map[string]model.MDSRecord)
			out[r.Host] = byTarget
		}
		if prev, ok := byTarget[r.Target]; ok && prev.SnapshotTime != r.SnapshotTime {
			sum := prev.Counters
			sum.Add(r.Counters)
			r.Counters = sum
		}
		byTarget[r.Target] = r
	}
	return out
}

// ReduceOSS is ReduceMDS for object-storage records; extrema compose by min and max.
func ReduceOSS(records []model.OSSRecord) map[string]map[string]model.OSSRecord {
	if len(records) == 0 {
		return nil
	}
	out := make(map[string]map[string]model.OSSRecord)
	for _, r := range records {
		byTarget, ok := out[r.Host]
		if !ok {
			byTarget = make(map[string]model.OSSRecord)
			out[r.Host] = byTarget
		}
		if prev, ok := byTarget[r.Target]; ok && prev.SnapshotTime != r.SnapshotTime {
			merged := prev.Counters
			merged.Merge(r.Counters)
			r.Counters = merged
		}
		byTarget[r.Target] = r
	}
	return out
}
