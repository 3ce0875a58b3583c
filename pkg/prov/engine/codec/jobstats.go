// Package codec decodes agent messages carrying Lustre job_stats dumps into
// typed MDS and OSS counter records.
package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// recordSeparator begins every record group of a dump.
const recordSeparator = "job_stats:"

// Composite is the samples/min/max/sum quadruple of read_bytes and write_bytes.
type Composite struct {
	Samples int64
	Min     int64
	Max     int64
	Sum     int64
}

// JobStat is one parsed job group of a dump, independent of server kind.
type JobStat struct {
	JobTag       string
	SnapshotTime int64
	Scalars      map[string]int64
	ReadBytes    *Composite
	WriteBytes   *Composite
}

// knownScalars holds every single-value counter of the MDS and OSS registries.
var knownScalars = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, n := range model.MDSCounterNames {
		m[n] = struct{}{}
	}
	for _, n := range model.OSSScalarNames {
		m[n] = struct{}{}
	}
	return m
}()

// ParseJobStats parses a raw job_stats dump. A group whose known counter does not
// parse is rejected as a whole and reported in errs; the others are returned.
func ParseJobStats(output string) (stats []JobStat, errs []error) {
	chunks := strings.Split(output, recordSeparator)
	for _, chunk := range chunks[1:] {
		var cur *JobStat
		var curErr error
		flush := func() {
			if cur == nil {
				return
			}
			if curErr != nil {
				errs = append(errs, fmt.Errorf("job %q: %w", cur.JobTag, curErr))
			} else {
				stats = append(stats, *cur)
			}
			cur, curErr = nil, nil
		}

		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			name, rest, ok := strings.Cut(strings.TrimPrefix(line, "- "), ":")
			if !ok {
				continue
			}
			name = strings.TrimSpace(name)

			if name == "job_id" {
				flush()
				cur = &JobStat{JobTag: strings.TrimSpace(rest), Scalars: make(map[string]int64)}
				continue
			}
			if cur == nil || curErr != nil {
				continue
			}

			switch name {
			case "snapshot_time":
				st, err := parseSnapshotTime(rest)
				if err != nil {
					curErr = err
					continue
				}
				cur.SnapshotTime = st
			case "read_bytes", "write_bytes":
				c, err := parseComposite(line)
				if err != nil {
					curErr = fmt.Errorf("%s: %w", name, err)
					continue
				}
				if name == "read_bytes" {
					cur.ReadBytes = &c
				} else {
					cur.WriteBytes = &c
				}
			default:
				if _, known := knownScalars[name]; !known {
					continue
				}
				v, err := parseScalar(line)
				if err != nil {
					curErr = fmt.Errorf("%s: %w", name, err)
					continue
				}
				cur.Scalars[name] = v
			}
		}
		flush()
	}
	return stats, errs
}

// parseSnapshotTime accepts "1699999990" and "1699999990.123456789 secs.nsecs".
func parseSnapshotTime(rest string) (int64, error) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty snapshot_time")
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("snapshot_time %q: %w", fields[0], err)
	}
	return int64(f), nil
}

// field returns the value at a ':' split position, cut at the first delimiter.
func field(parts []string, pos int, delim string) (int64, error) {
	if pos >= len(parts) {
		return 0, fmt.Errorf("missing field %d", pos)
	}
	v := parts[pos]
	if i := strings.Index(v, delim); i >= 0 {
		v = v[:i]
	}
	if i := strings.IndexAny(v, ",}"); i >= 0 {
		v = v[:i]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %d: %w", pos, err)
	}
	return n, nil
}

// parseScalar reads "name: { samples: N, ... }": the value at ':' position 2.
func parseScalar(line string) (int64, error) {
	return field(strings.Split(line, ":"), 2, ",")
}

// parseComposite reads samples, min, max and sum at ':' positions 2, 4, 5 and 6.
func parseComposite(line string) (Composite, error) {
	parts := strings.Split(line, ":")
	var c Composite
	var err error
	if c.Samples, err = field(parts, 2, ","); err != nil {
		return c, err
	}
	if c.Min, err = field(parts, 4, ","); err != nil {
		return c, err
	}
	if c.Max, err = field(parts, 5, ","); err != nil {
		return c, err
	}
	if c.Sum, err = field(parts, 6, "}"); err != nil {
		return c, err
	}
	return c, nil
}

// FormatJobStats renders stats in the lctl job_stats layout accepted by ParseJobStats.
func FormatJobStats(stats []JobStat) string {
	var b strings.Builder
	b.WriteString("\n" + recordSeparator + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "- job_id:          %s\n", s.JobTag)
		fmt.Fprintf(&b, "  snapshot_time:   %d\n", s.SnapshotTime)
		names := make([]string, 0, len(s.Scalars))
		for n := range s.Scalars {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "  %-16s { samples: %d, unit: reqs }\n", n+":", s.Scalars[n])
		}
		for _, c := range []struct {
			name string
			v    *Composite
		}{{"read_bytes", s.ReadBytes}, {"write_bytes", s.WriteBytes}} {
			if c.v == nil {
				continue
			}
			fmt.Fprintf(&b, "  %-16s { samples: %d, unit: bytes, min: %d, max: %d, sum: %d }\n",
				c.name+":", c.v.Samples, c.v.Min, c.v.Max, c.v.Sum)
		}
	}
	return b.String()
}
