// Package influx is the time-series sink: one point batch per window into InfluxDB 1.x.
package influx

import (
	"context"
	"sort"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/engine/codec"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "influx"

// Measurement names.
const (
	MeasMDS         = "mds_meas"
	MeasOSS         = "oss_meas"
	MeasServerStats = "server_stats_meas"
)

// Writer is the subset of client.Client the sink uses.
type Writer interface {
	Write(bp client.BatchPoints) error
	Close() error
}

// Dialer opens a Writer for one flush.
type Dialer func() (Writer, error)

// Sink writes windows to InfluxDB.
type Sink struct {
	dial     Dialer
	database string
	loc      *time.Location
}

// NewSink creates a sink that opens an HTTP client on every flush.
func NewSink(cfg config.InfluxDBConfig) *Sink {
	return NewSinkWithDialer(cfg, func() (Writer, error) {
		return client.NewHTTPClient(client.HTTPConfig{
			Addr:     cfg.Addr(),
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  30 * time.Second,
		})
	})
}

// NewSinkWithDialer creates a sink over an arbitrary writer factory.
func NewSinkWithDialer(cfg config.InfluxDBConfig, dial Dialer) *Sink {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.UTC
	}
	return &Sink{dial: dial, database: cfg.Database, loc: loc}
}

// Name implements persistence.Sink.
func (s *Sink) Name() string { return persistence.SinkTimeSeries }

// Write implements persistence.Sink.
func (s *Sink) Write(ctx context.Context, snap *model.WindowSnapshot) error {
	bp, err := s.Points(snap)
	if err != nil {
		return err
	}
	if len(bp.Points()) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return exception.NewProvError(exception.KindStore, moduleName, "flush cancelled", err)
	}

	w, err := s.dial()
	if err != nil {
		return exception.NewProvError(exception.KindStore, moduleName, "cannot create client", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			logger.Warnf("Closing InfluxDB client: %v", cerr)
		}
	}()
	if err := w.Write(bp); err != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "window %s: write of %d points failed", snap.WindowID, len(bp.Points()), err)
	}
	logger.Debugf("InfluxDB: window %s wrote %d point(s).", snap.WindowID, len(bp.Points()))
	return nil
}

// Points renders the window as one batch. Keyed and process-only records both land
// in the counter measurements; heartbeats that do not parse are skipped.
func (s *Sink) Points(snap *model.WindowSnapshot) (client.BatchPoints, error) {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: s.database, Precision: "s"})
	if err != nil {
		return nil, exception.NewProvError(exception.KindStore, moduleName, "cannot create batch", err)
	}
	add := func(p *client.Point, err error) {
		if err != nil {
			logger.Warnf("InfluxDB: dropping point: %v", err)
			return
		}
		bp.AddPoint(p)
	}

	for _, e := range snap.Entries {
		for _, r := range e.MDS {
			add(s.mdsPoint(r))
		}
		for _, r := range e.OSS {
			add(s.ossPoint(r))
		}
	}
	for _, r := range snap.UnkeyedMDS {
		add(s.mdsPoint(r))
	}
	for _, r := range snap.UnkeyedOSS {
		add(s.ossPoint(r))
	}

	stats := append([]string(nil), snap.ServerStats...)
	sort.Strings(stats)
	prev := ""
	for _, raw := range stats {
		if raw == prev {
			continue
		}
		prev = raw
		st, err := codec.ParseHeartbeat(raw)
		if err != nil {
			logger.Warnf("InfluxDB: skipping heartbeat: %v", err)
			continue
		}
		add(client.NewPoint(MeasServerStats,
			map[string]string{"host": st.Host},
			map[string]interface{}{
				"cpu_load_avg_1min":  st.Load1,
				"cpu_load_avg_5min":  st.Load5,
				"cpu_load_avg_15min": st.Load15,
				"total_mem":          st.TotalMem,
				"used_mem":           st.UsedMem,
			},
			time.Unix(st.Timestamp, 0).In(s.loc)))
	}
	return bp, nil
}

func (s *Sink) mdsPoint(r model.MDSRecord) (*client.Point, error) {
	fields := map[string]interface{}{}
	for name, v := range r.Counters.Values() {
		fields[name] = v
	}
	fields["total_ops"] = r.Counters.Total()
	owner(fields, r.Identity, r.ProcID)
	return client.NewPoint(MeasMDS, tags(r.Host, r.Target, r.Identity), fields, s.at(r.SnapshotTime, r.Timestamp))
}

func (s *Sink) ossPoint(r model.OSSRecord) (*client.Point, error) {
	c := r.Counters
	fields := map[string]interface{}{
		"read_ops":    c.ReadOps,
		"read_bytes":  c.ReadSum,
		"write_ops":   c.WriteOps,
		"write_bytes": c.WriteSum,
	}
	owner(fields, r.Identity, r.ProcID)
	return client.NewPoint(MeasOSS, tags(r.Host, r.Target, r.Identity), fields, s.at(r.SnapshotTime, r.Timestamp))
}

func tags(host, target string, id model.JobIdentity) map[string]string {
	t := map[string]string{"host": host, "target": target}
	if id.Cluster != "" {
		t["cluster"] = id.Cluster
	}
	return t
}

// owner stores jobid and taskid for keyed records, procid otherwise.
func owner(fields map[string]interface{}, id model.JobIdentity, procID string) {
	if id.IsZero() {
		fields["procid"] = procID
		return
	}
	fields["jobid"] = id.JobID
	if id.TaskID != "" {
		fields["taskid"] = id.TaskID
	}
}

// at is the point time: the job_stats snapshot_time, so jobs sharing one dump and
// one series key stay distinct points. The dump timestamp is used only when the
// record carries no snapshot_time.
func (s *Sink) at(snapshot int64, ts float64) time.Time {
	if snapshot > 0 {
		return time.Unix(snapshot, 0).In(s.loc)
	}
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9)).In(s.loc)
}

var _ persistence.Sink = (*Sink)(nil)
