// Package archive writes each window's reduced counters as one parquet object.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/storage"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "archive"

// Row is one reduced (job, server, target) counter record.
type Row struct {
	WindowID     string  `parquet:"name=window_id,type=BYTE_ARRAY,convertedtype=UTF8"`
	Kind         string  `parquet:"name=kind,type=BYTE_ARRAY,convertedtype=UTF8"`
	UID          string  `parquet:"name=uid,type=BYTE_ARRAY,convertedtype=UTF8"`
	Cluster      string  `parquet:"name=cluster,type=BYTE_ARRAY,convertedtype=UTF8"`
	JobID        string  `parquet:"name=jobid,type=BYTE_ARRAY,convertedtype=UTF8"`
	TaskID       string  `parquet:"name=taskid,type=BYTE_ARRAY,convertedtype=UTF8"`
	Username     string  `parquet:"name=username,type=BYTE_ARRAY,convertedtype=UTF8"`
	Status       string  `parquet:"name=status,type=BYTE_ARRAY,convertedtype=UTF8"`
	Host         string  `parquet:"name=host,type=BYTE_ARRAY,convertedtype=UTF8"`
	Target       string  `parquet:"name=target,type=BYTE_ARRAY,convertedtype=UTF8"`
	Timestamp    float64 `parquet:"name=timestamp,type=DOUBLE"`
	SnapshotTime int64   `parquet:"name=snapshot_time,type=INT64"`
	TotalOps     int64   `parquet:"name=total_ops,type=INT64"`
	ReadOps      int64   `parquet:"name=read_ops,type=INT64"`
	ReadBytes    int64   `parquet:"name=read_bytes,type=INT64"`
	WriteOps     int64   `parquet:"name=write_ops,type=INT64"`
	WriteBytes   int64   `parquet:"name=write_bytes,type=INT64"`
}

// Sink archives windows through an object store.
type Sink struct {
	store       storage.ObjectStore
	compression parquet.CompressionCodec
}

// NewSink validates the compression setting.
func NewSink(cfg config.ArchiveConfig, store storage.ObjectStore) (*Sink, error) {
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, exception.NewProvError(exception.KindConfig, moduleName, "invalid compression", err)
	}
	return &Sink{store: store, compression: codec}, nil
}

// Name implements persistence.Sink.
func (s *Sink) Name() string { return persistence.SinkArchive }

// ObjectName is the Hive-style partitioned name of a window's archive.
func ObjectName(snap *model.WindowSnapshot) string {
	return path.Join("dt="+snap.End.UTC().Format("2006-01-02"), fmt.Sprintf("window_%s.parquet", snap.WindowID))
}

// Rows flattens the reduced tables of every keyed entry.
func Rows(snap *model.WindowSnapshot) []Row {
	var rows []Row
	for _, e := range snap.Entries {
		if e.Info.Memoized() {
			continue
		}
		base := Row{
			WindowID: snap.WindowID,
			UID:      e.UID,
			Cluster:  e.Identity.Cluster,
			JobID:    e.Identity.JobID,
			TaskID:   e.Identity.TaskID,
			Username: e.Info.Username,
			Status:   string(e.Info.Status),
		}
		for _, host := range sortedKeys(e.MDSTable) {
			for _, target := range sortedKeys(e.MDSTable[host]) {
				r := e.MDSTable[host][target]
				row := base
				row.Kind, row.Host, row.Target = "mds", host, target
				row.Timestamp, row.SnapshotTime = r.Timestamp, r.SnapshotTime
				row.TotalOps = r.Counters.Total()
				rows = append(rows, row)
			}
		}
		for _, host := range sortedKeys(e.OSSTable) {
			for _, target := range sortedKeys(e.OSSTable[host]) {
				r := e.OSSTable[host][target]
				row := base
				row.Kind, row.Host, row.Target = "oss", host, target
				row.Timestamp, row.SnapshotTime = r.Timestamp, r.SnapshotTime
				row.ReadOps, row.ReadBytes = r.Counters.ReadOps, r.Counters.ReadSum
				row.WriteOps, row.WriteBytes = r.Counters.WriteOps, r.Counters.WriteSum
				row.TotalOps = r.Counters.ReadOps + r.Counters.WriteOps
				rows = append(rows, row)
			}
		}
	}
	return rows
}

// Write implements persistence.Sink.
func (s *Sink) Write(ctx context.Context, snap *model.WindowSnapshot) error {
	rows := Rows(snap)
	if len(rows) == 0 {
		return nil
	}

	buf := new(bytes.Buffer)
	pw, err := writer.NewParquetWriterFromWriter(buf, new(Row), int64(len(rows)))
	if err != nil {
		return exception.NewProvError(exception.KindStore, moduleName, "cannot create parquet writer", err)
	}
	pw.CompressionType = s.compression

	var errs error
	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				errs = multierror.Append(errs, fmt.Errorf("parquet writer panicked: %v", r))
			}
		}()
		if err := pw.WriteStop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}()
	if errs != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "window %s: encoding failed", snap.WindowID, errs)
	}

	name := ObjectName(snap)
	if err := s.store.Upload(ctx, name, buf, "application/octet-stream"); err != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "window %s: upload failed", snap.WindowID, err)
	}
	logger.Debugf("Archive: window %s wrote %d row(s) to %s.", snap.WindowID, len(rows), name)
	return nil
}

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToUpper(name) {
	case "SNAPPY", "":
		return parquet.CompressionCodec_SNAPPY, nil
	case "GZIP":
		return parquet.CompressionCodec_GZIP, nil
	case "NONE", "UNCOMPRESSED":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	}
	return 0, fmt.Errorf("unsupported compression type: %s", name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ persistence.Sink = (*Sink)(nil)
