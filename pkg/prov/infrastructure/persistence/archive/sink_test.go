package archive_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/storage/local"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence/archive"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFile serves an in-memory parquet object to the reader.
type memFile struct {
	*bytes.Reader
	data []byte
}

func newMemFile(data []byte) *memFile { return &memFile{Reader: bytes.NewReader(data), data: data} }

func (f *memFile) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (f *memFile) Close() error { return nil }
func (f *memFile) Open(string) (source.ParquetFile, error) { return newMemFile(f.data), nil }
func (f *memFile) Create(string) (source.ParquetFile, error) { return nil, io.ErrClosedPipe }

func window() *model.WindowSnapshot {
	id := model.JobIdentity{Cluster: "clusterA", Sched: "uge", JobID: "42"}
	end := time.Date(2023, 11, 14, 23, 59, 30, 0, time.UTC)
	return &model.WindowSnapshot{
		WindowID: "7",
		Start:    end.Add(-time.Minute),
		End:      end,
		Entries: []model.EntrySnapshot{
			{
				UID:      id.UID(),
				Identity: id,
				Info:     model.JobInfo{Identity: id, Status: model.StatusRunning, Username: "alice"},
				MDSTable: map[string]map[string]model.MDSRecord{"mds01": {"fs-MDT0000": {Timestamp: 1700006370, Counters: model.MDSCounters{Open: 4, Close: 4}}}},
				OSSTable: map[string]map[string]model.OSSRecord{
					"oss02": {"fs-OST0002": {Counters: model.OSSCounters{WriteOps: 1, WriteSum: 4096}}},
					"oss01": {"fs-OST0001": {Counters: model.OSSCounters{ReadOps: 2, ReadSum: 400}}},
				},
			},
			{UID: "skel", Info: model.NewFinishedSkeleton(model.JobIdentity{Cluster: "clusterA", Sched: "uge", JobID: "9"})},
		},
	}
}

func TestRowsFlattenReducedTables(t *testing.T) {
	rows := archive.Rows(window())
	require.Len(t, rows, 3)
	assert.Equal(t, "mds", rows[0].Kind)
	assert.Equal(t, int64(8), rows[0].TotalOps)
	assert.Equal(t, "oss01", rows[1].Host)
	assert.Equal(t, int64(4096), rows[2].WriteBytes)
	for _, r := range rows {
		assert.Equal(t, "alice", r.Username)
		assert.Equal(t, "7", r.WindowID)
	}
}

func TestWriteUploadsOnePartitionedObject(t *testing.T) {
	ctx := context.Background()
	store, err := local.NewAdapter(t.TempDir())
	require.NoError(t, err)
	sink, err := archive.NewSink(config.ArchiveConfig{Compression: "SNAPPY"}, store)
	require.NoError(t, err)

	require.NoError(t, sink.Write(ctx, window()))

	var names []string
	require.NoError(t, store.ListObjects(ctx, "dt=", func(name string) error {
		names = append(names, name)
		return nil
	}))
	require.Equal(t, []string{"dt=2023-11-14/window_7.parquet"}, names)

	rc, err := store.Download(ctx, names[0])
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	pr, err := reader.NewParquetReader(newMemFile(data), new(archive.Row), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(3), pr.GetNumRows())
	got := make([]archive.Row, 3)
	require.NoError(t, pr.Read(&got))
	assert.Equal(t, archive.Rows(window()), got)
}

func TestEmptyWindowWritesNothing(t *testing.T) {
	store, err := local.NewAdapter(t.TempDir())
	require.NoError(t, err)
	sink, err := archive.NewSink(config.ArchiveConfig{}, store)
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), &model.WindowSnapshot{WindowID: "0"}))

	count := 0
	require.NoError(t, store.ListObjects(context.Background(), "", func(string) error { count++; return nil }))
	assert.Zero(t, count)
}

func TestUnknownCompressionIsAConfigError(t *testing.T) {
	_, err := archive.NewSink(config.ArchiveConfig{Compression: "LZMA"}, nil)
	assert.True(t, exception.IsKind(err, exception.KindConfig))
}
