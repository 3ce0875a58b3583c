package memo_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/memo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(job string) model.JobIdentity {
	return model.JobIdentity{Cluster: "clusterA", Sched: "uge", JobID: job}
}

func TestStoreAndGetAll(t *testing.T) {
	s := memo.New(filepath.Join(t.TempDir(), "state", "finished_jobs"))

	all, err := s.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.Store(id("1")))
	require.NoError(t, s.StoreAll([]model.JobIdentity{id("2"), id("1"), {Cluster: "clusterA", Sched: "uge", JobID: "3", TaskID: "4"}}))

	all, err = s.GetAll()
	require.NoError(t, err)
	assert.Equal(t, []model.JobIdentity{id("1"), id("2"), {Cluster: "clusterA", Sched: "uge", JobID: "3", TaskID: "4"}}, all)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "clusterA_uge_1\nclusterA_uge_2\nclusterA_uge_3.4\n", string(data))
}

func TestConcurrentStoreKeepsEveryLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finished_jobs")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// A fresh handle per goroutine, like separate processes sharing the file.
			assert.NoError(t, memo.New(path).Store(model.JobIdentity{Cluster: "c", Sched: "uge", JobID: string(rune('a' + n))}))
		}(i)
	}
	wg.Wait()
	all, err := memo.New(path).GetAll()
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestCorrectList(t *testing.T) {
	s := memo.New(filepath.Join(t.TempDir(), "finished_jobs"))
	require.NoError(t, s.StoreAll([]model.JobIdentity{id("1"), id("2"), id("3")}))

	dropped, err := s.CorrectList(map[string]struct{}{"clusterA_uge_2": {}})
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	all, err := s.GetAll()
	require.NoError(t, err)
	assert.Equal(t, []model.JobIdentity{id("2")}, all)
}

func TestContainsFollowsFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finished_jobs")
	reader := memo.New(path)

	ok, err := reader.Contains(id("7"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, memo.New(path).Store(id("7")))
	ok, err = reader.Contains(id("7"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("garbage\nclusterA_uge_8\n"), 0o644))
	ok, err = reader.Contains(id("7"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = reader.Contains(id("8"))
	assert.True(t, ok)
}
