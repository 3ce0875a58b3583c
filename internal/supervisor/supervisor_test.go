package supervisor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tigerroll/ioprov/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "provd.pid")

	_, running, err := supervisor.Running(path)
	require.NoError(t, err)
	assert.False(t, running)

	pf, err := supervisor.Acquire(path)
	require.NoError(t, err)

	pid, running, err := supervisor.Running(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	_, err = supervisor.Acquire(path)
	assert.ErrorIs(t, err, supervisor.ErrRunning)

	require.NoError(t, pf.Release())
	_, running, err = supervisor.Running(path)
	require.NoError(t, err)
	assert.False(t, running)
	assert.NoFileExists(t, path)
}

func TestStalePidFileIsNotRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provd.pid")
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o644))

	_, running, err := supervisor.Running(path)
	require.NoError(t, err)
	assert.False(t, running)
	assert.ErrorIs(t, supervisor.Stop(path, time.Second), supervisor.ErrNotRunning)

	pf, err := supervisor.Acquire(path)
	require.NoError(t, err, "a stale file is taken over")
	defer pf.Release()
}

func TestStartRefusesWhileRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provd.pid")
	pf, err := supervisor.Acquire(path)
	require.NoError(t, err)
	defer pf.Release()

	_, err = supervisor.Start("/bin/true", nil, path, time.Second)
	assert.ErrorIs(t, err, supervisor.ErrRunning)
}
