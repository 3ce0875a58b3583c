package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tigerroll/ioprov/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	pid := filepath.Join(dir, "provd.pid")
	path := filepath.Join(dir, "ioprov.ini")
	require.NoError(t, os.WriteFile(path, []byte("[supervisor]\npid_file = "+pid+"\nstop_timeout = 1\n"), 0o644))
	return path, pid
}

func runProvd(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return execute(), out.String()
}

func TestStatusWhenStopped(t *testing.T) {
	path, _ := writeConfig(t)
	code, out := runProvd(t, "status", "--config", path)
	assert.Equal(t, exitConflict, code)
	assert.Contains(t, out, "not running")
}

func TestStatusWhenRunning(t *testing.T) {
	path, pid := writeConfig(t)
	pf, err := supervisor.Acquire(pid)
	require.NoError(t, err)
	defer pf.Release()

	code, out := runProvd(t, "status", "--config", path)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "provd is running")
}

func TestStopWhenStoppedIsAConflict(t *testing.T) {
	path, _ := writeConfig(t)
	code, _ := runProvd(t, "stop", "--config", path)
	assert.Equal(t, exitConflict, code)
}

func TestUsageErrors(t *testing.T) {
	code, _ := runProvd(t, "frobnicate")
	assert.Equal(t, exitUsage, code)

	code, _ = runProvd(t, "status", "--config", filepath.Join(t.TempDir(), "missing.ini"))
	assert.Equal(t, exitUsage, code)
}

func fakeProcessControl(t *testing.T, stopErr error) *[]string {
	t.Helper()
	var calls []string
	origStart, origStop := startServer, stopServer
	startServer = func(exe string, args []string, pidPath string, wait time.Duration) (int, error) {
		calls = append(calls, "start")
		return 4242, nil
	}
	stopServer = func(pidPath string, timeout time.Duration) error {
		calls = append(calls, "stop")
		return stopErr
	}
	t.Cleanup(func() { startServer, stopServer = origStart, origStop })
	return &calls
}

func TestStartStopWriteToCommandOutput(t *testing.T) {
	path, _ := writeConfig(t)
	calls := fakeProcessControl(t, nil)

	code, out := runProvd(t, "start", "--config", path)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "provd started (pid 4242)\n", out)

	code, out = runProvd(t, "stop", "--config", path)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "provd stopped\n", out)

	code, out = runProvd(t, "restart", "--config", path)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "provd stopped\nprovd started (pid 4242)\n", out)
	assert.Equal(t, []string{"start", "stop", "stop", "start"}, *calls)
}

func TestRestartWhenStoppedStarts(t *testing.T) {
	path, _ := writeConfig(t)
	fakeProcessControl(t, supervisor.ErrNotRunning)

	code, out := runProvd(t, "restart", "--config", path)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "provd started (pid 4242)\n", out)
}
