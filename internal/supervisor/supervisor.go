// Package supervisor starts, stops and inspects the detached server process
// through its locked pid file.
package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tigerroll/ioprov/pkg/prov/support/util/flock"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

var (
	// ErrRunning means another server holds the pid file.
	ErrRunning = errors.New("server is already running")
	// ErrNotRunning means no server holds the pid file.
	ErrNotRunning = errors.New("server is not running")
)

const pollInterval = 100 * time.Millisecond

// PidFile is the pid file held by a running server. The exclusive lock lives
// as long as the process keeps the file open.
type PidFile struct {
	path string
	f    *os.File
}

// Acquire locks path and records the current pid. ErrRunning is returned when
// another process holds the lock.
func Acquire(path string) (*PidFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := flock.TryExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, flock.ErrWouldBlock) {
			return nil, ErrRunning
		}
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, err
	}
	return &PidFile{path: path, f: f}, nil
}

// Release removes the pid file and drops the lock.
func (p *PidFile) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	rmErr := os.Remove(p.path)
	if errors.Is(rmErr, fs.ErrNotExist) {
		rmErr = nil
	}
	err := errors.Join(rmErr, flock.Unlock(p.f), p.f.Close())
	p.f = nil
	return err
}

// Running returns the pid of the server holding path. A pid file nobody
// locks is stale and reported as not running.
func Running(path string) (int, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	if err := flock.TryExclusive(f); err == nil {
		flock.Unlock(f)
		return 0, false, nil
	} else if !errors.Is(err, flock.ErrWouldBlock) {
		return 0, false, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, true, fmt.Errorf("pid file %s: %w", path, err)
	}
	return pid, true, nil
}

// Start re-executes exe with args in a new session and waits until the child
// holds the pid file. It returns the child's pid.
func Start(exe string, args []string, pidPath string, wait time.Duration) (int, error) {
	if _, running, err := Running(pidPath); err != nil {
		return 0, err
	} else if running {
		return 0, ErrRunning
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", exe, err)
	}
	child := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case err := <-exited:
			return 0, fmt.Errorf("server exited during startup: %v", err)
		case <-time.After(pollInterval):
		}
		if pid, running, _ := Running(pidPath); running && pid == child {
			logger.Infof("Server started with pid %d.", child)
			return child, nil
		}
	}
	return child, fmt.Errorf("server pid %d did not lock %s within %s", child, pidPath, wait)
}

// Stop sends SIGTERM to the server and waits up to timeout for it to release
// the pid file.
func Stop(pidPath string, timeout time.Duration) error {
	pid, running, err := Running(pidPath)
	if err != nil {
		return err
	}
	if !running {
		return ErrNotRunning
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	logger.Infof("Sent SIGTERM to pid %d; waiting up to %s.", pid, timeout)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)
		if _, running, _ := Running(pidPath); !running {
			return nil
		}
	}
	return fmt.Errorf("server pid %d still running after %s", pid, timeout)
}
