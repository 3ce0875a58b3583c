// Package flock wraps whole-file advisory locks used by the finished-job memo,
// the monthly log file and the supervisor pid file.
package flock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mode selects the lock type.
type Mode int

const (
	// Shared allows concurrent readers.
	Shared Mode = unix.LOCK_SH
	// Exclusive is required for every mutation.
	Exclusive Mode = unix.LOCK_EX
)

// ErrWouldBlock is returned by TryExclusive when another process holds the lock.
var ErrWouldBlock = errors.New("flock: lock held by another process")

// Lock blocks until the lock is acquired, retrying on EINTR.
func Lock(f *os.File, mode Mode) error {
	for {
		err := unix.Flock(int(f.Fd()), int(mode))
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fmt.Errorf("flock %s: %w", f.Name(), err)
	}
}

// Unlock releases any lock held on f.
func Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// TryExclusive acquires an exclusive lock without blocking.
func TryExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return err
}

// WithFile opens path, holds a lock of the given mode while fn runs, then unlocks and closes.
func WithFile(path string, flag int, perm os.FileMode, mode Mode, fn func(f *os.File) error) (err error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err = Lock(f, mode); err != nil {
		return err
	}
	defer Unlock(f)
	return fn(f)
}
