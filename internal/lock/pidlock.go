// Package lock keeps a single relay instance per PID file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned when another process owns the lock.
var ErrHeld = errors.New("lock held by another process")

// PIDLock is an flock(2) on a file that also records the owner's PID.
// The lock lives as long as the file descriptor stays open.
type PIDLock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive, non-blocking lock on path and writes the
// current PID into it. The returned lock must be released.
func Acquire(path string) (*PIDLock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, perr := ReadPID(path); perr == nil {
				return nil, fmt.Errorf("%w (pid %d)", ErrHeld, pid)
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &PIDLock{path: path, f: f}
	if err := l.writePID(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *PIDLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(l.f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return l.f.Sync()
}

// Path returns the lock file location.
func (l *PIDLock) Path() string { return l.path }

// Release unlocks and closes the file. The file itself is left behind.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadPID returns the PID recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid in %s: %w", path, err)
	}
	return pid, nil
}

// Held reports whether some process currently holds the lock at path, and
// its PID when known.
func Held(path string) (bool, int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, 0, nil
	}
	l, err := Acquire(path)
	if err == nil {
		return false, 0, l.Release()
	}
	if errors.Is(err, ErrHeld) {
		pid, _ := ReadPID(path)
		return true, pid, nil
	}
	return false, 0, err
}
