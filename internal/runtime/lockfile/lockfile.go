//go:build unix

// Package lockfile guards a resource against a second writer process.
//
// The lock is an advisory flock on a small file holding the owner's pid.
// The kernel drops it when the process exits, so a crash never leaves a
// stuck lock behind.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Lock is a held lock.
type Lock struct {
	file *os.File
	path string
}

// LockError reports a lock held by another process.
type LockError struct {
	Path  string
	Owner string
	Cause error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("lock %s is held by another process", e.Path)
	if e.Owner != "" {
		msg += " (" + e.Owner + ")"
	}
	return msg
}

func (e *LockError) Unwrap() error { return e.Cause }

// Acquire takes an exclusive non-blocking lock on path.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, &LockError{Path: path, Owner: describeOwner(path), Cause: err}
	}

	// Record our pid only once the lock is ours.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0)
		_ = f.Sync()
	}
	return &Lock{file: f, path: path}, nil
}

func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func describeOwner(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(b))
	pidStr, ok := strings.CutPrefix(s, "pid=")
	if !ok {
		return s
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return s
	}
	if unix.Kill(pid, 0) == nil {
		return fmt.Sprintf("pid %d, running", pid)
	}
	return fmt.Sprintf("pid %d", pid)
}
