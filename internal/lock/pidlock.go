// Package lock enforces a single running valet instance. Two instances
// sharing one state database would both answer the same threads and spend the
// budget twice, so the service refuses to start while another holds the lock.
package lock

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// ServiceLock is a PID file held by flock(2). The lock lives as long as the
// file descriptor stays open; a crashed process releases it automatically.
type ServiceLock struct {
	path string
	f    *os.File
}

// Acquire takes the exclusive instance lock at lockPath and records the
// current PID. If another live process holds it, the error names that PID.
func Acquire(lockPath string) (*ServiceLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := holderPID(f)
		_ = f.Close()
		if holder > 0 {
			return nil, fmt.Errorf("another instance is already running (pid %d)", holder)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &ServiceLock{path: lockPath, f: f}, nil
}

// ForDataDir places the lock next to the state database.
func ForDataDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "valet.lock")
}

func (l *ServiceLock) Path() string { return l.path }

// Release unlocks and closes the lock file. Safe on a nil lock.
func (l *ServiceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// holderPID best-effort reads the PID written by the current holder.
func holderPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
