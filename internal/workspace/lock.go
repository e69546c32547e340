package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// staleGuardAge bounds how long a reclaim guard may live before it is treated
// as abandoned by a crashed process.
const staleGuardAge = 10 * time.Second

// heldLocks records the lock files this process holds. A lock file carrying
// our own pid that is not recorded here was left by an earlier process that
// happened to share the pid.
var heldLocks = struct {
	sync.Mutex
	by map[string]*FileLock
}{by: map[string]*FileLock{}}

// FileLock is a pid file that serializes work on a repository across
// processes. Locks left behind by dead processes are reclaimed.
type FileLock struct {
	path     string
	interval time.Duration
}

// NewFileLock returns a lock stored at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, interval: 100 * time.Millisecond}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *FileLock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("workspace: ensure lock dir: %w", err)
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		acquired, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("workspace: waiting for %s: %w", filepath.Base(l.path), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release removes the lock file if this lock holds it. Releasing a lock that
// is not held succeeds.
func (l *FileLock) Release() error {
	heldLocks.Lock()
	defer heldLocks.Unlock()
	if heldLocks.by[l.path] != l {
		return nil
	}
	delete(heldLocks.by, l.path)
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("workspace: release %s: %w", filepath.Base(l.path), err)
	}
	return nil
}

func (l *FileLock) tryAcquire() (bool, error) {
	heldLocks.Lock()
	defer heldLocks.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, writeErr := fmt.Fprintf(f, "%d", os.Getpid())
		f.Close()
		if writeErr != nil {
			os.Remove(l.path)
			return false, fmt.Errorf("workspace: write %s: %w", filepath.Base(l.path), writeErr)
		}
		heldLocks.by[l.path] = l
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("workspace: create %s: %w", filepath.Base(l.path), err)
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("workspace: read %s: %w", filepath.Base(l.path), err)
	}
	if l.live(string(data)) {
		return false, nil
	}
	return false, l.reclaim(string(data))
}

// live reports whether the recorded holder is still running.
func (l *FileLock) live(content string) bool {
	pid, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil {
		return false
	}
	if pid == os.Getpid() {
		_, held := heldLocks.by[l.path]
		return held
	}
	return processExists(pid)
}

// reclaim removes a stale lock file under a short-lived guard, and only if it
// still carries the contents that were judged stale. Waiters racing on the
// same stale lock therefore cannot remove a lock one of them has since taken.
func (l *FileLock) reclaim(stale string) error {
	guard := l.path + ".reclaim"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("workspace: guard %s: %w", filepath.Base(l.path), err)
		}
		if st, statErr := os.Stat(guard); statErr == nil && time.Since(st.ModTime()) > staleGuardAge {
			_ = os.Remove(guard)
		}
		return nil
	}
	g.Close()
	defer os.Remove(guard)

	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("workspace: read %s: %w", filepath.Base(l.path), err)
	}
	if string(data) != stale {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("workspace: remove stale %s: %w", filepath.Base(l.path), err)
	}
	return nil
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
