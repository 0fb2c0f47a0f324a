package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLocked reports a lock file held by another owner.
var ErrLocked = errors.New("lock file is held")

// FileLock is an advisory flock on one lock file. flock locks belong to
// the open file, so a FileLock excludes other processes and other
// FileLocks of this process alike. The kernel drops it when the holder
// exits.
type FileLock struct {
	f *os.File
}

// LockFile takes an exclusive lock on path, creating it when missing.
// With wait false it fails with ErrLocked instead of blocking.
func LockFile(path string, wait bool) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	if err := flock(f, how); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &FileLock{f: f}, nil
}

// SetOwner records owner in the lock file for diagnostics.
func (l *FileLock) SetOwner(owner string) error {
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	_, err := l.f.WriteAt([]byte(owner+"\n"), 0)
	return err
}

// Unlock clears the owner and releases the lock.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := flock(l.f, unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// LockOwner returns the owner recorded in path, or "" when none is.
func LockOwner(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// IsLocked reports whether some holder keeps path locked.
func IsLocked(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := flock(f, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	_ = flock(f, unix.LOCK_UN)
	return false
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// HashLocks serializes work per content hash between goroutines and,
// when Dir is set, between processes sharing the archive. Hashes share
// one lock file per two-hex-digit prefix.
type HashLocks struct {
	Dir   string
	local KeyedMutex
}

// Lock blocks until hash is free and returns its unlock function.
func (h *HashLocks) Lock(hash string) (func(), error) {
	unlockLocal := h.local.Lock(hash)
	if h.Dir == "" {
		return unlockLocal, nil
	}
	fl, err := LockFile(filepath.Join(h.Dir, hashStripe(hash)+".lock"), true)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	return func() {
		_ = fl.Unlock()
		unlockLocal()
	}, nil
}

func hashStripe(hash string) string {
	if len(hash) < 2 {
		return "00"
	}
	return strings.ToLower(hash[:2])
}
