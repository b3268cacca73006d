package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	lockFilePermissions = 0o600
	dataDirPermissions  = 0o700
	watchLockSuffix     = ".watch.lock"
)

// errNoWatcher means no live watcher owns a fallback store.
var errNoWatcher = errors.New("no running watcher")

// watchLock is the record a watcher keeps in the lock file of the fallback
// store it owns. The flock on the file is the ownership; the JSON content
// tells `flush` which process to signal and what it is serving.
type watchLock struct {
	PID       int       `json:"pid"`
	Fallback  string    `json:"fallback"`
	Endpoint  string    `json:"endpoint"`
	Owner     string    `json:"owner"`
	Grid      string    `json:"grid"`
	StartedAt time.Time `json:"startedAt"`
}

// watchLockPath returns the lock file guarding the fallback store at
// fallbackPath.
func watchLockPath(fallbackPath string) string {
	return fallbackPath + watchLockSuffix
}

// acquireWatchLock takes exclusive ownership of the fallback store named by
// info.Fallback and records info, with the current PID, in its lock file.
// The returned release removes the file and drops the lock.
func acquireWatchLock(info watchLock) (release func(), err error) {
	if info.Fallback == "" {
		return nil, errors.New("fallback store path is empty: cannot place the watch lock")
	}

	abs, err := filepath.Abs(info.Fallback)
	if err != nil {
		return nil, fmt.Errorf("resolving fallback store path: %w", err)
	}

	info.Fallback = abs
	info.PID = os.Getpid()
	path := watchLockPath(abs)

	if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening watch lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if held, readErr := readWatchLock(path); readErr == nil {
			return nil, fmt.Errorf("fallback store %s is already watched by PID %d for %q", abs, held.PID, held.Owner)
		}

		return nil, fmt.Errorf("fallback store %s is already watched (could not lock %s)", abs, path)
	}

	data, err := json.Marshal(info)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encoding watch lock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating watch lock: %w", err)
	}

	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing watch lock: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing watch lock: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readWatchLock decodes the record in the lock file at path.
func readWatchLock(path string) (watchLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return watchLock{}, fmt.Errorf("reading watch lock: %w", err)
	}

	var info watchLock
	if err := json.Unmarshal(data, &info); err != nil {
		return watchLock{}, fmt.Errorf("invalid watch lock %s: %w", path, err)
	}

	if info.PID <= 0 {
		return watchLock{}, fmt.Errorf("invalid watch lock %s: no PID", path)
	}

	return info, nil
}

// lockHeld reports whether a process holds the flock on path.
func lockHeld(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return true, nil
		}

		return false, fmt.Errorf("probing watch lock: %w", err)
	}

	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return false, nil
}

// signalWatcher sends SIGHUP to the watcher owning the fallback store at
// fallbackPath and returns its record. A lock file nobody holds is left
// over from a crashed watcher and is removed.
func signalWatcher(fallbackPath string) (watchLock, error) {
	abs, err := filepath.Abs(fallbackPath)
	if err != nil {
		return watchLock{}, fmt.Errorf("resolving fallback store path: %w", err)
	}

	path := watchLockPath(abs)

	held, err := lockHeld(path)
	if errors.Is(err, os.ErrNotExist) {
		return watchLock{}, fmt.Errorf("%w for %s", errNoWatcher, abs)
	}

	if err != nil {
		return watchLock{}, err
	}

	if !held {
		os.Remove(path)

		return watchLock{}, fmt.Errorf("%w for %s (stale lock removed)", errNoWatcher, abs)
	}

	info, err := readWatchLock(path)
	if err != nil {
		return watchLock{}, err
	}

	if info.Fallback != abs {
		return watchLock{}, fmt.Errorf("watch lock %s belongs to fallback store %s, not %s", path, info.Fallback, abs)
	}

	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return watchLock{}, fmt.Errorf("finding watcher %d: %w", info.PID, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return watchLock{}, fmt.Errorf("signalling watcher %d: %w", info.PID, err)
	}

	return info, nil
}
