// Package lockfile guards a data directory so only one engine submits from
// it at a time.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileName is the lock file created inside the data directory.
const FileName = "anthill.lock"

// ErrLocked is returned by Acquire when another process holds the lock.
var ErrLocked = errors.New("engine lock already held by another process")

// LockInfo is written into the lock file by the holder.
type LockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held engine lock.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the exclusive lock on dir/anthill.lock without blocking and
// records info in it. The returned error wraps ErrLocked when the lock is
// busy.
func Acquire(dir string, info LockInfo) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	// #nosec G304 - controlled path inside the data dir
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if holder, readErr := ReadLockInfo(dir); readErr == nil && holder.PID > 0 {
				return nil, fmt.Errorf("%w (pid %d, started %s)", ErrLocked, holder.PID, holder.StartedAt.Format(time.RFC3339))
			}
			return nil, err
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	data, err := json.Marshal(info)
	if err == nil {
		if err = f.Truncate(0); err == nil {
			_, err = f.WriteAt(data, 0)
		}
	}
	if err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

// Release drops the lock. The file is left in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := flockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// ReadLockInfo reads the holder information from dir/anthill.lock. A file
// holding only a PID is accepted too.
func ReadLockInfo(dir string) (*LockInfo, error) {
	// #nosec G304 - controlled path inside the data dir
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if jsonErr := json.Unmarshal(data, &info); jsonErr == nil {
		return &info, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid lock file format")
	}
	return &LockInfo{PID: pid}, nil
}

// TryEngineLock reports whether an engine currently holds the lock on dir,
// and its PID when known.
func TryEngineLock(dir string) (running bool, pid int) {
	path := filepath.Join(dir, FileName)
	// #nosec G304 - controlled path inside the data dir
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, 0
	}
	defer func() { _ = f.Close() }()

	if err := flockExclusive(f); err != nil {
		if !errors.Is(err, ErrLocked) {
			return false, 0
		}
		info, readErr := ReadLockInfo(dir)
		if readErr != nil || !isProcessRunning(info.PID) {
			return true, 0
		}
		return true, info.PID
	}
	_ = flockUnlock(f)
	return false, 0
}
