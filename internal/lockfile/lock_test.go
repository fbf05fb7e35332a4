//go:build unix

package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadLockInfo(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("JSON format", func(t *testing.T) {
		lockPath := filepath.Join(tmpDir, FileName)
		lockInfo := &LockInfo{
			PID:       12345,
			Database:  "/path/to/db",
			Version:   "1.0.0",
			StartedAt: time.Now(),
		}

		data, err := json.Marshal(lockInfo)
		if err != nil {
			t.Fatalf("failed to marshal lock info: %v", err)
		}
		if err := os.WriteFile(lockPath, data, 0644); err != nil {
			t.Fatalf("failed to write lock file: %v", err)
		}

		result, err := ReadLockInfo(tmpDir)
		if err != nil {
			t.Fatalf("ReadLockInfo failed: %v", err)
		}
		if result.PID != lockInfo.PID {
			t.Errorf("PID mismatch: got %d, want %d", result.PID, lockInfo.PID)
		}
		if result.Database != lockInfo.Database {
			t.Errorf("Database mismatch: got %s, want %s", result.Database, lockInfo.Database)
		}
	})

	t.Run("plain PID", func(t *testing.T) {
		lockPath := filepath.Join(tmpDir, FileName)
		if err := os.WriteFile(lockPath, []byte("98765"), 0644); err != nil {
			t.Fatalf("failed to write lock file: %v", err)
		}
		result, err := ReadLockInfo(tmpDir)
		if err != nil {
			t.Fatalf("ReadLockInfo failed: %v", err)
		}
		if result.PID != 98765 {
			t.Errorf("PID mismatch: got %d, want %d", result.PID, 98765)
		}
	})

	t.Run("file not found", func(t *testing.T) {
		if _, err := ReadLockInfo(filepath.Join(tmpDir, "nonexistent")); err == nil {
			t.Error("expected error for non-existent file")
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		lockPath := filepath.Join(tmpDir, FileName)
		if err := os.WriteFile(lockPath, []byte("invalid json"), 0644); err != nil {
			t.Fatalf("failed to write lock file: %v", err)
		}
		if _, err := ReadLockInfo(tmpDir); err == nil {
			t.Error("expected error for invalid format")
		}
	})
}

func TestAcquireExclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	lock, err := Acquire(dir, LockInfo{Database: "anthill.db", Version: "test"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	info, err := ReadLockInfo(dir)
	if err != nil {
		t.Fatalf("ReadLockInfo failed: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), info.PID)
	}

	// flock is per open file description, so a second open in the same
	// process conflicts just like another process would.
	_, err = Acquire(dir, LockInfo{})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	running, pid := TryEngineLock(dir)
	if !running || pid != os.Getpid() {
		t.Errorf("expected running engine with pid %d, got running=%v pid=%d", os.Getpid(), running, pid)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}

	running, _ = TryEngineLock(dir)
	if running {
		t.Error("expected lock to be free after release")
	}

	again, err := Acquire(dir, LockInfo{})
	if err != nil {
		t.Fatalf("re-Acquire failed: %v", err)
	}
	_ = again.Release()
}

func TestTryEngineLockNoFile(t *testing.T) {
	running, pid := TryEngineLock(t.TempDir())
	if running || pid != 0 {
		t.Errorf("expected no engine, got running=%v pid=%d", running, pid)
	}
}
