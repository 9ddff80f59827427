// Package workspace provides file-based advisory locking over repository
// working directories. A lock keeps two agents from mutating the same
// checkout concurrently; it is crash-tolerant, not kernel-enforced. Losing
// a lock file is safe (worst case two agents race the same directory),
// never silently unsafe.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// DefaultTimeout bounds how long a lock stays valid without renewal.
const DefaultTimeout = 30 * time.Minute

// Lock is the on-disk record, one JSON object per repository-path hash.
type Lock struct {
	TaskID    string    `json:"task_id"`
	RepoPath  string    `json:"repo_path"`
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
	Agent     string    `json:"agent"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Prober answers whether a lock-owning process still exists. Pluggable so
// tests can simulate dead owners without real process ids.
type Prober interface {
	Alive(pid int) bool
}

// PIDProber probes real processes with a null signal.
type PIDProber struct{}

func (PIDProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}

// AcquireResult reports either the lock that was taken or the holder that
// blocked acquisition.
type AcquireResult struct {
	Acquired bool
	Lock     *Lock // set when Acquired
	Holder   *Lock // set when blocked
}

// Manager owns a directory of lock files.
type Manager struct {
	dir     string
	timeout time.Duration
	prober  Prober
}

// NewManager creates a manager over dir, creating it as needed. A zero
// timeout uses DefaultTimeout; a nil prober uses real PID probing.
func NewManager(dir string, timeout time.Duration, prober Prober) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if prober == nil {
		prober = PIDProber{}
	}
	return &Manager{dir: dir, timeout: timeout, prober: prober}, nil
}

// lockPath maps a repository path to its lock file via a stable hash of the
// absolute path.
func (m *Manager) lockPath(repoPath string) (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", fmt.Errorf("resolve repo path: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(abs))
	return filepath.Join(m.dir, fmt.Sprintf("%016x.lock", h.Sum64())), nil
}

// Acquire takes the lock for repoPath on behalf of taskID, or reports the
// current holder. Re-acquisition by the same task is idempotent. Expired
// locks and locks owned by dead processes are reclaimed in place. There is
// no blocking wait; retry policy belongs to the caller.
func (m *Manager) Acquire(repoPath, taskID, agent string) (AcquireResult, error) {
	path, err := m.lockPath(repoPath)
	if err != nil {
		return AcquireResult{}, err
	}

	existing, err := m.readLock(path)
	if err != nil {
		return AcquireResult{}, err
	}
	if existing != nil && m.live(existing) {
		if existing.TaskID == taskID {
			return AcquireResult{Acquired: true, Lock: existing}, nil
		}
		return AcquireResult{Holder: existing}, nil
	}

	now := time.Now().UTC()
	lock := &Lock{
		TaskID:    taskID,
		RepoPath:  repoPath,
		Timestamp: now,
		PID:       os.Getpid(),
		Agent:     agent,
		ExpiresAt: now.Add(m.timeout),
	}
	if err := m.writeLock(path, lock); err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Acquired: true, Lock: lock}, nil
}

// Release deletes the lock for repoPath unconditionally.
func (m *Manager) Release(repoPath string) error {
	path, err := m.lockPath(repoPath)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Holder returns the live lock for repoPath, or nil.
func (m *Manager) Holder(repoPath string) (*Lock, error) {
	path, err := m.lockPath(repoPath)
	if err != nil {
		return nil, err
	}
	lock, err := m.readLock(path)
	if err != nil {
		return nil, err
	}
	if lock == nil || !m.live(lock) {
		return nil, nil
	}
	return lock, nil
}

// List enumerates live locks, pruning expired and dead-owner files as it
// goes. This is the only garbage-collection path for locks, so it must stay
// cheap and safe to call frequently.
func (m *Manager) List() ([]Lock, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read lock directory: %w", err)
	}

	var out []Lock
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		lock, err := m.readLock(path)
		if err != nil || lock == nil {
			// Unreadable lock files are pruned, not fatal.
			_ = os.Remove(path)
			continue
		}
		if !m.live(lock) {
			_ = os.Remove(path)
			continue
		}
		out = append(out, *lock)
	}
	return out, nil
}

// live reports whether a lock is unexpired and its owner still running.
func (m *Manager) live(l *Lock) bool {
	if l.ExpiresAt.Before(time.Now().UTC()) {
		return false
	}
	return m.prober.Alive(l.PID)
}

func (m *Manager) readLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		// Corrupt lock content is treated as absent.
		return nil, nil
	}
	return &l, nil
}

func (m *Manager) writeLock(path string, l *Lock) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lock temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename lock into place: %w", err)
	}
	return nil
}
