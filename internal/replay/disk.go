package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// LockFile marks a replay directory as owned by a running store.
const LockFile = ".lock"

// DiskStore is a MemoryStore that writes every record through to its own
// directory. Records evicted from memory are deleted from disk. A directory
// can be held by only one store at a time.
type DiskStore struct {
	*MemoryStore
	dir string

	mu     sync.Mutex
	closed bool
}

// OpenDiskStore takes exclusive ownership of dir and returns an empty store
// persisting into it. Record files left by a previous owner are removed.
func OpenDiskStore(dir string, opts Options) (*DiskStore, error) {
	mem, err := NewMemoryStore(opts)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create replay directory: %w", err)
	}

	lockPath, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	s := &DiskStore{MemoryStore: mem, dir: dir}
	if err := s.removeRecords(); err != nil {
		os.Remove(lockPath)
		return nil, err
	}
	return s, nil
}

// acquireLock creates the lock file of dir holding this process id. A lock
// left by a process that no longer exists is taken over.
func acquireLock(dir string) (string, error) {
	path := filepath.Join(dir, LockFile)
	for attempt := 0; ; attempt++ {
		lock, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := lock.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := lock.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return "", fmt.Errorf("failed to write replay lock: %w", werr)
			}
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to lock replay directory: %w", err)
		}

		owner, alive := lockOwner(path)
		if alive || attempt > 0 {
			return "", fmt.Errorf("replay directory %s is in use by another run", dir)
		}
		log.Printf("[Replay] Taking over %s: owner process %d no longer exists", dir, owner)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to remove stale replay lock: %w", err)
		}
	}
}

// lockOwner reads the process id from a lock file. A lock that cannot be
// read or parsed is treated as held.
func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true
	}
	if pid == os.Getpid() {
		return pid, true
	}
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return pid, false
	}
	return pid, true
}

// Dir returns the store directory.
func (s *DiskStore) Dir() string { return s.dir }

// Add implements Store.
func (s *DiskStore) Add(ctx context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store %s is closed", s.opts.Name)
	}

	index, evicted, err := s.insert(t)
	if err != nil {
		return err
	}
	t.Index = index
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transition: %w", err)
	}
	if err := os.WriteFile(s.recordPath(index), data, 0644); err != nil {
		return fmt.Errorf("failed to write transition: %w", err)
	}
	if evicted >= 0 {
		if err := os.Remove(s.recordPath(evicted)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove evicted transition: %w", err)
		}
	}
	return nil
}

// Close deletes the persisted records and releases the directory.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	errs := []error{s.MemoryStore.Close(), s.removeRecords()}
	if err := os.Remove(filepath.Join(s.dir, LockFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("failed to release replay lock: %w", err))
	}
	return errors.Join(errs...)
}

func (s *DiskStore) recordPath(index int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%012d.json", index))
}

func (s *DiskStore) removeRecords() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list replay records: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove replay record: %w", err)
		}
	}
	return nil
}
