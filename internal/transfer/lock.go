package transfer

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Lock is an exclusive, per-task advisory lock. Exactly one engine may
// hold the lock for a task id at a time; contention is reported so the
// caller can surface ConcurrentTransfer.
type Lock struct {
	f    *os.File
	path string
}

// AcquireLock takes the lock file <manifest>.lock for id. It never
// blocks: if another process holds the lock, ok is false.
func (s *Store) AcquireLock(id string) (lock *Lock, ok bool, err error) {
	path := s.Path(id) + ".lock"

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("open lock %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", path, err)
	}

	// Record the owner for post-mortem debugging; the flock itself is
	// what enforces exclusion.
	owner := fmt.Sprintf("%s pid=%d\n", uuid.NewString(), os.Getpid())
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(owner), 0)
	}

	return &Lock{f: f, path: path}, true, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if closeErr := l.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	l.f = nil
	return err
}
