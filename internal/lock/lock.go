// Package lock provides a single-process advisory exclusive lock over
// a database directory, implemented with flock(2) so a second process
// opening the same directory fails fast instead of silently
// interleaving writes with an already-open instance.
package lock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrHeld is returned by Acquire when another process already holds
// the lock.
var ErrHeld = errors.New("lock: already held by another process")

// Lock is a held advisory lock on a directory's lock file. Release it
// with Close.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if absent) path and takes a non-blocking
// exclusive flock on it. It returns ErrHeld if another process already
// holds the lock.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lock: opening %s: %w", path, err)
	}

	if err := flockRetryEINTR(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Close releases the lock and closes its file descriptor. Idempotent.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = flockRetryEINTR(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

// flockRetryEINTR retries flock on EINTR, which a blocking signal (a
// terminal resize, a reaped child) can raise even for LOCK_NB calls.
func flockRetryEINTR(fd int, how int) error {
	for {
		err := syscall.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
}
