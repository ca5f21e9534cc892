//go:build unix

package store

import (
	"fmt"
	"os"
	"syscall"
)

// lockFile holds an flock on path. The file itself is left in place on
// release: unlinking it would let a waiter lock an orphaned inode.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening run lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another run holds %s: %w", path, err)
	}
	return f, nil
}

func unlockFile(f *os.File, path string) error {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return f.Close()
}
