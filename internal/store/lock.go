package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const lockFileName = "run.lock"

// RunLock is an exclusive lock on a state directory. It keeps two shipyard
// processes from driving the same run at once.
type RunLock struct {
	file *os.File
	path string
}

// AcquireRunLock takes the lock without blocking.
func AcquireRunLock(dir string) (*RunLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	f, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	return &RunLock{file: f, path: path}, nil
}

// Release gives the lock up. It is safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file, l.path)
	l.file = nil
	return err
}
