package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/shipyard/pkg/schema"
)

const (
	stateFileName   = "state.json"
	previewFileName = "last-successful-preview.json"
	backupDirName   = "backups"
	backupTimeFmt   = "20060102T150405.000000000Z"
)

// maxBackupCollisions bounds the suffixes tried for one timestamp.
const maxBackupCollisions = 99

// FileBackend persists the run snapshot as one JSON file. Before every
// overwrite the previous canonical file is copied into backups/ under a
// timestamped name. Writes go to a .tmp file and are renamed into place.
type FileBackend struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileBackend creates the state directory if needed and recovers any
// write interrupted by a crash.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, backupDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	if err := recoverInterruptedWrites(dir); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}
	return &FileBackend{dir: dir, now: func() time.Time { return time.Now().UTC() }}, nil
}

// StatePath returns the canonical run state path.
func (b *FileBackend) StatePath() string { return filepath.Join(b.dir, stateFileName) }

// PreviewPath returns the preview sidecar path.
func (b *FileBackend) PreviewPath() string { return filepath.Join(b.dir, previewFileName) }

// BackupDir returns the directory receiving timestamped snapshots.
func (b *FileBackend) BackupDir() string { return filepath.Join(b.dir, backupDirName) }

func (b *FileBackend) Load(ctx context.Context) (*schema.RunSnapshot, error) {
	data, err := os.ReadFile(b.StatePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError("read run state", err)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, storeError("parse run state", err)
	}
	return snap, nil
}

func (b *FileBackend) Save(ctx context.Context, snap *schema.RunSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return storeError("encode run state", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.backupLocked(); err != nil {
		return storeError("backup run state", err)
	}
	if err := writeAtomic(b.StatePath(), data); err != nil {
		return storeError("write run state", err)
	}
	return nil
}

// Clear backs up and removes the canonical state file. The preview sidecar
// and existing backups are left alone.
func (b *FileBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.backupLocked(); err != nil {
		return storeError("backup run state", err)
	}
	if err := os.Remove(b.StatePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storeError("remove run state", err)
	}
	return nil
}

func (b *FileBackend) LoadPreview(ctx context.Context) (*schema.Preview, error) {
	data, err := os.ReadFile(b.PreviewPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError("read preview", err)
	}
	var p schema.Preview
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, storeError("parse preview", err)
	}
	return &p, nil
}

func (b *FileBackend) SavePreview(ctx context.Context, p *schema.Preview) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return storeError("encode preview", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := writeAtomic(b.PreviewPath(), data); err != nil {
		return storeError("write preview", err)
	}
	return nil
}

// Backups lists backup file paths, oldest first.
func (b *FileBackend) Backups() ([]string, error) {
	entries, err := os.ReadDir(b.BackupDir())
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "state-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(b.BackupDir(), e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func (b *FileBackend) Close() error { return nil }

// backupLocked copies the canonical file into the backup directory.
// A missing canonical file is not an error.
func (b *FileBackend) backupLocked() error {
	data, err := os.ReadFile(b.StatePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	stamp := "state-" + b.now().Format(backupTimeFmt)
	for n := 0; ; n++ {
		name := stamp + ".json"
		if n > 0 {
			// "_NN" sorts after ".json", keeping Backups in write order.
			name = fmt.Sprintf("%s_%02d.json", stamp, n)
		}
		f, err := os.OpenFile(filepath.Join(b.BackupDir(), name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) && n < maxBackupCollisions {
			continue
		}
		if err != nil {
			return err
		}
		_, werr := f.Write(data)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	}
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// recoverInterruptedWrites handles .tmp files left from crashed writes: an
// orphan next to an existing file is dropped, otherwise it is promoted.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")
		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
			continue
		}
		// Only promote a temp file that holds complete JSON.
		data, err := os.ReadFile(tmpPath)
		if err != nil || !json.Valid(data) {
			os.Remove(tmpPath)
			continue
		}
		os.Rename(tmpPath, mainPath)
	}
	return nil
}
