package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind names a Backend implementation.
type Kind string

const (
	KindFile   Kind = "file"
	KindLibSQL Kind = "libsql"
)

// Open builds the backend named by kind. dir is the state directory used by
// the file backend; dbPath is the libSQL database file.
func Open(ctx context.Context, kind Kind, dir, dbPath string) (Backend, error) {
	switch kind {
	case KindFile, "":
		return NewFileBackend(dir)
	case KindLibSQL:
		if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(dbPath, "file:")), 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
		if !strings.HasPrefix(dbPath, "file:") {
			dbPath = "file:" + dbPath
		}
		b, err := NewLibSQLBackend(dbPath)
		if err != nil {
			return nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}
