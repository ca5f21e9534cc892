package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rendis/shipyard/pkg/schema"
)

// Fingerprint hashes the path, modification time and size of every regular
// file matched by patterns (doublestar globs, relative to baseDir). The
// patterns themselves are part of the hash, so an input set that matches
// nothing still yields a stable, pattern-specific value.
func Fingerprint(baseDir string, patterns []string) (string, error) {
	files := make(map[string]fs.FileInfo)
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
			return "", schema.ValidationError("cache: invalid input pattern %q", pattern)
		}
		full := pattern
		if !filepath.IsAbs(full) {
			full = filepath.Join(baseDir, pattern)
		}
		matches, err := doublestar.FilepathGlob(full)
		if err != nil {
			return "", schema.ValidationError("cache: invalid input pattern %q: %v", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			files[m] = info
		}
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	sortedPatterns := append([]string(nil), patterns...)
	sort.Strings(sortedPatterns)

	h := sha256.New()
	for _, p := range sortedPatterns {
		fmt.Fprintf(h, "pattern:%s\n", p)
	}
	for _, p := range paths {
		info := files[p]
		rel, err := filepath.Rel(baseDir, p)
		if err != nil {
			rel = p
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", filepath.ToSlash(rel), info.ModTime().UnixNano(), info.Size())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StepKey is the cache key of a step's result for a given fingerprint.
func StepKey(step, fingerprint string) string {
	return Key("step", step, fingerprint)
}
