// Package watch re-runs the pipeline when watched files change. Bursts of
// file events are debounced into one run; changes that land while a run is
// in progress trigger exactly one follow-up run.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/rendis/shipyard/pkg/schema"
)

// DefaultDebounce is the quiet period after the last event before a run.
const DefaultDebounce = 500 * time.Millisecond

// DefaultIgnore is always applied on top of Options.Ignore.
var DefaultIgnore = []string{".git/**", ".shipyard/**", "**/node_modules/**"}

// Options configures a Watcher.
type Options struct {
	// BaseDir is the root that Patterns and Ignore are relative to.
	BaseDir  string
	Patterns []string
	Ignore   []string
	Debounce time.Duration
}

// Trigger runs the pipeline for a set of changed paths (relative, slash
// separated, sorted).
type Trigger func(ctx context.Context, changed []string) error

// Watcher watches BaseDir recursively and calls Trigger on matching changes.
type Watcher struct {
	opts    Options
	watcher *fsnotify.Watcher
	trigger Trigger
	logger  *slog.Logger

	// pending maps a changed path to when it was first seen in this burst.
	pending map[string]time.Time
	runs    atomic.Int64
	failed  atomic.Int64
}

// New validates opts and registers watches on every directory under
// BaseDir that is not ignored. Watches are in place when New returns.
func New(opts Options, trigger Trigger, logger *slog.Logger) (*Watcher, error) {
	if len(opts.Patterns) == 0 {
		return nil, schema.ValidationError("watch needs at least one pattern")
	}
	for _, p := range append(slices.Clone(opts.Patterns), opts.Ignore...) {
		if !doublestar.ValidatePattern(p) {
			return nil, schema.ValidationError("invalid watch pattern %q", p)
		}
	}
	if opts.BaseDir == "" {
		opts.BaseDir = "."
	}
	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, schema.ValidationError("resolving watch dir %s", opts.BaseDir).WithCause(err)
	}
	opts.BaseDir = base
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	opts.Ignore = append(slices.Clone(DefaultIgnore), opts.Ignore...)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, schema.WorkflowError("creating file watcher: %v", err).WithCause(err)
	}
	w := &Watcher{
		opts:    opts,
		watcher: fw,
		trigger: trigger,
		logger:  logger,
		pending: make(map[string]time.Time),
	}
	if err := w.addRecursive(base); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is done. The trigger runs on this
// goroutine, so events arriving during a run queue up and are debounced
// into the next one.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	w.logger.Info("watching for changes", "dir", w.opts.BaseDir, "patterns", w.opts.Patterns, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.handleEvent(event) {
				timer.Reset(w.opts.Debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)
		case <-timer.C:
			w.fire(ctx)
		}
	}
}

// handleEvent records a matching change and reports whether it did.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("could not watch new directory", "dir", event.Name, "error", err)
			}
			return false
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	rel, ok := w.relative(event.Name)
	if !ok || !w.Matches(rel) {
		return false
	}
	if _, seen := w.pending[rel]; !seen {
		w.pending[rel] = time.Now()
	}
	w.logger.Debug("change detected", "path", rel, "op", event.Op.String())
	return true
}

func (w *Watcher) fire(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	changed := make([]string, 0, len(w.pending))
	for p := range w.pending {
		changed = append(changed, p)
	}
	slices.Sort(changed)
	clear(w.pending)

	w.logger.Info("files changed, running pipeline", "count", len(changed), "first", changed[0])
	w.runs.Add(1)
	if err := w.trigger(ctx, changed); err != nil {
		w.failed.Add(1)
		w.logger.Error("triggered run failed", "error", err)
	}
}

// Matches reports whether a slash-separated path relative to BaseDir is
// watched and not ignored.
func (w *Watcher) Matches(rel string) bool {
	for _, p := range w.opts.Ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	for _, p := range w.opts.Patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Runs returns how many times the trigger has been called.
func (w *Watcher) Runs() int64 { return w.runs.Load() }

// Failures returns how many triggered runs returned an error.
func (w *Watcher) Failures() int64 { return w.failed.Load() }

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.opts.BaseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) ignoredDir(rel string) bool {
	if rel == "." {
		return false
	}
	for _, p := range w.opts.Ignore {
		if ok, _ := doublestar.Match(p, rel+"/x"); ok {
			return true
		}
	}
	return false
}

// addRecursive watches root and every non-ignored directory below it.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return schema.ValidationError("watch dir %s", root).WithCause(err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.relative(path); ok && w.ignoredDir(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			w.logger.Warn("failed to watch directory", "dir", path, "error", err)
			return nil
		}
		w.logger.Debug("watching directory", "dir", path)
		return nil
	})
}
