// Package cache stores step results on disk, one JSON file per key, and
// expires them after a TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rendis/shipyard/internal/shell"
	"github.com/rendis/shipyard/pkg/schema"
)

// DefaultTTL applies when the cache is created without one.
const DefaultTTL = 24 * time.Hour

// ErrMiss is returned when a key is absent, expired or unreadable.
var ErrMiss = errors.New("cache: miss")

// entry is the on-disk layout: {"_timestamp": <unix ms>, "data": ...}.
type entry struct {
	Timestamp int64           `json:"_timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Cache is safe for concurrent use within one process.
type Cache struct {
	dir    string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache rooted at dir.
func New(dir string, ttl time.Duration, logger *slog.Logger, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, schema.ValidationError("cache: directory is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCache, "cache: creating %s", dir).WithCause(err)
	}
	c := &Cache{
		dir:    dir,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// TTL returns the default time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Key derives a cache key from its parts.
func Key(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, Key(key)+".json")
}

// Get decodes the entry for key into dst using the default TTL.
func (c *Cache) Get(key string, dst any) error {
	return c.GetFresh(key, c.ttl, dst)
}

// GetFresh is Get with an explicit ttl. A non-positive ttl uses the default.
func (c *Cache) GetFresh(key string, ttl time.Duration, dst any) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMiss
		}
		return schema.NewErrorf(schema.ErrCodeCache, "cache: reading entry").WithCause(err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("discarding corrupt cache entry", "key", key, "error", err)
		os.Remove(c.path(key))
		return ErrMiss
	}
	age := c.now().Sub(time.UnixMilli(e.Timestamp))
	if age > ttl {
		return ErrMiss
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return ErrMiss
	}
	return nil
}

// Set stores v under key.
func (c *Cache) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCache, "cache: encoding value").WithCause(err)
	}
	raw, err := json.Marshal(entry{Timestamp: c.now().UnixMilli(), Data: data})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCache, "cache: encoding entry").WithCause(err)
	}
	if err := shell.WriteFile(c.path(key), raw); err != nil {
		return schema.NewErrorf(schema.ErrCodeCache, "cache: writing entry").WithCause(err)
	}
	return nil
}

// Delete removes one key. Missing keys are not an error.
func (c *Cache) Delete(key string) error {
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return schema.NewErrorf(schema.ErrCodeCache, "cache: deleting entry").WithCause(err)
	}
	return nil
}

// Clear removes every entry and returns how many were deleted.
func (c *Cache) Clear() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, schema.NewErrorf(schema.ErrCodeCache, "cache: listing %s", c.dir).WithCause(err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, schema.NewErrorf(schema.ErrCodeCache, "cache: removing %s", e.Name()).WithCause(err)
		}
		removed++
	}
	return removed, nil
}

// Prune removes entries older than the default TTL.
func (c *Cache) Prune() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeCache, "cache: listing %s", c.dir).WithCause(err)
	}
	removed := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		p := filepath.Join(c.dir, de.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var e entry
		if json.Unmarshal(data, &e) != nil || c.now().Sub(time.UnixMilli(e.Timestamp)) > c.ttl {
			if os.Remove(p) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// GetOrCompute returns the fresh cached value for key or calls fn and stores
// its result. Concurrent callers for the same key share one computation.
// Errors from fn are returned as-is and nothing is stored. The bool reports
// whether the value came from the cache.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, bool, error) {
	l := c.keyLock(key)
	l.Lock()
	defer l.Unlock()

	var cached T
	if err := c.GetFresh(key, ttl, &cached); err == nil {
		return cached, true, nil
	} else if !errors.Is(err, ErrMiss) {
		c.logger.WarnContext(ctx, "cache read failed, recomputing", "key", key, "error", err)
	}

	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if err := c.Set(key, v); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
	return v, false, nil
}

// String implements fmt.Stringer for logs.
func (c *Cache) String() string {
	return fmt.Sprintf("cache(%s, ttl=%s)", c.dir, c.ttl)
}
