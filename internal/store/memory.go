package store

import (
	"context"
	"sync"

	"github.com/rendis/shipyard/pkg/schema"
)

// MemoryBackend keeps everything in process. Setting FailWith makes every
// write return that error, which lets callers exercise persistence failures.
type MemoryBackend struct {
	mu       sync.Mutex
	snap     *schema.RunSnapshot
	preview  *schema.Preview
	saves    int
	FailWith error
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(ctx context.Context) (*schema.RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, ErrNotFound
	}
	return m.snap.Clone(), nil
}

func (m *MemoryBackend) Save(ctx context.Context, snap *schema.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.snap = snap.Clone()
	m.saves++
	return nil
}

func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.snap = nil
	return nil
}

func (m *MemoryBackend) LoadPreview(ctx context.Context) (*schema.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preview == nil {
		return nil, ErrNotFound
	}
	p := *m.preview
	return &p, nil
}

func (m *MemoryBackend) SavePreview(ctx context.Context, p *schema.Preview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	cp := *p
	m.preview = &cp
	return nil
}

// Saves returns the number of successful Save calls.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryBackend) Close() error { return nil }
