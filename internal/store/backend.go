package store

import (
	"context"
	"errors"

	"github.com/rendis/shipyard/pkg/schema"
)

// ErrNotFound is returned by Load and LoadPreview when nothing has been persisted yet.
var ErrNotFound = errors.New("store: not found")

// Backend persists the run snapshot and the last-successful-preview sidecar.
// Implementations must be safe for concurrent use. The preview lifecycle is
// independent of the run state: Clear never removes it.
type Backend interface {
	Load(ctx context.Context) (*schema.RunSnapshot, error)
	Save(ctx context.Context, snap *schema.RunSnapshot) error
	Clear(ctx context.Context) error

	LoadPreview(ctx context.Context) (*schema.Preview, error)
	SavePreview(ctx context.Context, p *schema.Preview) error

	Close() error
}

func storeError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}
