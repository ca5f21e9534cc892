package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/shipyard/pkg/schema"
)

func newTestLibSQL(t *testing.T) *LibSQLBackend {
	t.Helper()
	b, err := NewLibSQLBackend("file:" + filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, b.Migrate(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestLibSQLBackend_LoadMissing(t *testing.T) {
	b := newTestLibSQL(t)
	_, err := b.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.LoadPreview(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLibSQLBackend_MigrateIsIdempotent(t *testing.T) {
	b := newTestLibSQL(t)
	require.NoError(t, b.Migrate(context.Background()))
}

func TestLibSQLBackend_SaveArchivesPrevious(t *testing.T) {
	b := newTestLibSQL(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, sampleSnapshot(schema.RunStatusRunning)))
	require.NoError(t, b.Save(ctx, sampleSnapshot(schema.RunStatusCompleted)))

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)

	history, err := b.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.RunStatusRunning, history[0].Status)
	assert.Equal(t, "run-1", history[0].RunID)
	assert.Equal(t, schema.RunStatusRunning, history[0].Snapshot.Status)
}

func TestLibSQLBackend_ClearKeepsPreview(t *testing.T) {
	b := newTestLibSQL(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, sampleSnapshot(schema.RunStatusCompleted)))
	require.NoError(t, b.SavePreview(ctx, &schema.Preview{ChannelID: "pr-42"}))
	require.NoError(t, b.Clear(ctx))

	_, err := b.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := b.LoadPreview(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pr-42", p.ChannelID)

	history, err := b.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.RunStatusCompleted, history[0].Status)
}

func TestOpen_Kinds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fb, err := Open(ctx, KindFile, dir, "")
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, fb)

	lb, err := Open(ctx, KindLibSQL, dir, filepath.Join(dir, "db", "state.db"))
	require.NoError(t, err)
	assert.IsType(t, &LibSQLBackend{}, lb)
	require.NoError(t, lb.Close())

	_, err = Open(ctx, "etcd", dir, "")
	assert.Error(t, err)
}
