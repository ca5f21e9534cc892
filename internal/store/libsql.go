package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/shipyard/pkg/schema"
)

// LibSQLBackend keeps run state in an embedded libSQL database. The current
// snapshot lives in a single row; each overwrite archives the previous row
// into run_state_history, the database counterpart of FileBackend's backups.
type LibSQLBackend struct {
	db  *sql.DB
	now func() time.Time
}

// HistoryEntry is one archived snapshot.
type HistoryEntry struct {
	Seq        int64
	RunID      string
	Status     schema.RunStatus
	Snapshot   *schema.RunSnapshot
	ArchivedAt time.Time
}

// NewLibSQLBackend opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/state.db".
func NewLibSQLBackend(dbPath string) (*LibSQLBackend, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLBackend{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate runs all pending database migrations.
func (b *LibSQLBackend) Migrate(ctx context.Context) error {
	return runMigrations(ctx, b.db)
}

// Close closes the database.
func (b *LibSQLBackend) Close() error { return b.db.Close() }

func (b *LibSQLBackend) Load(ctx context.Context) (*schema.RunSnapshot, error) {
	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT snapshot FROM run_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError("load run state", err)
	}
	snap, err := decodeSnapshot([]byte(raw))
	if err != nil {
		return nil, storeError("decode run state", err)
	}
	return snap, nil
}

func (b *LibSQLBackend) Save(ctx context.Context, snap *schema.RunSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return storeError("encode run state", err)
	}
	now := b.now().Format(time.RFC3339Nano)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin save", err)
	}
	if err := archiveCurrent(ctx, tx, now); err != nil {
		_ = tx.Rollback()
		return storeError("archive run state", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_state (id, run_id, status, snapshot, updated_at) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET run_id=excluded.run_id, status=excluded.status,
		 snapshot=excluded.snapshot, updated_at=excluded.updated_at`,
		nullStr(snap.RunID), string(snap.Status), string(data), now,
	)
	if err != nil {
		_ = tx.Rollback()
		return storeError("save run state", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit save", err)
	}
	return nil
}

// Clear archives and removes the current run state. The preview row is kept.
func (b *LibSQLBackend) Clear(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin clear", err)
	}
	if err := archiveCurrent(ctx, tx, b.now().Format(time.RFC3339Nano)); err != nil {
		_ = tx.Rollback()
		return storeError("archive run state", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_state`); err != nil {
		_ = tx.Rollback()
		return storeError("clear run state", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit clear", err)
	}
	return nil
}

func (b *LibSQLBackend) LoadPreview(ctx context.Context) (*schema.Preview, error) {
	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM preview WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError("load preview", err)
	}
	var p schema.Preview
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, storeError("decode preview", err)
	}
	return &p, nil
}

func (b *LibSQLBackend) SavePreview(ctx context.Context, p *schema.Preview) error {
	data, err := json.Marshal(p)
	if err != nil {
		return storeError("encode preview", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO preview (id, data, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, saved_at=excluded.saved_at`,
		string(data), b.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return storeError("save preview", err)
	}
	return nil
}

// History returns archived snapshots, newest first. limit <= 0 returns all.
func (b *LibSQLBackend) History(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	query := `SELECT seq, run_id, status, snapshot, archived_at FROM run_state_history ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeError("list history", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var (
			e          HistoryEntry
			runID      sql.NullString
			status     string
			raw        string
			archivedAt string
		)
		if err := rows.Scan(&e.Seq, &runID, &status, &raw, &archivedAt); err != nil {
			return nil, storeError("scan history", err)
		}
		e.RunID = runID.String
		e.Status = schema.RunStatus(status)
		e.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedAt)
		if e.Snapshot, err = decodeSnapshot([]byte(raw)); err != nil {
			return nil, storeError("decode history", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func archiveCurrent(ctx context.Context, tx *sql.Tx, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO run_state_history (run_id, status, snapshot, archived_at)
		 SELECT run_id, status, snapshot, ? FROM run_state WHERE id = 1`, now)
	return err
}

func decodeSnapshot(data []byte) (*schema.RunSnapshot, error) {
	var snap schema.RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	snap.Normalize()
	return &snap, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
