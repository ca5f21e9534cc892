package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// migration holds a versioned SQL migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

const migration001 = `
-- Current run: a single row, replaced on every save.
CREATE TABLE IF NOT EXISTS run_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	run_id     TEXT,
	status     TEXT NOT NULL,
	snapshot   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Every overwritten run_state row is copied here first.
CREATE TABLE IF NOT EXISTS run_state_history (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT,
	status      TEXT NOT NULL,
	snapshot    TEXT NOT NULL,
	archived_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_state_history_run ON run_state_history(run_id);

CREATE TABLE IF NOT EXISTS preview (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	data     TEXT NOT NULL,
	saved_at TEXT NOT NULL
);
`

var migrations = []migration{
	{Version: 1, Name: "run_state", SQL: migration001},
}

// runMigrations creates the schema_version table and applies any pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, dropping comment-only chunks.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		hasCode := false
		for _, l := range strings.Split(s, "\n") {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
