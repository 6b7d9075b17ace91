// Package sqlite provides SQLite-based persistent storage for Vitalis.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Session lifecycle
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id  TEXT PRIMARY KEY,
			patient_id  TEXT NOT NULL,
			status      TEXT NOT NULL,
			degradation TEXT NOT NULL DEFAULT 'FULL',
			staging     TEXT NOT NULL DEFAULT '',
			transcript  TEXT NOT NULL DEFAULT '',
			frame       TEXT,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,

		// Per-stage inference outcomes
		`CREATE TABLE IF NOT EXISTS evidence_items (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(session_id),
			modality   TEXT NOT NULL,
			model      TEXT NOT NULL,
			status     TEXT NOT NULL,
			finding    TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			nba        TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_session ON evidence_items(session_id)`,

		// Finalized cases — one per session, the single commit point
		`CREATE TABLE IF NOT EXISTS onco_cases (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL UNIQUE REFERENCES sessions(session_id),
			payload     TEXT NOT NULL,
			degradation TEXT NOT NULL,
			staging     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,

		// Sequential persona debate outputs
		`CREATE TABLE IF NOT EXISTS debate_outputs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL REFERENCES sessions(session_id),
			pass_number INTEGER NOT NULL,
			persona     TEXT NOT NULL,
			output_text TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			UNIQUE(session_id, pass_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_debate_session ON debate_outputs(session_id)`,

		// Clinician override audit trail (append-only)
		`CREATE TABLE IF NOT EXISTS overrides (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL REFERENCES sessions(session_id),
			clinician_id TEXT NOT NULL,
			field        TEXT NOT NULL,
			old_value    TEXT NOT NULL,
			new_value    TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_overrides_session ON overrides(session_id)`,

		// Resource telemetry samples
		`CREATE TABLE IF NOT EXISTS vram_logs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL REFERENCES sessions(session_id),
			timestamp    INTEGER NOT NULL,
			elapsed_s    REAL NOT NULL,
			phase        TEXT NOT NULL,
			allocated_mb REAL NOT NULL,
			reserved_mb  REAL NOT NULL,
			model_active TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vram_session ON vram_logs(session_id)`,

		// Relay upload cursor — one row, tracks the last override shipped
		`CREATE TABLE IF NOT EXISTS relay_state (
			id               INTEGER PRIMARY KEY CHECK (id = 1),
			last_override_id INTEGER NOT NULL DEFAULT 0,
			updated_at       INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
