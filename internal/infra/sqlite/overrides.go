package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Override Repository ────────────────────────────────────────────────────

// RecordOverride appends one audit row and applies the live session update in
// the same transaction. The audit trail never shows a change that did not
// land, and no change lands without its audit row.
func (d *DB) RecordOverride(o *domain.Override) error {
	col, ok := sessionColumns[o.Field]
	if !ok {
		return fmt.Errorf("%q: %w", o.Field, domain.ErrUnknownField)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrAuditWrite)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE sessions SET `+col+` = ?, updated_at = ? WHERE session_id = ?`,
		o.NewValue, o.CreatedAt.Unix(), o.SessionID,
	)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrAuditWrite)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}

	result, err = tx.Exec(
		`INSERT INTO overrides (session_id, clinician_id, field, old_value, new_value, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.ClinicianID, o.Field, o.OldValue, o.NewValue, o.Reason, o.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrAuditWrite)
	}
	if o.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrAuditWrite)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrAuditWrite)
	}
	return nil
}

// ListOverrides returns a session's overrides, oldest first.
func (d *DB) ListOverrides(sessionID string) ([]*domain.Override, error) {
	return d.queryOverrides(
		`SELECT id, session_id, clinician_id, field, old_value, new_value, reason, created_at
		 FROM overrides WHERE session_id = ? ORDER BY id`, sessionID,
	)
}

// ListOverridesAfter returns overrides with id > cursor, oldest first.
// Used by the relay to batch unshipped records.
func (d *DB) ListOverridesAfter(cursor int64, limit int) ([]*domain.Override, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryOverrides(
		`SELECT id, session_id, clinician_id, field, old_value, new_value, reason, created_at
		 FROM overrides WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit,
	)
}

func (d *DB) queryOverrides(query string, args ...any) ([]*domain.Override, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []*domain.Override
	for rows.Next() {
		var o domain.Override
		var createdAt int64
		err := rows.Scan(&o.ID, &o.SessionID, &o.ClinicianID, &o.Field,
			&o.OldValue, &o.NewValue, &o.Reason, &createdAt)
		if err != nil {
			return nil, err
		}
		o.CreatedAt = time.Unix(createdAt, 0)
		overrides = append(overrides, &o)
	}
	return overrides, rows.Err()
}

// ─── Relay Cursor ───────────────────────────────────────────────────────────

// RelayCursor returns the ID of the last override uploaded, 0 if none.
func (d *DB) RelayCursor() (int64, error) {
	var id int64
	err := d.db.QueryRow(`SELECT last_override_id FROM relay_state WHERE id = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// SetRelayCursor advances the upload cursor.
func (d *DB) SetRelayCursor(id int64) error {
	_, err := d.db.Exec(
		`INSERT INTO relay_state (id, last_override_id, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_override_id=excluded.last_override_id, updated_at=excluded.updated_at`,
		id, time.Now().Unix(),
	)
	return err
}
