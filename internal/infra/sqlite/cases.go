package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Case Repository ────────────────────────────────────────────────────────

// FinalizeCase commits the case payload and the DEBATE -> FINALIZED session
// transition in one transaction. This is the single commit point: if either
// write fails, the session stays in DEBATE and no case row exists.
func (d *DB) FinalizeCase(c *domain.OncoCase) error {
	payloadJSON, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("encode case payload: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE sessions SET status = ?, staging = ?, degradation = ?, updated_at = ?
		 WHERE session_id = ? AND status = ?`,
		string(domain.StatusFinalized), c.Staging, string(c.Degradation),
		c.CreatedAt.Unix(), c.SessionID, string(domain.StatusDebate),
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Probe through the tx: the pool has a single connection.
		var status string
		err := tx.QueryRow(`SELECT status FROM sessions WHERE session_id = ?`, c.SessionID).Scan(&status)
		if err == sql.ErrNoRows {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("finalize %s from %s: %w", c.SessionID, status, domain.ErrStateConflict)
	}

	result, err = tx.Exec(
		`INSERT INTO onco_cases (session_id, payload, degradation, staging, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.SessionID, string(payloadJSON), string(c.Degradation), c.Staging, c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	if c.ID, err = result.LastInsertId(); err != nil {
		return err
	}

	return tx.Commit()
}

// GetCase retrieves the finalized case for a session.
func (d *DB) GetCase(sessionID string) (*domain.OncoCase, error) {
	row := d.db.QueryRow(
		`SELECT id, session_id, payload, degradation, staging, created_at
		 FROM onco_cases WHERE session_id = ?`, sessionID,
	)

	var c domain.OncoCase
	var payloadJSON string
	var createdAt int64
	err := row.Scan(&c.ID, &c.SessionID, &payloadJSON, &c.Degradation, &c.Staging, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}

	c.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(payloadJSON), &c.Payload); err != nil {
		return nil, fmt.Errorf("decode case payload for %s: %w", sessionID, err)
	}
	c.NBA = c.Payload.NextBestActions
	return &c, nil
}
