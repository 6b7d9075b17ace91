package sqlite

import (
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Evidence Repository ────────────────────────────────────────────────────

// InsertEvidence records one stage outcome and assigns its row ID.
func (d *DB) InsertEvidence(e *domain.EvidenceItem) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	result, err := d.db.Exec(
		`INSERT INTO evidence_items (session_id, modality, model, status, finding, confidence, nba, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Modality, e.Model, string(e.Status),
		e.Finding, e.Confidence, e.NBA, e.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}
	e.ID, err = result.LastInsertId()
	return err
}

// ListEvidence returns all evidence for a session, oldest first.
func (d *DB) ListEvidence(sessionID string) ([]*domain.EvidenceItem, error) {
	rows, err := d.db.Query(
		`SELECT id, session_id, modality, model, status, finding, confidence, nba, created_at
		 FROM evidence_items WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.EvidenceItem
	for rows.Next() {
		var e domain.EvidenceItem
		var createdAt int64
		err := rows.Scan(&e.ID, &e.SessionID, &e.Modality, &e.Model, &e.Status,
			&e.Finding, &e.Confidence, &e.NBA, &createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		items = append(items, &e)
	}
	return items, rows.Err()
}
