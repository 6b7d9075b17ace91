package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Session Repository ─────────────────────────────────────────────────────

// CreateSession inserts a new session record.
func (d *DB) CreateSession(s *domain.Session) error {
	frameJSON, err := marshalFrame(s.Frame)
	if err != nil {
		return err
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err = d.db.Exec(
		`INSERT INTO sessions (session_id, patient_id, status, degradation, staging, transcript, frame, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.PatientID, string(s.Status), string(s.Degradation),
		s.Staging, s.Transcript, frameJSON, s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	return err
}

// GetSession retrieves a session by ID.
func (d *DB) GetSession(id string) (*domain.Session, error) {
	row := d.db.QueryRow(
		`SELECT session_id, patient_id, status, degradation, staging, transcript, frame, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, id,
	)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// ListSessions returns sessions ordered by creation time descending.
func (d *DB) ListSessions(limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(
		`SELECT session_id, patient_id, status, degradation, staging, transcript, frame, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC, session_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// TransitionSession moves a session between states with compare-and-swap
// semantics: the stored status must still equal from, or ErrStateConflict
// is returned and nothing changes.
func (d *DB) TransitionSession(id string, from, to domain.SessionStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}

	result, err := d.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ? AND status = ?`,
		string(to), time.Now().Unix(), id, string(from),
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := d.GetSession(id); err != nil {
			return err
		}
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrStateConflict)
	}
	return nil
}

// UpdateSessionFrame stores the assembled clinical frame.
func (d *DB) UpdateSessionFrame(id string, frame *domain.ClinicalFrame) error {
	frameJSON, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	result, err := d.db.Exec(
		`UPDATE sessions SET frame = ?, updated_at = ? WHERE session_id = ?`,
		frameJSON, time.Now().Unix(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// UpdateSessionDegradation stores the session's degradation tier.
func (d *DB) UpdateSessionDegradation(id string, deg domain.Degradation) error {
	result, err := d.db.Exec(
		`UPDATE sessions SET degradation = ?, updated_at = ? WHERE session_id = ?`,
		string(deg), time.Now().Unix(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// sessionColumns maps overridable field names to their columns. Only these
// fields can be touched through UpdateSessionField; everything else is
// rejected before any SQL runs.
var sessionColumns = map[string]string{
	domain.FieldStaging:     "staging",
	domain.FieldDegradation: "degradation",
	domain.FieldTranscript:  "transcript",
	domain.FieldFrame:       "frame",
}

// UpdateSessionField sets one overridable scalar field by name.
func (d *DB) UpdateSessionField(id, field, value string) error {
	col, ok := sessionColumns[field]
	if !ok {
		return fmt.Errorf("%q: %w", field, domain.ErrUnknownField)
	}
	result, err := d.db.Exec(
		`UPDATE sessions SET `+col+` = ?, updated_at = ? WHERE session_id = ?`,
		value, time.Now().Unix(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// ─── Scan Helpers ───────────────────────────────────────────────────────────

func scanSession(s scanner) (*domain.Session, error) {
	var sess domain.Session
	var frameJSON sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(&sess.SessionID, &sess.PatientID, &sess.Status, &sess.Degradation,
		&sess.Staging, &sess.Transcript, &frameJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if frameJSON.Valid && frameJSON.String != "" {
		var frame domain.ClinicalFrame
		if err := json.Unmarshal([]byte(frameJSON.String), &frame); err != nil {
			return nil, fmt.Errorf("decode frame for %s: %w", sess.SessionID, err)
		}
		sess.Frame = &frame
	}
	return &sess, nil
}

func marshalFrame(frame *domain.ClinicalFrame) (sql.NullString, error) {
	if frame == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode frame: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
