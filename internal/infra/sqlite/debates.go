package sqlite

import (
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Debate Repository ──────────────────────────────────────────────────────

// InsertDebateOutput records one accepted debate pass. The UNIQUE constraint
// on (session_id, pass_number) rejects duplicate passes at the schema level.
func (d *DB) InsertDebateOutput(out *domain.DebateOutput) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	result, err := d.db.Exec(
		`INSERT INTO debate_outputs (session_id, pass_number, persona, output_text, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		out.SessionID, out.PassNumber, out.Persona, out.OutputText, out.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}
	out.ID, err = result.LastInsertId()
	return err
}

// ListDebateOutputs returns a session's debate passes in pass order.
func (d *DB) ListDebateOutputs(sessionID string) ([]*domain.DebateOutput, error) {
	rows, err := d.db.Query(
		`SELECT id, session_id, pass_number, persona, output_text, created_at
		 FROM debate_outputs WHERE session_id = ? ORDER BY pass_number`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []*domain.DebateOutput
	for rows.Next() {
		var out domain.DebateOutput
		var createdAt int64
		err := rows.Scan(&out.ID, &out.SessionID, &out.PassNumber,
			&out.Persona, &out.OutputText, &createdAt)
		if err != nil {
			return nil, err
		}
		out.CreatedAt = time.Unix(createdAt, 0)
		outputs = append(outputs, &out)
	}
	return outputs, rows.Err()
}
