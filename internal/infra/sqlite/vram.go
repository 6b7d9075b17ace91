package sqlite

import (
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── VRAM Telemetry Repository ──────────────────────────────────────────────

// InsertVramSample records one telemetry sample.
func (d *DB) InsertVramSample(v *domain.VramSample) error {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	result, err := d.db.Exec(
		`INSERT INTO vram_logs (session_id, timestamp, elapsed_s, phase, allocated_mb, reserved_mb, model_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.SessionID, v.Timestamp.Unix(), v.ElapsedS, v.Phase,
		v.AllocatedMB, v.ReservedMB, v.ModelActive,
	)
	if err != nil {
		return err
	}
	v.ID, err = result.LastInsertId()
	return err
}

// ListVramSamples returns a session's telemetry in capture order.
func (d *DB) ListVramSamples(sessionID string) ([]*domain.VramSample, error) {
	rows, err := d.db.Query(
		`SELECT id, session_id, timestamp, elapsed_s, phase, allocated_mb, reserved_mb, model_active
		 FROM vram_logs WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*domain.VramSample
	for rows.Next() {
		var v domain.VramSample
		var ts int64
		err := rows.Scan(&v.ID, &v.SessionID, &ts, &v.ElapsedS, &v.Phase,
			&v.AllocatedMB, &v.ReservedMB, &v.ModelActive)
		if err != nil {
			return nil, err
		}
		v.Timestamp = time.Unix(ts, 0).UTC()
		samples = append(samples, &v)
	}
	return samples, rows.Err()
}
