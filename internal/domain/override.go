package domain

import "time"

// ─── Override Audit ─────────────────────────────────────────────────────────

// Override is one clinician correction. Append-only: rows are never updated
// or deleted, so the full edit history of any field replays in insert order.
type Override struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	ClinicianID string    `json:"clinician_id"`
	Field       string    `json:"field"`
	OldValue    string    `json:"old_value"`
	NewValue    string    `json:"new_value"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Overridable session fields. The audit service reads the current value of
// the named field as old_value and writes new_value to the live session.
const (
	FieldStaging     = "staging"
	FieldDegradation = "degradation"
	FieldTranscript  = "transcript"
	FieldFrame       = "clinical_frame"
)

// OverridableFields lists the session fields a clinician may correct.
func OverridableFields() []string {
	return []string{FieldStaging, FieldDegradation, FieldTranscript, FieldFrame}
}
