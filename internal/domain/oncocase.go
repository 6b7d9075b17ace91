package domain

import "time"

// ─── OncoCase ───────────────────────────────────────────────────────────────

// OncoCase is the finalized structured case artifact: a frozen snapshot.
// Writing it is the single commit point that moves a session to FINALIZED.
// Later overrides append to the audit log and touch the session's live
// fields, never this row.
type OncoCase struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"session_id"`
	Payload     CasePayload `json:"payload"`
	Degradation Degradation `json:"degradation"`
	Staging     string      `json:"staging"`
	NBA         []NextBestAction `json:"nba,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CasePayload is the serialized case representation embedded in the row.
type CasePayload struct {
	SessionID       string           `json:"session_id"`
	PatientID       string           `json:"patient_id"`
	Frame           *ClinicalFrame   `json:"clinical_frame"`
	Evidence        []EvidenceItem   `json:"evidence"`
	Debate          []DebateOutput   `json:"debate"`
	Risk            RiskAssessment   `json:"risk"`
	Staging         string           `json:"staging"`
	Degradation     Degradation      `json:"degradation"`
	NextBestActions []NextBestAction `json:"next_best_actions,omitempty"`
	ProposedRegimen string           `json:"proposed_regimen,omitempty"`
	ProposedDrugs   []string         `json:"proposed_drugs,omitempty"`
}

// NextBestAction is one recommended follow-up for a missing modality.
// Lower priority is more urgent.
type NextBestAction struct {
	Model           string `json:"model"`
	Action          string `json:"action"`
	Cost            string `json:"cost,omitempty"`
	PatientLanguage string `json:"patient_language,omitempty"`
	Priority        int    `json:"priority"`
}

// ─── Risk ───────────────────────────────────────────────────────────────────

// RiskLevel buckets the aggregate risk score for display and routing.
type RiskLevel string

const (
	RiskRed   RiskLevel = "RED"
	RiskAmber RiskLevel = "AMBER"
	RiskGreen RiskLevel = "GREEN"
)

// RiskAssessment is the deterministic output of the risk engine.
type RiskAssessment struct {
	Score        float64   `json:"score"`
	Level        RiskLevel `json:"level"`
	Flags        []string  `json:"flags,omitempty"`
	MissingCount int       `json:"missing_count"`
}

// StagingRule maps a score threshold to a stage label. Rule tables are
// evaluated in declaration order, most severe first, so a score sitting
// exactly on a boundary lands on the more conservative stage.
type StagingRule struct {
	MinScore float64 `json:"min_score" toml:"min_score"`
	Stage    string  `json:"stage" toml:"stage"`
}
