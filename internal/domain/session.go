// Package domain holds the core clinical pipeline types: sessions, evidence,
// debate passes, cases, overrides and telemetry samples.
// Domain types are pure. No infrastructure dependency.
package domain

import "time"

// ─── Session Lifecycle ──────────────────────────────────────────────────────

// SessionStatus tracks the session state machine.
type SessionStatus string

const (
	StatusInitialized SessionStatus = "INITIALIZED"
	StatusTriage      SessionStatus = "TRIAGE"
	StatusEscalated   SessionStatus = "ESCALATED"
	StatusDebate      SessionStatus = "DEBATE"
	StatusFinalized   SessionStatus = "FINALIZED"
	StatusErrored     SessionStatus = "ERRORED"
)

// validTransitions is the named-transition table. Only the pipeline scheduler
// and the mode bridge drive these; ERRORED is reachable from every live state.
var validTransitions = map[SessionStatus][]SessionStatus{
	StatusInitialized: {StatusTriage, StatusErrored},
	StatusTriage:      {StatusEscalated, StatusErrored},
	StatusEscalated:   {StatusDebate, StatusErrored},
	StatusDebate:      {StatusFinalized, StatusErrored},
	StatusFinalized:   {},
	StatusErrored:     {},
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal returns true once no further transition is possible.
// A session resting at TRIAGE is a valid end of processing but remains
// eligible for escalation, so TRIAGE is not terminal here.
func (s SessionStatus) Terminal() bool {
	return s == StatusFinalized || s == StatusErrored
}

// ─── Degradation ────────────────────────────────────────────────────────────

// Degradation is the quality tier of a pipeline run. It only ever moves
// downward within a run: FULL ≥ DEGRADED ≥ MINIMAL.
type Degradation string

const (
	DegradationFull     Degradation = "FULL"
	DegradationDegraded Degradation = "DEGRADED"
	DegradationMinimal  Degradation = "MINIMAL"
)

// Rank orders degradation tiers, higher is better.
func (d Degradation) Rank() int {
	switch d {
	case DegradationFull:
		return 3
	case DegradationDegraded:
		return 2
	case DegradationMinimal:
		return 1
	default:
		return 0
	}
}

// Floor returns the lower of the two tiers, enforcing monotonic descent.
func (d Degradation) Floor(other Degradation) Degradation {
	if other.Rank() < d.Rank() {
		return other
	}
	return d
}

// ─── Session ────────────────────────────────────────────────────────────────

// Session is one end-to-end patient encounter. Owned by the state machine;
// mutated only through named transitions and the override audit log.
type Session struct {
	SessionID   string         `json:"session_id"`
	PatientID   string         `json:"patient_id"`
	Status      SessionStatus  `json:"status"`
	Degradation Degradation    `json:"degradation"`
	Staging     string         `json:"staging,omitempty"`
	Transcript  string         `json:"transcript,omitempty"`
	Frame       *ClinicalFrame `json:"clinical_frame,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ClinicalFrame is the structured snapshot assembled after all modality
// stages complete: extracted entities plus the bridge decision record.
type ClinicalFrame struct {
	Symptoms     []string          `json:"symptoms,omitempty"`
	Conditions   []string          `json:"conditions,omitempty"`
	Medications  []string          `json:"medications,omitempty"`
	Durations    []string          `json:"durations,omitempty"`
	LabValues    []string          `json:"lab_values,omitempty"`
	Demographics map[string]string `json:"demographics,omitempty"`
	Findings     map[string]string `json:"findings,omitempty"` // model → finding
	Bridge       *BridgeDecision   `json:"bridge,omitempty"`
}

// ─── Mode Bridge Decision ───────────────────────────────────────────────────

// BridgeMode is the routing outcome of the mode bridge.
type BridgeMode string

const (
	ModeTriage BridgeMode = "TRIAGE"
	ModeOnco   BridgeMode = "ONCO"
)

// Uncertainty qualifies how much the bridge decision can be trusted given
// the inputs it actually saw.
type Uncertainty string

const (
	UncertaintyLow      Uncertainty = "LOW"
	UncertaintyMedium   Uncertainty = "MEDIUM"
	UncertaintyHigh     Uncertainty = "HIGH"
	UncertaintyCritical Uncertainty = "CRITICAL"
)

// BridgeDecision records why a session did or did not escalate.
type BridgeDecision struct {
	Mode             BridgeMode  `json:"mode"`
	Score            float64     `json:"score"`
	Threshold        float64     `json:"threshold"`
	Triggers         []string    `json:"triggers,omitempty"`
	CoinfectionFlags []string    `json:"coinfection_flags,omitempty"`
	Uncertainty      Uncertainty `json:"uncertainty"`
	Rationale        string      `json:"rationale,omitempty"`
}
