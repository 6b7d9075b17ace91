package domain

import "time"

// ─── Persona Debate ─────────────────────────────────────────────────────────

// DebatePassCount is the fixed length of a complete deliberation.
const DebatePassCount = 5

// Persona names in fixed pass order.
const (
	PersonaPathologist  = "Pathologist"
	PersonaRadiologist  = "Radiologist"
	PersonaOncologist   = "Oncologist"
	PersonaPlanner      = "Treatment Planner"
	PersonaCommunicator = "Patient Communicator"
)

// DebateOutput is one committed persona pass. Append-only, ordered by
// PassNumber, contiguous from 1 within a session.
type DebateOutput struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	PassNumber int       `json:"pass_number"`
	Persona    string    `json:"persona"`
	OutputText string    `json:"output_text"`
	CreatedAt  time.Time `json:"created_at"`
}

// PersonaPass configures one deliberation pass. RequireCitations demands at
// least one resolvable citation tag; the patient letter pass waives the
// minimum but any tag it does carry must still resolve.
type PersonaPass struct {
	Number           int    `json:"number" toml:"number"`
	Persona          string `json:"persona" toml:"persona"`
	MaxTokens        int    `json:"max_tokens" toml:"max_tokens"`
	RequireCitations bool   `json:"require_citations" toml:"require_citations"`
}

// GenerateParams tunes a single language-generation request.
type GenerateParams struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}
