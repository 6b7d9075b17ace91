package domain

import "time"

// ─── Evidence ───────────────────────────────────────────────────────────────

// EvidenceStatus is the outcome of one modality-stage invocation.
// Missing input is a first-class degraded case, not an error.
type EvidenceStatus string

const (
	EvidenceSuccess EvidenceStatus = "SUCCESS"
	EvidenceFailed  EvidenceStatus = "FAILED"
	EvidenceMissing EvidenceStatus = "MISSING"
	EvidenceSkipped EvidenceStatus = "SKIPPED"
)

// EvidenceItem is one recorded modality-stage result. Immutable once written;
// a re-run appends a new item, never overwrites.
type EvidenceItem struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id"`
	Modality   string         `json:"modality"`
	Model      string         `json:"model"`
	Status     EvidenceStatus `json:"status"`
	Finding    string         `json:"finding,omitempty"`
	Confidence float64        `json:"confidence"`
	NBA        string         `json:"nba,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Model identifiers as they appear in evidence rows and citation tags.
const (
	ModelASR         = "MedASR"
	ModelHeAR        = "HeAR"
	ModelCXR         = "CXR_Foundation"
	ModelDerm        = "Derm_Foundation"
	ModelPath        = "Path_Foundation"
	ModelRetrieval   = "MedSigLIP"
	ModelInteraction = "TxGemma"
	ModelFrame       = "Clinical_Frame"
	ModelGenerator   = "MedGemma"
)

// ─── Worker Contract ────────────────────────────────────────────────────────

// StageInput is what the orchestrator hands a modality worker. DataPath points
// at the raw input; the scheduler never invokes a worker for an absent input.
type StageInput struct {
	SessionID  string         `json:"session_id"`
	Modality   string         `json:"modality"`
	Model      string         `json:"model"`
	DataPath   string         `json:"data_path,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Frame      *ClinicalFrame `json:"frame,omitempty"`
	Reduced    bool           `json:"reduced,omitempty"`
}

// StageResult is the uniform worker result. Status is SUCCESS or FAILED;
// MISSING and SKIPPED are recorded by the scheduler, never by a worker.
type StageResult struct {
	Status     EvidenceStatus `json:"status"`
	Finding    string         `json:"finding,omitempty"`
	Confidence float64        `json:"confidence"`
	NBA        string         `json:"nba,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
}
