package domain

import "time"

// ─── VRAM Telemetry ─────────────────────────────────────────────────────────

// VramSample is one accelerator memory snapshot. Samples are appended on
// every lease acquire/release edge and on a periodic tick while leases are
// held, reconstructing the sawtooth allocate/free profile. The pipeline
// never reads these back; they exist for budget verification and analysis.
type VramSample struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	ElapsedS    float64   `json:"elapsed_s"`
	Phase       string    `json:"phase"`
	AllocatedMB float64   `json:"allocated_mb"`
	ReservedMB  float64   `json:"reserved_mb"`
	ModelActive string    `json:"model_active"`
}

// VramSink receives telemetry samples. Implementations absorb their own
// failures; a lost sample must never disturb the pipeline.
type VramSink interface {
	Record(sample VramSample)
}
