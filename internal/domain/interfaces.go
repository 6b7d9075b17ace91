package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Worker runs one inference stage against one modality input. Implementations
// wrap either an in-process simulator or a remote model endpoint. Invoke must
// honor ctx cancellation and wrap model faults in ErrWorkerFailure so the
// scheduler can tell an infrastructure fault from an absent input.
type Worker interface {
	Invoke(ctx context.Context, in StageInput) (StageResult, error)
}

// Generator produces free text for debate passes. Same contract as Worker:
// honor ctx, wrap failures in ErrWorkerFailure.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) (string, error)
}

// FrameExtractor turns a raw transcript into a structured clinical frame.
type FrameExtractor interface {
	Extract(ctx context.Context, transcript string) (*ClinicalFrame, error)
}

// ─── Store Interfaces ───────────────────────────────────────────────────────

// SessionStore abstracts persistent session lifecycle state.
type SessionStore interface {
	CreateSession(s *Session) error
	GetSession(id string) (*Session, error)
	ListSessions(limit int) ([]*Session, error)

	// TransitionSession moves a session from one status to another, failing
	// with ErrStateConflict if the stored status no longer matches from.
	TransitionSession(id string, from, to SessionStatus) error

	UpdateSessionFrame(id string, frame *ClinicalFrame) error
	UpdateSessionDegradation(id string, d Degradation) error

	// UpdateSessionField sets one overridable scalar field by name.
	// Returns ErrUnknownField for fields outside OverridableFields.
	UpdateSessionField(id, field, value string) error
}

// EvidenceStore abstracts per-stage inference outcomes.
type EvidenceStore interface {
	InsertEvidence(e *EvidenceItem) error
	ListEvidence(sessionID string) ([]*EvidenceItem, error)
}

// DebateStore abstracts sequential persona debate outputs.
type DebateStore interface {
	InsertDebateOutput(d *DebateOutput) error
	ListDebateOutputs(sessionID string) ([]*DebateOutput, error)
}

// CaseStore abstracts finalized onco cases. FinalizeCase commits the case row
// and the FINALIZED transition atomically; a session without a case row was
// never finalized.
type CaseStore interface {
	FinalizeCase(c *OncoCase) error
	GetCase(sessionID string) (*OncoCase, error)
}

// OverrideStore abstracts the clinician override audit trail. RecordOverride
// appends the audit row and applies the live field update in one transaction.
type OverrideStore interface {
	RecordOverride(o *Override) error
	ListOverrides(sessionID string) ([]*Override, error)

	// ListOverridesAfter returns overrides with id > cursor, oldest first,
	// for relay upload.
	ListOverridesAfter(cursor int64, limit int) ([]*Override, error)
	RelayCursor() (int64, error)
	SetRelayCursor(id int64) error
}

// VramStore abstracts resource telemetry samples.
type VramStore interface {
	InsertVramSample(v *VramSample) error
	ListVramSamples(sessionID string) ([]*VramSample, error)
}
