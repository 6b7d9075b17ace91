package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Session errors
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrStateConflict     = errors.New("session state changed by another writer")

	// Pipeline errors
	ErrModalityUnavailable = errors.New("modality input unavailable")
	ErrResourceExhausted   = errors.New("resource budget exhausted")
	ErrWorkerFailure       = errors.New("worker inference failed")
	ErrNoStages            = errors.New("no pipeline stages configured")

	// Debate errors
	ErrUngroundedClaim = errors.New("citation tag does not resolve to evidence")
	ErrDebateAborted   = errors.New("debate sequence aborted")

	// Evidence trace errors
	ErrSourceNotFound = errors.New("citation source not found")

	// Case errors
	ErrCaseNotFound = errors.New("onco case not found")
	ErrCaseExists   = errors.New("onco case already finalized for session")

	// Audit errors
	ErrAuditWrite   = errors.New("override audit write failed")
	ErrUnknownField = errors.New("field is not overridable")
	ErrInvalidValue = errors.New("override value rejected")
)
