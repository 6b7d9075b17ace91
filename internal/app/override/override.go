// Package override applies clinician corrections to finalized sessions.
// Every correction lands in the append-only audit log in the same
// transaction as the field update: an override the audit trail cannot
// explain must not exist.
package override

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/infra/metrics"
	"github.com/vitalis-health/vitalis/internal/infra/sqlite"
)

// Service records overrides. The keyed lock is shared with the pipeline so
// a correction never races the run that owns the session.
type Service struct {
	db    *sqlite.DB
	locks *domain.KeyedMutex
}

// New creates the override service.
func New(db *sqlite.DB, locks *domain.KeyedMutex) *Service {
	if locks == nil {
		locks = domain.NewKeyedMutex()
	}
	return &Service{db: db, locks: locks}
}

// Apply validates and records one clinician correction, returning the
// committed audit row.
func (s *Service) Apply(sessionID, clinicianID, field, newValue, reason string) (*domain.Override, error) {
	if err := validateValue(field, newValue); err != nil {
		return nil, err
	}

	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	sess, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	old, err := currentValue(sess, field)
	if err != nil {
		return nil, err
	}

	o := &domain.Override{
		SessionID:   sessionID,
		ClinicianID: clinicianID,
		Field:       field,
		OldValue:    old,
		NewValue:    newValue,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.RecordOverride(o); err != nil {
		return nil, err
	}
	metrics.OverridesRecorded.WithLabelValues(field).Inc()
	log.Printf("[override] session %s: %s %q -> %q by %s", sessionID, field, old, newValue, clinicianID)
	return o, nil
}

// List returns a session's audit trail in commit order.
func (s *Service) List(sessionID string) ([]*domain.Override, error) {
	return s.db.ListOverrides(sessionID)
}

// validateValue rejects values that would corrupt the session row. The
// field whitelist itself is enforced again inside the storage transaction.
func validateValue(field, value string) error {
	switch field {
	case domain.FieldDegradation:
		d := domain.Degradation(value)
		if d.Rank() == 0 {
			return fmt.Errorf("degradation %q: %w", value, domain.ErrInvalidValue)
		}
	case domain.FieldFrame:
		var frame domain.ClinicalFrame
		if err := json.Unmarshal([]byte(value), &frame); err != nil {
			return fmt.Errorf("frame json: %v: %w", err, domain.ErrInvalidValue)
		}
	case domain.FieldStaging, domain.FieldTranscript:
		// Free-form: staging labels carry qualifiers like the PROVISIONAL
		// prefix, and transcripts are raw text.
	default:
		return fmt.Errorf("%q: %w", field, domain.ErrUnknownField)
	}
	return nil
}

// currentValue reads the pre-override value of the named field.
func currentValue(sess *domain.Session, field string) (string, error) {
	switch field {
	case domain.FieldStaging:
		return sess.Staging, nil
	case domain.FieldDegradation:
		return string(sess.Degradation), nil
	case domain.FieldTranscript:
		return sess.Transcript, nil
	case domain.FieldFrame:
		if sess.Frame == nil {
			return "", nil
		}
		raw, err := json.Marshal(sess.Frame)
		if err != nil {
			return "", fmt.Errorf("marshal frame: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("%q: %w", field, domain.ErrUnknownField)
	}
}
