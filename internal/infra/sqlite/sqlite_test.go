package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedSession(t *testing.T, db *DB, id string, status domain.SessionStatus) {
	t.Helper()
	err := db.CreateSession(&domain.Session{
		SessionID:   id,
		PatientID:   "PT-1001",
		Status:      status,
		Degradation: domain.DegradationFull,
	})
	if err != nil {
		t.Fatalf("CreateSession(%s) error: %v", id, err)
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Check file exists
	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func TestCreateSession_RoundTrip(t *testing.T) {
	db := newTestDB(t)

	frame := &domain.ClinicalFrame{
		Symptoms:   []string{"cough", "night sweats"},
		Conditions: []string{"hiv"},
		Findings:   map[string]string{"HeAR": "tb-consistent cough signature"},
	}
	err := db.CreateSession(&domain.Session{
		SessionID:  "sess-01",
		PatientID:  "PT-2001",
		Status:     domain.StatusInitialized,
		Transcript: "persistent cough for three weeks",
		Frame:      frame,
	})
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	got, err := db.GetSession("sess-01")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.PatientID != "PT-2001" {
		t.Errorf("PatientID = %q, want PT-2001", got.PatientID)
	}
	if got.Status != domain.StatusInitialized {
		t.Errorf("Status = %s, want INITIALIZED", got.Status)
	}
	if got.Frame == nil || len(got.Frame.Symptoms) != 2 {
		t.Errorf("Frame not round-tripped: %+v", got.Frame)
	}
	if got.Frame.Findings["HeAR"] == "" {
		t.Error("Frame.Findings lost in round trip")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetSession("ghost")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("GetSession(ghost) = %v, want ErrSessionNotFound", err)
	}
}

func TestListSessions_OrderAndLimit(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		err := db.CreateSession(&domain.Session{
			SessionID: id,
			PatientID: "PT-1",
			Status:    domain.StatusTriage,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateSession(%s) error: %v", id, err)
		}
	}

	sessions, err := db.ListSessions(2)
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if sessions[0].SessionID != "new" {
		t.Errorf("sessions[0] = %q, want newest first", sessions[0].SessionID)
	}
}

func TestTransitionSession(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusInitialized)

	if err := db.TransitionSession("s1", domain.StatusInitialized, domain.StatusTriage); err != nil {
		t.Fatalf("TransitionSession() error: %v", err)
	}

	got, _ := db.GetSession("s1")
	if got.Status != domain.StatusTriage {
		t.Errorf("Status = %s, want TRIAGE", got.Status)
	}
}

func TestTransitionSession_Invalid(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusInitialized)

	err := db.TransitionSession("s1", domain.StatusInitialized, domain.StatusFinalized)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("illegal transition = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionSession_Conflict(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusTriage)

	// Stored status is TRIAGE, caller believes INITIALIZED
	err := db.TransitionSession("s1", domain.StatusInitialized, domain.StatusTriage)
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Errorf("stale transition = %v, want ErrStateConflict", err)
	}
}

func TestTransitionSession_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.TransitionSession("ghost", domain.StatusInitialized, domain.StatusTriage)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("TransitionSession(ghost) = %v, want ErrSessionNotFound", err)
	}
}

func TestUpdateSessionField(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusFinalized)

	if err := db.UpdateSessionField("s1", domain.FieldStaging, "IIIA"); err != nil {
		t.Fatalf("UpdateSessionField() error: %v", err)
	}

	got, _ := db.GetSession("s1")
	if got.Staging != "IIIA" {
		t.Errorf("Staging = %q, want IIIA", got.Staging)
	}
}

func TestUpdateSessionField_Unknown(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusTriage)

	err := db.UpdateSessionField("s1", "patient_id", "PT-9")
	if !errors.Is(err, domain.ErrUnknownField) {
		t.Errorf("UpdateSessionField(patient_id) = %v, want ErrUnknownField", err)
	}
}

// ─── Evidence ───────────────────────────────────────────────────────────────

func TestInsertEvidence_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusTriage)

	e := &domain.EvidenceItem{
		SessionID:  "s1",
		Modality:   "cxr",
		Model:      domain.ModelCXR,
		Status:     domain.EvidenceSuccess,
		Finding:    "bilateral infiltrates",
		Confidence: 0.81,
		NBA:        "Order sputum culture",
	}
	if err := db.InsertEvidence(e); err != nil {
		t.Fatalf("InsertEvidence() error: %v", err)
	}
	if e.ID == 0 {
		t.Error("InsertEvidence() should assign ID")
	}

	items, err := db.ListEvidence("s1")
	if err != nil {
		t.Fatalf("ListEvidence() error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].Confidence != 0.81 {
		t.Errorf("Confidence = %v, want 0.81", items[0].Confidence)
	}
	if items[0].Status != domain.EvidenceSuccess {
		t.Errorf("Status = %s, want SUCCESS", items[0].Status)
	}
}

// ─── Debate ─────────────────────────────────────────────────────────────────

func TestInsertDebateOutput_Order(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusDebate)

	for pass := 1; pass <= 3; pass++ {
		err := db.InsertDebateOutput(&domain.DebateOutput{
			SessionID:  "s1",
			PassNumber: pass,
			Persona:    domain.PersonaPathologist,
			OutputText: "analysis [Source: CXR_Foundation]",
		})
		if err != nil {
			t.Fatalf("InsertDebateOutput(pass %d) error: %v", pass, err)
		}
	}

	outputs, err := db.ListDebateOutputs("s1")
	if err != nil {
		t.Fatalf("ListDebateOutputs() error: %v", err)
	}
	if len(outputs) != 3 {
		t.Fatalf("len(outputs) = %d, want 3", len(outputs))
	}
	for i, out := range outputs {
		if out.PassNumber != i+1 {
			t.Errorf("outputs[%d].PassNumber = %d, want %d", i, out.PassNumber, i+1)
		}
	}
}

func TestInsertDebateOutput_DuplicatePass(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusDebate)

	out := &domain.DebateOutput{SessionID: "s1", PassNumber: 1, Persona: "Pathologist", OutputText: "a"}
	if err := db.InsertDebateOutput(out); err != nil {
		t.Fatalf("first InsertDebateOutput() error: %v", err)
	}

	dup := &domain.DebateOutput{SessionID: "s1", PassNumber: 1, Persona: "Pathologist", OutputText: "b"}
	if err := db.InsertDebateOutput(dup); err == nil {
		t.Error("duplicate pass number should violate UNIQUE constraint")
	}
}

// ─── Cases ──────────────────────────────────────────────────────────────────

func TestFinalizeCase_CommitsAtomically(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusDebate)

	c := &domain.OncoCase{
		SessionID:   "s1",
		Degradation: domain.DegradationDegraded,
		Staging:     "IIB",
		Payload: domain.CasePayload{
			SessionID: "s1",
			PatientID: "PT-1001",
			Risk:      domain.RiskAssessment{Score: 0.62, Level: domain.RiskAmber},
			NextBestActions: []domain.NextBestAction{
				{Model: domain.ModelCXR, Action: "Chest X-ray review", Priority: 2},
			},
		},
	}
	if err := db.FinalizeCase(c); err != nil {
		t.Fatalf("FinalizeCase() error: %v", err)
	}

	sess, _ := db.GetSession("s1")
	if sess.Status != domain.StatusFinalized {
		t.Errorf("Status = %s, want FINALIZED", sess.Status)
	}
	if sess.Staging != "IIB" {
		t.Errorf("Staging = %q, want IIB", sess.Staging)
	}

	got, err := db.GetCase("s1")
	if err != nil {
		t.Fatalf("GetCase() error: %v", err)
	}
	if got.Payload.Risk.Level != domain.RiskAmber {
		t.Errorf("Risk.Level = %s, want AMBER", got.Payload.Risk.Level)
	}
	if len(got.NBA) != 1 {
		t.Errorf("len(NBA) = %d, want 1", len(got.NBA))
	}
}

func TestFinalizeCase_RequiresDebate(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusTriage)

	err := db.FinalizeCase(&domain.OncoCase{SessionID: "s1", Staging: "I"})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Errorf("FinalizeCase() from TRIAGE = %v, want ErrStateConflict", err)
	}

	// Nothing committed: no case row, session untouched
	if _, err := db.GetCase("s1"); !errors.Is(err, domain.ErrCaseNotFound) {
		t.Errorf("GetCase() = %v, want ErrCaseNotFound", err)
	}
	sess, _ := db.GetSession("s1")
	if sess.Status != domain.StatusTriage {
		t.Errorf("Status = %s, want TRIAGE unchanged", sess.Status)
	}
}

func TestGetCase_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetCase("ghost")
	if !errors.Is(err, domain.ErrCaseNotFound) {
		t.Errorf("GetCase(ghost) = %v, want ErrCaseNotFound", err)
	}
}

// ─── Overrides ──────────────────────────────────────────────────────────────

func TestRecordOverride_AppliesAndAudits(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusFinalized)
	if err := db.UpdateSessionField("s1", domain.FieldStaging, "IIA"); err != nil {
		t.Fatalf("UpdateSessionField() error: %v", err)
	}

	o := &domain.Override{
		SessionID:   "s1",
		ClinicianID: "dr-akinyi",
		Field:       domain.FieldStaging,
		OldValue:    "IIA",
		NewValue:    "IIIA",
		Reason:      "nodal involvement on review",
	}
	if err := db.RecordOverride(o); err != nil {
		t.Fatalf("RecordOverride() error: %v", err)
	}
	if o.ID == 0 {
		t.Error("RecordOverride() should assign ID")
	}

	sess, _ := db.GetSession("s1")
	if sess.Staging != "IIIA" {
		t.Errorf("Staging = %q, want IIIA", sess.Staging)
	}

	overrides, err := db.ListOverrides("s1")
	if err != nil {
		t.Fatalf("ListOverrides() error: %v", err)
	}
	if len(overrides) != 1 {
		t.Fatalf("len(overrides) = %d, want 1", len(overrides))
	}
	if overrides[0].OldValue != "IIA" || overrides[0].NewValue != "IIIA" {
		t.Errorf("audit row = %q -> %q, want IIA -> IIIA", overrides[0].OldValue, overrides[0].NewValue)
	}
}

func TestRecordOverride_UnknownField(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusFinalized)

	err := db.RecordOverride(&domain.Override{
		SessionID: "s1", ClinicianID: "dr-x", Field: "session_id", NewValue: "evil",
	})
	if !errors.Is(err, domain.ErrUnknownField) {
		t.Errorf("RecordOverride(session_id) = %v, want ErrUnknownField", err)
	}
}

func TestRecordOverride_SessionMissing(t *testing.T) {
	db := newTestDB(t)

	err := db.RecordOverride(&domain.Override{
		SessionID: "ghost", ClinicianID: "dr-x",
		Field: domain.FieldStaging, NewValue: "IV",
	})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("RecordOverride(ghost) = %v, want ErrSessionNotFound", err)
	}

	// No orphan audit row
	overrides, _ := db.ListOverrides("ghost")
	if len(overrides) != 0 {
		t.Errorf("len(overrides) = %d, want 0", len(overrides))
	}
}

func TestRelayCursor(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusFinalized)

	for i := 0; i < 3; i++ {
		err := db.RecordOverride(&domain.Override{
			SessionID: "s1", ClinicianID: "dr-x",
			Field: domain.FieldStaging, OldValue: "I", NewValue: "II",
		})
		if err != nil {
			t.Fatalf("RecordOverride() error: %v", err)
		}
	}

	cursor, err := db.RelayCursor()
	if err != nil {
		t.Fatalf("RelayCursor() error: %v", err)
	}
	if cursor != 0 {
		t.Errorf("initial cursor = %d, want 0", cursor)
	}

	pending, err := db.ListOverridesAfter(cursor, 10)
	if err != nil {
		t.Fatalf("ListOverridesAfter() error: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}

	if err := db.SetRelayCursor(pending[1].ID); err != nil {
		t.Fatalf("SetRelayCursor() error: %v", err)
	}
	remaining, _ := db.ListOverridesAfter(pending[1].ID, 10)
	if len(remaining) != 1 {
		t.Errorf("len(remaining) = %d, want 1", len(remaining))
	}
}

// ─── VRAM Telemetry ─────────────────────────────────────────────────────────

func TestInsertVramSample_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1", domain.StatusTriage)

	err := db.InsertVramSample(&domain.VramSample{
		SessionID:   "s1",
		ElapsedS:    1.5,
		Phase:       "cxr",
		AllocatedMB: 500,
		ReservedMB:  1400,
		ModelActive: domain.ModelCXR,
	})
	if err != nil {
		t.Fatalf("InsertVramSample() error: %v", err)
	}

	samples, err := db.ListVramSamples("s1")
	if err != nil {
		t.Fatalf("ListVramSamples() error: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("len(samples) = %d, want 1", len(samples))
	}
	if samples[0].ReservedMB != 1400 {
		t.Errorf("ReservedMB = %v, want 1400", samples[0].ReservedMB)
	}
}
