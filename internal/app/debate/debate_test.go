package debate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/vitalis-health/vitalis/internal/app/trace"
	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/infra/governor"
	"github.com/vitalis-health/vitalis/internal/infra/sqlite"
	"github.com/vitalis-health/vitalis/internal/infra/workers"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedSession(t *testing.T, db *sqlite.DB) *domain.Session {
	t.Helper()
	sess := &domain.Session{
		SessionID:   "deb-1",
		PatientID:   "PT-2001",
		Status:      domain.StatusEscalated,
		Degradation: domain.DegradationFull,
		Frame: &domain.ClinicalFrame{
			Symptoms:   []string{"cough", "night sweats"},
			Conditions: []string{"hiv", "tuberculosis"},
		},
	}
	if err := db.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	return sess
}

func testEvidence() []*domain.EvidenceItem {
	return []*domain.EvidenceItem{
		{Model: domain.ModelCXR, Status: domain.EvidenceSuccess, Finding: "bilateral upper-lobe infiltrates", Confidence: 0.81},
		{Model: domain.ModelHeAR, Status: domain.EvidenceSuccess, Finding: "cough acoustics consistent with TB", Confidence: 0.73},
		{Model: domain.ModelFrame, Status: domain.EvidenceSuccess, Finding: "structured frame extracted", Confidence: 1},
	}
}

func newTestGovernor() *governor.Governor {
	return governor.New(governor.Config{BudgetMB: 8192, Blocking: false}, nil)
}

// scriptGen returns canned outputs in call order, then worker faults.
type scriptGen struct {
	outputs []string
	calls   int
}

func (g *scriptGen) Generate(ctx context.Context, prompt string, params domain.GenerateParams) (string, error) {
	if g.calls >= len(g.outputs) {
		return "", fmt.Errorf("script exhausted: %w", domain.ErrWorkerFailure)
	}
	out := g.outputs[g.calls]
	g.calls++
	return out, nil
}

func TestRun_FivePasses(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	e := New(DefaultConfig(), workers.NewSimGenerator(), db, newTestGovernor())

	outputs, err := e.Run(context.Background(), sess, testEvidence())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(outputs) != domain.DebatePassCount {
		t.Fatalf("len(outputs) = %d, want %d", len(outputs), domain.DebatePassCount)
	}

	wantPersonas := []string{
		domain.PersonaPathologist, domain.PersonaRadiologist, domain.PersonaOncologist,
		domain.PersonaPlanner, domain.PersonaCommunicator,
	}
	for i, out := range outputs {
		if out.PassNumber != i+1 {
			t.Errorf("outputs[%d].PassNumber = %d, want %d", i, out.PassNumber, i+1)
		}
		if out.Persona != wantPersonas[i] {
			t.Errorf("outputs[%d].Persona = %q, want %q", i, out.Persona, wantPersonas[i])
		}
	}

	// Specialist passes must cite; the patient letter may stay tag-free.
	for _, out := range outputs[:4] {
		if !strings.Contains(out.OutputText, "[Source: ") {
			t.Errorf("pass %d carries no citation: %q", out.PassNumber, out.OutputText)
		}
	}

	stored, err := db.ListDebateOutputs(sess.SessionID)
	if err != nil {
		t.Fatalf("ListDebateOutputs() error: %v", err)
	}
	if len(stored) != domain.DebatePassCount {
		t.Errorf("stored %d passes, want %d", len(stored), domain.DebatePassCount)
	}
}

func TestRun_RetriesOnceOnWorkerFault(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	gen := workers.NewSimGenerator()
	gen.FailNext(1)
	e := New(DefaultConfig(), gen, db, newTestGovernor())

	outputs, err := e.Run(context.Background(), sess, testEvidence())
	if err != nil {
		t.Fatalf("Run() error after single fault: %v", err)
	}
	if len(outputs) != domain.DebatePassCount {
		t.Errorf("len(outputs) = %d, want %d", len(outputs), domain.DebatePassCount)
	}
}

func TestRun_SecondFaultAborts(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	gen := workers.NewSimGenerator()
	gen.FailNext(2) // full prompt and reduced retry both fail
	e := New(DefaultConfig(), gen, db, newTestGovernor())

	_, err := e.Run(context.Background(), sess, testEvidence())
	if !errors.Is(err, domain.ErrDebateAborted) {
		t.Fatalf("Run() error = %v, want ErrDebateAborted", err)
	}

	stored, err := db.ListDebateOutputs(sess.SessionID)
	if err != nil {
		t.Fatalf("ListDebateOutputs() error: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("stored %d passes after first-pass abort, want 0", len(stored))
	}
}

func TestRun_UngroundedClaimAborts(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	gen := &scriptGen{outputs: []string{
		"Histology pending. [Source: CXR_Foundation]",
		"Imaging reviewed. [Source: HeAR]",
		"Assessment cites nothing real. [Source: Crystal_Ball]",
	}}
	e := New(DefaultConfig(), gen, db, newTestGovernor())

	_, err := e.Run(context.Background(), sess, testEvidence())
	if !errors.Is(err, domain.ErrDebateAborted) {
		t.Fatalf("Run() error = %v, want ErrDebateAborted", err)
	}

	// The first two grounded passes stay on record for inspection.
	stored, err := db.ListDebateOutputs(sess.SessionID)
	if err != nil {
		t.Fatalf("ListDebateOutputs() error: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored %d passes, want 2", len(stored))
	}
}

func TestRun_MissingCitationAborts(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	gen := &scriptGen{outputs: []string{"A confident claim with no grounding at all."}}
	e := New(DefaultConfig(), gen, db, newTestGovernor())

	_, err := e.Run(context.Background(), sess, testEvidence())
	if !errors.Is(err, domain.ErrDebateAborted) {
		t.Fatalf("Run() error = %v, want ErrDebateAborted", err)
	}
}

func TestRun_NoCitableEvidence(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	evidence := []*domain.EvidenceItem{
		{Model: domain.ModelCXR, Status: domain.EvidenceFailed},
		{Model: domain.ModelHeAR, Status: domain.EvidenceMissing},
	}
	e := New(DefaultConfig(), workers.NewSimGenerator(), db, newTestGovernor())

	_, err := e.Run(context.Background(), sess, evidence)
	if !errors.Is(err, domain.ErrDebateAborted) {
		t.Fatalf("Run() error = %v, want ErrDebateAborted", err)
	}
}

func TestRun_ReducedLeaseFallback(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	// Budget fits the reduced generator footprint only.
	gov := governor.New(governor.Config{BudgetMB: 2000, Blocking: false}, nil)
	e := New(DefaultConfig(), workers.NewSimGenerator(), db, gov)

	if _, err := e.Run(context.Background(), sess, testEvidence()); err != nil {
		t.Fatalf("Run() error with reduced lease available: %v", err)
	}
}

func TestRun_LeaseExhausted(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	gov := governor.New(governor.Config{BudgetMB: 1000, Blocking: false}, nil)
	e := New(DefaultConfig(), workers.NewSimGenerator(), db, gov)

	_, err := e.Run(context.Background(), sess, testEvidence())
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("Run() error = %v, want ErrResourceExhausted", err)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	e := New(DefaultConfig(), workers.NewSimGenerator(), db, newTestGovernor())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, sess, testEvidence())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestBuildPrompt(t *testing.T) {
	db := newTestDB(t)
	sess := seedSession(t, db)
	e := New(DefaultConfig(), workers.NewSimGenerator(), db, newTestGovernor())

	tr := trace.New(testEvidence())
	pass := DefaultPasses()[1]
	prior := []string{"Pathologist: tissue claim [Source: CXR_Foundation]"}

	prompt := e.buildPrompt(sess, tr, pass, prior, false)
	for _, want := range []string{
		domain.PersonaRadiologist,
		"[Source: CXR_Foundation]",
		"[Source: HeAR]",
		"cough, night sweats",
		"Earlier passes:",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	reduced := e.buildPrompt(sess, tr, pass, []string{"a: one", "b: two", "c: three"}, true)
	if strings.Contains(reduced, "a: one") || !strings.Contains(reduced, "c: three") {
		t.Errorf("reduced prompt should keep only the last pass:\n%s", reduced)
	}
}

func TestDefaultPasses(t *testing.T) {
	passes := DefaultPasses()
	if len(passes) != domain.DebatePassCount {
		t.Fatalf("len(passes) = %d, want %d", len(passes), domain.DebatePassCount)
	}
	for i, p := range passes {
		if p.Number != i+1 {
			t.Errorf("passes[%d].Number = %d", i, p.Number)
		}
		wantCite := p.Persona != domain.PersonaCommunicator
		if p.RequireCitations != wantCite {
			t.Errorf("%s RequireCitations = %v, want %v", p.Persona, p.RequireCitations, wantCite)
		}
	}
}
