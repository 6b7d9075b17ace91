// Package debate runs the five-pass persona deliberation for an escalated
// session. Passes execute strictly in order, each seeing every earlier pass,
// and every output is validated against the evidence trace before it commits.
// A pass that cannot ground its claims aborts the whole debate; partial
// deliberations are never presented as complete.
package debate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vitalis-health/vitalis/internal/app/trace"
	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/infra/governor"
	"github.com/vitalis-health/vitalis/internal/infra/metrics"
)

// Config tunes the deliberation.
type Config struct {
	Passes      []domain.PersonaPass `toml:"passes"`
	Temperature float64              `toml:"temperature"`
	TopP        float64              `toml:"top_p"`
	GeneratorMB int64                `toml:"generator_mb"`
	ReducedMB   int64                `toml:"reduced_mb"`
}

// DefaultConfig returns the stock five-pass configuration.
func DefaultConfig() Config {
	return Config{
		Passes:      DefaultPasses(),
		Temperature: 0.4,
		TopP:        0.9,
		GeneratorMB: 2800,
		ReducedMB:   1400,
	}
}

// DefaultPasses is the fixed persona order. The planner gets the largest
// token budget; the patient letter is the only pass allowed to carry no
// citation, though any tag it does carry must still resolve.
func DefaultPasses() []domain.PersonaPass {
	return []domain.PersonaPass{
		{Number: 1, Persona: domain.PersonaPathologist, MaxTokens: 200, RequireCitations: true},
		{Number: 2, Persona: domain.PersonaRadiologist, MaxTokens: 200, RequireCitations: true},
		{Number: 3, Persona: domain.PersonaOncologist, MaxTokens: 200, RequireCitations: true},
		{Number: 4, Persona: domain.PersonaPlanner, MaxTokens: 600, RequireCitations: true},
		{Number: 5, Persona: domain.PersonaCommunicator, MaxTokens: 300, RequireCitations: false},
	}
}

// personaCharges tells each persona what its pass is for.
var personaCharges = map[string]string{
	domain.PersonaPathologist:  "Assess the tissue-level evidence and state the most likely histology.",
	domain.PersonaRadiologist:  "Read the imaging evidence: distribution, severity, and differential.",
	domain.PersonaOncologist:   "Integrate every finding into one oncologic assessment with a working stage.",
	domain.PersonaPlanner:      "Lay out a concrete treatment sequence, checking drug interactions and sequencing against active comorbidities.",
	domain.PersonaCommunicator: "Write a short, plain-language note for the patient. No medical jargon.",
}

// Engine drives a deliberation. The generator lease is held for the entire
// run: personas share one loaded model, so acquiring per pass would only
// churn the budget.
type Engine struct {
	cfg       Config
	generator domain.Generator
	store     domain.DebateStore
	gov       *governor.Governor
}

// New creates a debate engine. An empty pass list falls back to the default
// five-persona order.
func New(cfg Config, generator domain.Generator, store domain.DebateStore, gov *governor.Governor) *Engine {
	if len(cfg.Passes) == 0 {
		cfg.Passes = DefaultPasses()
	}
	if cfg.GeneratorMB <= 0 {
		cfg.GeneratorMB = DefaultConfig().GeneratorMB
	}
	return &Engine{cfg: cfg, generator: generator, store: store, gov: gov}
}

// Run executes every configured pass in order and returns the committed
// outputs. Any error means the deliberation is incomplete: committed passes
// stay on record for inspection, but the session must not advance.
func (e *Engine) Run(ctx context.Context, sess *domain.Session, evidence []*domain.EvidenceItem) ([]*domain.DebateOutput, error) {
	tr := trace.New(evidence)
	if len(tr.Sources()) == 0 {
		return nil, fmt.Errorf("no citable evidence for session %s: %w", sess.SessionID, domain.ErrDebateAborted)
	}

	lease, err := e.acquireGenerator(ctx, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("debate lease: %w", err)
	}
	defer lease.Release()

	var outputs []*domain.DebateOutput
	var prior []string
	for _, pass := range e.cfg.Passes {
		text, err := e.runPass(ctx, sess, tr, pass, prior)
		if err != nil {
			return nil, err
		}

		if verr := tr.Validate(text, pass.RequireCitations); verr != nil {
			metrics.UngroundedClaims.Inc()
			log.Printf("[debate] session %s pass %d (%s) rejected: %v",
				sess.SessionID, pass.Number, pass.Persona, verr)
			return nil, fmt.Errorf("pass %d (%s): %v: %w",
				pass.Number, pass.Persona, verr, domain.ErrDebateAborted)
		}

		out := &domain.DebateOutput{
			SessionID:  sess.SessionID,
			PassNumber: pass.Number,
			Persona:    pass.Persona,
			OutputText: text,
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.store.InsertDebateOutput(out); err != nil {
			return nil, fmt.Errorf("persist pass %d: %w", pass.Number, err)
		}
		metrics.DebatePasses.WithLabelValues(pass.Persona).Inc()

		outputs = append(outputs, out)
		prior = append(prior, pass.Persona+": "+text)
	}
	return outputs, nil
}

// acquireGenerator leases memory for the generator model, falling back once
// to the reduced estimate when the full footprint does not fit.
func (e *Engine) acquireGenerator(ctx context.Context, sessionID string) (*governor.Lease, error) {
	lease, err := e.gov.Acquire(ctx, sessionID, "debate", domain.ModelGenerator, e.cfg.GeneratorMB)
	if err == nil {
		return lease, nil
	}
	if errors.Is(err, domain.ErrResourceExhausted) && e.cfg.ReducedMB > 0 && e.cfg.ReducedMB < e.cfg.GeneratorMB {
		metrics.LeaseRejections.WithLabelValues(domain.ModelGenerator).Inc()
		log.Printf("[debate] session %s: full generator lease unavailable, retrying at %d MB",
			sessionID, e.cfg.ReducedMB)
		return e.gov.Acquire(ctx, sessionID, "debate", domain.ModelGenerator, e.cfg.ReducedMB)
	}
	return nil, err
}

// runPass generates one persona's contribution. A worker fault earns exactly
// one retry with a reduced-context prompt; a second fault aborts the debate.
func (e *Engine) runPass(ctx context.Context, sess *domain.Session, tr *trace.Trace, pass domain.PersonaPass, prior []string) (string, error) {
	params := domain.GenerateParams{
		MaxTokens:   pass.MaxTokens,
		Temperature: e.cfg.Temperature,
		TopP:        e.cfg.TopP,
	}

	text, err := e.generator.Generate(ctx, e.buildPrompt(sess, tr, pass, prior, false), params)
	if err == nil {
		return text, nil
	}
	if !errors.Is(err, domain.ErrWorkerFailure) {
		return "", fmt.Errorf("pass %d (%s): %w", pass.Number, pass.Persona, err)
	}

	metrics.DebateRetries.Inc()
	log.Printf("[debate] session %s pass %d (%s) failed, retrying with reduced context: %v",
		sess.SessionID, pass.Number, pass.Persona, err)

	text, err = e.generator.Generate(ctx, e.buildPrompt(sess, tr, pass, prior, true), params)
	if err != nil {
		return "", fmt.Errorf("pass %d (%s) failed after retry: %v: %w",
			pass.Number, pass.Persona, err, domain.ErrDebateAborted)
	}
	return text, nil
}

// buildPrompt assembles the persona prompt. The reduced variant keeps the
// persona charge and the citation tags but trims the evidence block and
// carries only the immediately preceding pass.
func (e *Engine) buildPrompt(sess *domain.Session, tr *trace.Trace, pass domain.PersonaPass, prior []string, reduced bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s in a multi-specialist oncology deliberation.\n\n", pass.Persona)

	if summary := frameSummary(sess); summary != "" {
		b.WriteString("Patient context:\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}

	sources := tr.Sources()
	if reduced && len(sources) > 3 {
		sources = sources[:3]
	}
	b.WriteString("Evidence on record:\n")
	for _, src := range sources {
		item, err := tr.Resolve(src)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- [Source: %s] %s (confidence %.2f)\n", src, item.Finding, item.Confidence)
	}
	b.WriteString("\n")

	if reduced && len(prior) > 1 {
		prior = prior[len(prior)-1:]
	}
	if len(prior) > 0 {
		b.WriteString("Earlier passes:\n")
		for _, p := range prior {
			b.WriteString(p)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Ground every claim in the evidence above, citing the bracketed source tags verbatim.\n")
	if charge, ok := personaCharges[pass.Persona]; ok {
		b.WriteString(charge)
		b.WriteString("\n")
	}
	return b.String()
}

// frameSummary flattens the clinical frame into prompt lines.
func frameSummary(sess *domain.Session) string {
	if sess == nil || sess.Frame == nil {
		return ""
	}
	var b strings.Builder
	f := sess.Frame
	if len(f.Symptoms) > 0 {
		fmt.Fprintf(&b, "- Symptoms: %s\n", strings.Join(f.Symptoms, ", "))
	}
	if len(f.Conditions) > 0 {
		fmt.Fprintf(&b, "- Conditions: %s\n", strings.Join(f.Conditions, ", "))
	}
	if len(f.Medications) > 0 {
		fmt.Fprintf(&b, "- Medications: %s\n", strings.Join(f.Medications, ", "))
	}
	if len(f.LabValues) > 0 {
		fmt.Fprintf(&b, "- Labs: %s\n", strings.Join(f.LabValues, ", "))
	}
	if sess.Degradation != domain.DegradationFull {
		fmt.Fprintf(&b, "- Session quality: %s\n", sess.Degradation)
	}
	return b.String()
}
