// Package bridge decides whether a triage session crosses into the oncology
// workup. The decision is pure: same frame, same evidence, same config, same
// answer. Side effects (status transitions, persistence) belong to the
// pipeline.
package bridge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Scorer computes an escalation score in [0,1] and the trigger terms that
// contributed. Pluggable so deployments can swap the heuristic without
// touching the pipeline.
type Scorer func(frame *domain.ClinicalFrame, evidence []*domain.EvidenceItem, transcript string) (score float64, triggers []string)

// Config controls the bridge decision.
type Config struct {
	Threshold float64 // Escalate when score >= Threshold (default: 0.50)
	Scorer    Scorer  // nil = DefaultScorer
}

// DefaultConfig returns the stock bridge configuration.
func DefaultConfig() Config {
	return Config{Threshold: 0.50, Scorer: DefaultScorer}
}

// ─── Trigger Vocabulary ─────────────────────────────────────────────────────

// oncologyTriggers are the terms that pull a session toward the oncology
// workup when they appear in the transcript, frame, or findings.
var oncologyTriggers = []string{
	"lymphoma", "malignancy", "cancer", "tumor", "tumour",
	"metastasis", "metastatic", "carcinoma", "sarcoma", "kaposi",
	"mass", "neoplasm", "neoplastic", "oncology", "adenocarcinoma",
	"leukemia", "myeloma", "hodgkin", "non-hodgkin", "staging", "biopsy",
}

// coinfectionTerms flag immune-status context that changes the differential.
var coinfectionTerms = []string{
	"hiv", "cd4", "art", "antiretroviral", "viral load",
	"immunocompromised", "immunosuppressed",
}

// ─── Bridge ─────────────────────────────────────────────────────────────────

// Bridge evaluates triage output against the escalation threshold.
type Bridge struct {
	cfg Config
}

// New creates a bridge. A zero threshold falls back to the default.
func New(cfg Config) *Bridge {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Scorer == nil {
		cfg.Scorer = DefaultScorer
	}
	return &Bridge{cfg: cfg}
}

// Decide produces the mode decision for a completed triage stage.
func (b *Bridge) Decide(frame *domain.ClinicalFrame, evidence []*domain.EvidenceItem, transcript string) domain.BridgeDecision {
	score, triggers := b.cfg.Scorer(frame, evidence, transcript)

	mode := domain.ModeTriage
	if score >= b.cfg.Threshold {
		mode = domain.ModeOnco
	}

	d := domain.BridgeDecision{
		Mode:             mode,
		Score:            score,
		Threshold:        b.cfg.Threshold,
		Triggers:         triggers,
		CoinfectionFlags: coinfectionFlags(frame, transcript),
		Uncertainty:      uncertainty(evidence),
	}
	d.Rationale = rationale(d)
	return d
}

// DefaultScorer blends distinct trigger hits with the confidence of
// onco-suggestive worker findings. Trigger mentions dominate; confident
// findings that themselves contain a trigger term push the score over the
// line even when the transcript is vague.
func DefaultScorer(frame *domain.ClinicalFrame, evidence []*domain.EvidenceItem, transcript string) (float64, []string) {
	corpus := strings.ToLower(transcript)
	if frame != nil {
		corpus += " " + strings.ToLower(strings.Join(frame.Symptoms, " "))
		corpus += " " + strings.ToLower(strings.Join(frame.Conditions, " "))
		for _, f := range frame.Findings {
			corpus += " " + strings.ToLower(f)
		}
	}
	for _, e := range evidence {
		if e.Status == domain.EvidenceSuccess {
			corpus += " " + strings.ToLower(e.Finding)
		}
	}

	hits := make(map[string]bool)
	for _, trig := range oncologyTriggers {
		if strings.Contains(corpus, trig) {
			hits[trig] = true
		}
	}

	triggerComponent := 0.2 * float64(len(hits))
	if triggerComponent > 0.6 {
		triggerComponent = 0.6
	}

	evidenceComponent := 0.0
	for _, e := range evidence {
		if e.Status != domain.EvidenceSuccess {
			continue
		}
		finding := strings.ToLower(e.Finding)
		for _, trig := range oncologyTriggers {
			if strings.Contains(finding, trig) {
				evidenceComponent += 0.25 * e.Confidence
				break
			}
		}
	}
	if evidenceComponent > 0.4 {
		evidenceComponent = 0.4
	}

	score := triggerComponent + evidenceComponent
	if score > 1 {
		score = 1
	}

	triggers := make([]string, 0, len(hits))
	for trig := range hits {
		triggers = append(triggers, trig)
	}
	sort.Strings(triggers)
	return score, triggers
}

// coinfectionFlags scans the corpus for immune-status context.
func coinfectionFlags(frame *domain.ClinicalFrame, transcript string) []string {
	corpus := strings.ToLower(transcript)
	if frame != nil {
		corpus += " " + strings.ToLower(strings.Join(frame.Conditions, " "))
		corpus += " " + strings.ToLower(strings.Join(frame.Medications, " "))
		corpus += " " + strings.ToLower(strings.Join(frame.LabValues, " "))
	}

	var flags []string
	for _, term := range coinfectionTerms {
		// Word boundary by padding: "art" must not fire inside "heart".
		if containsWord(corpus, term) {
			flags = append(flags, term)
		}
	}
	return flags
}

func containsWord(corpus, term string) bool {
	idx := 0
	for {
		i := strings.Index(corpus[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		beforeOK := start == 0 || !isWordChar(corpus[start-1])
		afterOK := end == len(corpus) || !isWordChar(corpus[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_'
}

// uncertainty grades the decision by how much evidence it rests on.
// A missing audio stage is CRITICAL: the transcript is the spine of the
// frame, and every downstream judgement inherits its absence.
func uncertainty(evidence []*domain.EvidenceItem) domain.Uncertainty {
	gaps := 0
	audioGap := false
	for _, e := range evidence {
		if e.Model == domain.ModelFrame {
			continue
		}
		if e.Status != domain.EvidenceSuccess {
			gaps++
			if e.Model == domain.ModelASR {
				audioGap = true
			}
		}
	}
	switch {
	case audioGap:
		return domain.UncertaintyCritical
	case gaps >= 2:
		return domain.UncertaintyHigh
	case gaps == 1:
		return domain.UncertaintyMedium
	default:
		return domain.UncertaintyLow
	}
}

func rationale(d domain.BridgeDecision) string {
	if d.Mode == domain.ModeOnco {
		return fmt.Sprintf("score %.2f >= %.2f with triggers %s (uncertainty %s)",
			d.Score, d.Threshold, strings.Join(d.Triggers, ", "), d.Uncertainty)
	}
	return fmt.Sprintf("score %.2f below %.2f, remaining in triage (uncertainty %s)",
		d.Score, d.Threshold, d.Uncertainty)
}
