// Package oncocase turns a session's accumulated evidence and debate into
// the finalized case artifact: risk assessment, staging, next-best actions,
// and a proposed regimen. Everything here is deterministic; the same inputs
// always produce the same case.
package oncocase

import (
	"strings"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Risk Engine ────────────────────────────────────────────────────────────

// RuleScope selects what part of the session a rule inspects.
type RuleScope string

const (
	ScopeSymptom   RuleScope = "symptom"
	ScopeCondition RuleScope = "condition"
	ScopeEvidence  RuleScope = "evidence"
	ScopeDebate    RuleScope = "debate"
)

// RiskRule is one weighted trigger. A rule fires at most once; the score is
// the capped sum of fired weights, so evaluation order never changes the
// outcome, only the flag order.
type RiskRule struct {
	Name          string    `toml:"name"`
	Scope         RuleScope `toml:"scope"`
	Term          string    `toml:"term,omitempty"`
	Model         string    `toml:"model,omitempty"`
	MinConfidence float64   `toml:"min_confidence,omitempty"`
	Weight        float64   `toml:"weight"`
}

// DefaultRiskRules is the stock rule table.
func DefaultRiskRules() []RiskRule {
	return []RiskRule{
		{Name: "cough", Scope: ScopeSymptom, Term: "cough", Weight: 0.15},
		{Name: "night_sweats", Scope: ScopeSymptom, Term: "night sweats", Weight: 0.15},
		{Name: "weight_loss", Scope: ScopeSymptom, Term: "weight loss", Weight: 0.15},
		{Name: "fever", Scope: ScopeSymptom, Term: "fever", Weight: 0.10},
		{Name: "fatigue", Scope: ScopeSymptom, Term: "fatigue", Weight: 0.05},

		{Name: "tb_context", Scope: ScopeCondition, Term: "tuberculosis", Weight: 0.25},
		{Name: "hiv_context", Scope: ScopeCondition, Term: "hiv", Weight: 0.10},

		{Name: "cough_acoustics", Scope: ScopeEvidence, Model: domain.ModelHeAR, MinConfidence: 0.5, Weight: 0.15},
		{Name: "cxr_infiltrate", Scope: ScopeEvidence, Model: domain.ModelCXR, Term: "infiltrate", Weight: 0.10},
		{Name: "cxr_opacity", Scope: ScopeEvidence, Model: domain.ModelCXR, Term: "opacity", Weight: 0.10},
		{Name: "lymphoma_finding", Scope: ScopeEvidence, Term: "lymphoma", Weight: 0.10},
		{Name: "kaposi_finding", Scope: ScopeEvidence, Term: "kaposi", Weight: 0.15},

		{Name: "metastatic_marker", Scope: ScopeDebate, Term: "metastatic", Weight: 0.10},
		{Name: "stage_iv_marker", Scope: ScopeDebate, Term: "stage iv", Weight: 0.10},
	}
}

// AssessRisk evaluates the rule table against the session.
func AssessRisk(rules []RiskRule, frame *domain.ClinicalFrame, evidence []*domain.EvidenceItem, debate []*domain.DebateOutput) domain.RiskAssessment {
	symptoms := ""
	conditions := ""
	if frame != nil {
		symptoms = strings.ToLower(strings.Join(frame.Symptoms, " | "))
		conditions = strings.ToLower(strings.Join(frame.Conditions, " | "))
	}
	debateText := ""
	for _, d := range debate {
		debateText += strings.ToLower(d.OutputText) + " "
	}

	score := 0.0
	var flags []string
	for _, r := range rules {
		if ruleFires(r, symptoms, conditions, debateText, evidence) {
			score += r.Weight
			flags = append(flags, r.Name)
		}
	}
	if score > 1 {
		score = 1
	}

	missing := 0
	for _, e := range evidence {
		if e.Model == domain.ModelFrame {
			continue
		}
		if e.Status != domain.EvidenceSuccess {
			missing++
		}
	}

	return domain.RiskAssessment{
		Score:        score,
		Level:        levelFor(score),
		Flags:        flags,
		MissingCount: missing,
	}
}

func ruleFires(r RiskRule, symptoms, conditions, debateText string, evidence []*domain.EvidenceItem) bool {
	switch r.Scope {
	case ScopeSymptom:
		return strings.Contains(symptoms, r.Term)
	case ScopeCondition:
		return strings.Contains(conditions, r.Term)
	case ScopeDebate:
		return strings.Contains(debateText, r.Term)
	case ScopeEvidence:
		for _, e := range evidence {
			if e.Status != domain.EvidenceSuccess {
				continue
			}
			if r.Model != "" && e.Model != r.Model {
				continue
			}
			if r.MinConfidence > 0 && e.Confidence < r.MinConfidence {
				continue
			}
			if r.Term != "" && !strings.Contains(strings.ToLower(e.Finding), r.Term) {
				continue
			}
			return true
		}
	}
	return false
}

// levelFor buckets the score. Boundaries are inclusive toward the more
// severe level: a score of exactly 0.7 is RED, exactly 0.4 is AMBER.
func levelFor(score float64) domain.RiskLevel {
	switch {
	case score >= 0.7:
		return domain.RiskRed
	case score >= 0.4:
		return domain.RiskAmber
	default:
		return domain.RiskGreen
	}
}
