package oncocase

import (
	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Staging ────────────────────────────────────────────────────────────────

// DefaultStagingRules maps risk score bands to stage labels, most severe
// first.
func DefaultStagingRules() []domain.StagingRule {
	return []domain.StagingRule{
		{MinScore: 0.85, Stage: "IV"},
		{MinScore: 0.70, Stage: "IIIA"},
		{MinScore: 0.55, Stage: "IIB"},
		{MinScore: 0.40, Stage: "IIA"},
		{MinScore: 0.0, Stage: "I"},
	}
}

// StageFor returns the first rule whose floor the score reaches. Declaration
// order is most-severe-first, so boundary scores resolve conservatively.
func StageFor(score float64, rules []domain.StagingRule) string {
	for _, r := range rules {
		if score >= r.MinScore {
			return r.Stage
		}
	}
	return "I"
}

// StagingInsufficient replaces the stage label when too little evidence
// exists to stage at all.
const StagingInsufficient = "INSUFFICIENT_DATA"

// provisionalPrefix marks stages derived without imaging or histology.
const provisionalPrefix = "PROVISIONAL "

// ─── Builder ────────────────────────────────────────────────────────────────

// Builder assembles the finalized case artifact.
type Builder struct {
	riskRules    []RiskRule
	stagingRules []domain.StagingRule
}

// NewBuilder creates a builder. Nil rule sets fall back to the defaults.
func NewBuilder(riskRules []RiskRule, stagingRules []domain.StagingRule) *Builder {
	if riskRules == nil {
		riskRules = DefaultRiskRules()
	}
	if stagingRules == nil {
		stagingRules = DefaultStagingRules()
	}
	return &Builder{riskRules: riskRules, stagingRules: stagingRules}
}

// Build produces the case for a session that completed its debate. The
// caller persists it through the case store; nothing here touches storage.
func (b *Builder) Build(sess *domain.Session, evidence []*domain.EvidenceItem, debate []*domain.DebateOutput) *domain.OncoCase {
	risk := AssessRisk(b.riskRules, sess.Frame, evidence, debate)

	staging := StageFor(risk.Score, b.stagingRules)
	switch {
	case risk.MissingCount >= 3:
		staging = StagingInsufficient
	case !anchorPresent(evidence):
		staging = provisionalPrefix + staging
	}

	regimen, drugs := ProposeRegimen(evidence)
	actions := NextBestActions(evidence)

	payload := domain.CasePayload{
		SessionID:       sess.SessionID,
		PatientID:       sess.PatientID,
		Frame:           sess.Frame,
		Risk:            risk,
		Staging:         staging,
		Degradation:     sess.Degradation,
		NextBestActions: actions,
		ProposedRegimen: regimen,
		ProposedDrugs:   drugs,
	}
	for _, e := range evidence {
		payload.Evidence = append(payload.Evidence, *e)
	}
	for _, d := range debate {
		payload.Debate = append(payload.Debate, *d)
	}

	return &domain.OncoCase{
		SessionID:   sess.SessionID,
		Payload:     payload,
		Degradation: sess.Degradation,
		Staging:     staging,
		NBA:         actions,
	}
}

// anchorPresent reports whether at least one anatomical anchor (imaging or
// histology) produced usable evidence. Without one, staging is provisional.
func anchorPresent(evidence []*domain.EvidenceItem) bool {
	for _, e := range evidence {
		if e.Status != domain.EvidenceSuccess {
			continue
		}
		if e.Model == domain.ModelCXR || e.Model == domain.ModelPath {
			return true
		}
	}
	return false
}
