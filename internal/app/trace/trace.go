// Package trace maintains the evidence registry behind citation grounding.
// Every claim a debate persona makes must carry a [Source: NAME] tag that
// resolves to a piece of recorded evidence; a tag that resolves to nothing
// is an ungrounded claim and rejects the whole pass.
package trace

import (
	"fmt"
	"regexp"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Canonical Sources ──────────────────────────────────────────────────────

// Canonical citation sources. Tags outside this set never resolve, even if
// an evidence item would match.
const (
	SourcePath      = "Path_Foundation"
	SourceCXR       = "CXR_Foundation"
	SourceDerm      = "Derm_Foundation"
	SourceHeAR      = "HeAR"
	SourceTx        = "TxGemma"
	SourceInventory = "Local_Inventory_JSON"
	SourceLibrary   = "MedSigLIP_CaseLibrary"
	SourceASR       = "MedASR_Transcript"
	SourceFrame     = "Clinical_Frame_JSON"
)

// sourceAliases maps legacy and shorthand tags to canonical sources.
var sourceAliases = map[string]string{
	"TxGemma_DDI":     SourceTx,
	"MedASR":          SourceASR,
	"MedSigLIP":       SourceLibrary,
	"Clinical_Frame":  SourceFrame,
	"Local_Inventory": SourceInventory,
}

// modelSources maps a model name to the citation sources its evidence backs.
// The interaction model also answers inventory citations: its output is what
// grounds drug availability claims.
var modelSources = map[string][]string{
	domain.ModelPath:        {SourcePath},
	domain.ModelCXR:         {SourceCXR},
	domain.ModelDerm:        {SourceDerm},
	domain.ModelHeAR:        {SourceHeAR},
	domain.ModelInteraction: {SourceTx, SourceInventory},
	domain.ModelRetrieval:   {SourceLibrary},
	domain.ModelASR:         {SourceASR},
	domain.ModelFrame:       {SourceFrame},
}

var tagRe = regexp.MustCompile(`\[Source: ([A-Za-z0-9_]+)\]`)

// ─── Trace ──────────────────────────────────────────────────────────────────

// Trace resolves citation tags against a session's recorded evidence.
type Trace struct {
	bySource map[string]*domain.EvidenceItem
}

// New builds a trace from evidence. Only SUCCESS items register: there is
// nothing to ground a claim on in a missing or failed stage.
func New(evidence []*domain.EvidenceItem) *Trace {
	t := &Trace{bySource: make(map[string]*domain.EvidenceItem)}
	for _, e := range evidence {
		if e.Status != domain.EvidenceSuccess {
			continue
		}
		for _, src := range modelSources[e.Model] {
			t.bySource[src] = e
		}
	}
	return t
}

// Resolve returns the evidence behind a citation tag.
func (t *Trace) Resolve(tag string) (*domain.EvidenceItem, error) {
	canonical := tag
	if alias, ok := sourceAliases[tag]; ok {
		canonical = alias
	}
	e, ok := t.bySource[canonical]
	if !ok {
		return nil, fmt.Errorf("[Source: %s]: %w", tag, domain.ErrSourceNotFound)
	}
	return e, nil
}

// Sources returns the canonical tags with registered evidence, in a fixed
// canonical order suitable for prompt construction.
func (t *Trace) Sources() []string {
	ordered := []string{
		SourcePath, SourceCXR, SourceDerm, SourceHeAR,
		SourceTx, SourceInventory, SourceLibrary, SourceASR, SourceFrame,
	}
	var out []string
	for _, s := range ordered {
		if _, ok := t.bySource[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ExtractTags returns every citation tag appearing in text, in order.
func ExtractTags(text string) []string {
	var tags []string
	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		tags = append(tags, m[1])
	}
	return tags
}

// Validate checks a pass output. Every tag must resolve; when
// requireCitation is set, at least one tag must be present.
func (t *Trace) Validate(text string, requireCitation bool) error {
	tags := ExtractTags(text)
	if requireCitation && len(tags) == 0 {
		return fmt.Errorf("no citation tags present: %w", domain.ErrUngroundedClaim)
	}
	for _, tag := range tags {
		if _, err := t.Resolve(tag); err != nil {
			return fmt.Errorf("%v: %w", err, domain.ErrUngroundedClaim)
		}
	}
	return nil
}
