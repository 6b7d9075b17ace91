package oncocase

import (
	"sort"
	"strings"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Next-Best-Action Catalog ───────────────────────────────────────────────

// catalogEntry describes the follow-up that would fill one evidence gap.
// Lower priority is more urgent: histology anchors the diagnosis, so it
// outranks everything else.
type catalogEntry struct {
	action          string
	cost            string
	patientLanguage string
	priority        int
}

var actionCatalog = map[string]catalogEntry{
	domain.ModelPath: {
		action:          "Obtain tissue biopsy for histopathology review",
		cost:            "INR 2500",
		patientLanguage: "A small tissue sample tells us exactly what we are dealing with.",
		priority:        1,
	},
	domain.ModelCXR: {
		action:          "Acquire chest X-ray (PA view)",
		cost:            "INR 350",
		patientLanguage: "A chest picture shows us what is happening in the lungs.",
		priority:        2,
	},
	domain.ModelHeAR: {
		action:          "Record 10-second cough sample in a quiet room",
		cost:            "INR 0",
		patientLanguage: "We listen to the cough itself; it costs nothing.",
		priority:        3,
	},
	domain.ModelDerm: {
		action:          "Photograph skin lesion with scale reference",
		cost:            "INR 0",
		patientLanguage: "A clear photo of the skin patch helps the specialist.",
		priority:        4,
	},
	domain.ModelASR: {
		action:          "Re-record consult audio or type the history",
		cost:            "INR 0",
		patientLanguage: "We need the story in your own words once more.",
		priority:        5,
	},
}

// NextBestActions returns follow-ups for every stage that did not produce
// usable evidence, most urgent first.
func NextBestActions(evidence []*domain.EvidenceItem) []domain.NextBestAction {
	var actions []domain.NextBestAction
	for _, e := range evidence {
		if e.Status == domain.EvidenceSuccess {
			continue
		}
		entry, ok := actionCatalog[e.Model]
		if !ok {
			continue
		}
		actions = append(actions, domain.NextBestAction{
			Model:           e.Model,
			Action:          entry.action,
			Cost:            entry.cost,
			PatientLanguage: entry.patientLanguage,
			Priority:        entry.priority,
		})
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Priority < actions[j].Priority })
	return actions
}

// ─── Regimen Suggestion ─────────────────────────────────────────────────────

// regimenRule matches a finding keyword to a proposed regimen. First match
// in declaration order wins; the default is the lymphoma workhorse, since
// the oncology path is dominated by lymphoproliferative presentations.
type regimenRule struct {
	term    string
	regimen string
	drugs   []string
}

var regimenRules = []regimenRule{
	{"kaposi", "Liposomal Doxorubicin with ART continuation", []string{"Liposomal Doxorubicin", "ART (continue current line)"}},
	{"cervical", "Cisplatin with concurrent radiotherapy", []string{"Cisplatin", "Radiotherapy"}},
	{"lung", "Carboplatin and Paclitaxel", []string{"Carboplatin", "Paclitaxel"}},
}

const (
	defaultRegimen = "CHOP (cyclophosphamide, doxorubicin, vincristine, prednisone)"
)

var defaultDrugs = []string{"Cyclophosphamide", "Doxorubicin", "Vincristine", "Prednisone"}

// ProposeRegimen suggests a regimen from the evidence corpus. Proposals are
// advisory only; the interaction evidence travels with the case so the
// clinician sees both together.
func ProposeRegimen(evidence []*domain.EvidenceItem) (string, []string) {
	corpus := ""
	for _, e := range evidence {
		if e.Status == domain.EvidenceSuccess {
			corpus += strings.ToLower(e.Finding) + " "
		}
	}
	for _, r := range regimenRules {
		if strings.Contains(corpus, r.term) {
			return r.regimen, r.drugs
		}
	}
	return defaultRegimen, defaultDrugs
}
