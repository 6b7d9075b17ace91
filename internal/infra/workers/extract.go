package workers

import (
	"context"
	"regexp"
	"strings"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Frame Extraction ───────────────────────────────────────────────────────
// Vocabulary-driven extraction over the consult transcript. Runs on CPU with
// no model runtime, so a frame exists even when every modality worker is
// unavailable.

// vocabEntry maps a surface form to its canonical term. Word-boundary
// matching keeps "art" from firing inside "heart" or "start".
type vocabEntry struct {
	re        *regexp.Regexp
	canonical string
}

func buildVocab(pairs [][2]string) []vocabEntry {
	entries := make([]vocabEntry, 0, len(pairs))
	for _, p := range pairs {
		entries = append(entries, vocabEntry{
			re:        regexp.MustCompile(`\b` + regexp.QuoteMeta(p[0]) + `\b`),
			canonical: p[1],
		})
	}
	return entries
}

var symptomVocab = buildVocab([][2]string{
	{"cough", "cough"},
	{"coughing", "cough"},
	{"night sweats", "night sweats"},
	{"weight loss", "weight loss"},
	{"losing weight", "weight loss"},
	{"fever", "fever"},
	{"fevers", "fever"},
	{"fatigue", "fatigue"},
	{"tired", "fatigue"},
	{"chest pain", "chest pain"},
	{"shortness of breath", "shortness of breath"},
	{"breathless", "shortness of breath"},
	{"coughing blood", "hemoptysis"},
	{"hemoptysis", "hemoptysis"},
	{"swollen glands", "lymphadenopathy"},
	{"swollen lymph nodes", "lymphadenopathy"},
	{"lymphadenopathy", "lymphadenopathy"},
	{"rash", "rash"},
	{"skin lesion", "skin lesion"},
	{"lesion", "skin lesion"},
	{"lump", "palpable mass"},
	{"mass", "palpable mass"},
	{"headache", "headache"},
	{"diarrhea", "diarrhea"},
	{"diarrhoea", "diarrhea"},
})

var conditionVocab = buildVocab([][2]string{
	{"tuberculosis", "tuberculosis"},
	{"tb", "tuberculosis"},
	{"hiv", "hiv"},
	{"immunocompromised", "immunocompromised"},
	{"immunosuppressed", "immunocompromised"},
	{"diabetes", "diabetes"},
	{"diabetic", "diabetes"},
	{"hypertension", "hypertension"},
	{"malaria", "malaria"},
	{"lymphoma", "lymphoma"},
	{"kaposi", "kaposi sarcoma"},
	{"kaposi sarcoma", "kaposi sarcoma"},
	{"anemia", "anemia"},
	{"anaemia", "anemia"},
	{"hepatitis", "hepatitis"},
})

var medicationVocab = buildVocab([][2]string{
	{"art", "art"},
	{"arv", "art"},
	{"arvs", "art"},
	{"antiretroviral", "art"},
	{"antiretrovirals", "art"},
	{"dolutegravir", "dolutegravir"},
	{"tenofovir", "tenofovir"},
	{"efavirenz", "efavirenz"},
	{"rifampicin", "rifampicin"},
	{"rifampin", "rifampicin"},
	{"isoniazid", "isoniazid"},
	{"ethambutol", "ethambutol"},
	{"pyrazinamide", "pyrazinamide"},
	{"cotrimoxazole", "cotrimoxazole"},
	{"septrin", "cotrimoxazole"},
	{"paracetamol", "paracetamol"},
	{"amoxicillin", "amoxicillin"},
})

var (
	durationRe = regexp.MustCompile(`\b(\d+|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|couple of|few|several)[- ](day|week|month|year)s?\b`)

	cd4Re       = regexp.MustCompile(`\bcd4(?:\s+count)?(?:\s+(?:of|is|was|at))?\s+(\d+)\b`)
	viralLoadRe = regexp.MustCompile(`\bviral load(?:\s+(?:of|is|was|at))?\s+([\d,]+\b|undetectable)`)
	hbRe        = regexp.MustCompile(`\b(?:hb|hemoglobin|haemoglobin)(?:\s+(?:of|is|was|at))?\s+(\d+(?:\.\d+)?)\b`)

	ageRe  = regexp.MustCompile(`\b(?:(\d{1,3})[- ]year[- ]old|aged?\s+(\d{1,3}))\b`)
	maleRe = regexp.MustCompile(`\b(?:male|man|boy|gentleman)\b`)
	femRe  = regexp.MustCompile(`\b(?:female|woman|girl|lady)\b`)
)

// RegexExtractor implements domain.FrameExtractor with the vocabulary above.
type RegexExtractor struct{}

// NewRegexExtractor creates the vocabulary-driven extractor.
func NewRegexExtractor() *RegexExtractor { return &RegexExtractor{} }

// Extract scans the transcript and assembles a clinical frame.
func (e *RegexExtractor) Extract(_ context.Context, transcript string) (*domain.ClinicalFrame, error) {
	text := strings.ToLower(transcript)
	frame := &domain.ClinicalFrame{
		Demographics: make(map[string]string),
		Findings:     make(map[string]string),
	}

	frame.Symptoms = matchVocab(symptomVocab, text)
	frame.Conditions = matchVocab(conditionVocab, text)
	frame.Medications = matchVocab(medicationVocab, text)

	for _, d := range durationRe.FindAllString(text, -1) {
		frame.Durations = appendUnique(frame.Durations, d)
	}

	if m := cd4Re.FindStringSubmatch(text); m != nil {
		frame.LabValues = append(frame.LabValues, "cd4 "+m[1])
	}
	if m := viralLoadRe.FindStringSubmatch(text); m != nil {
		frame.LabValues = append(frame.LabValues, "viral load "+strings.ReplaceAll(m[1], ",", ""))
	}
	if m := hbRe.FindStringSubmatch(text); m != nil {
		frame.LabValues = append(frame.LabValues, "hb "+m[1])
	}

	if m := ageRe.FindStringSubmatch(text); m != nil {
		age := m[1]
		if age == "" {
			age = m[2]
		}
		frame.Demographics["age"] = age
	}
	switch {
	case maleRe.MatchString(text):
		frame.Demographics["sex"] = "male"
	case femRe.MatchString(text):
		frame.Demographics["sex"] = "female"
	}

	return frame, nil
}

// matchVocab returns canonical terms in vocabulary order, deduplicated.
func matchVocab(vocab []vocabEntry, text string) []string {
	var out []string
	for _, v := range vocab {
		if v.re.MatchString(text) {
			out = appendUnique(out, v.canonical)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
