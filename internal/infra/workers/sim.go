// Package workers provides the inference adapters behind the pipeline's
// Worker and Generator interfaces. The sim implementations run without any
// model runtime and produce deterministic findings, so the full pipeline is
// exercisable on a laptop; the remote implementations proxy to model
// endpoints over HTTP.
package workers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Simulated Workers (run without model runtimes) ─────────────────────────

// simFinding is one canned per-model outcome.
type simFinding struct {
	finding    string
	confidence float64
	nba        string
}

var simFindings = map[string]simFinding{
	domain.ModelASR: {
		finding:    "transcription complete",
		confidence: 0.94,
		nba:        "Review transcript with patient",
	},
	domain.ModelHeAR: {
		finding:    "cough acoustics consistent with pulmonary tuberculosis",
		confidence: 0.73,
		nba:        "Order sputum GeneXpert",
	},
	domain.ModelCXR: {
		finding:    "bilateral upper-lobe infiltrates with possible cavitation",
		confidence: 0.81,
		nba:        "Radiology review within 24h",
	},
	domain.ModelDerm: {
		finding:    "violaceous nodular lesion suggestive of Kaposi sarcoma",
		confidence: 0.66,
		nba:        "Punch biopsy of index lesion",
	},
	domain.ModelPath: {
		finding:    "monomorphic lymphoid proliferation, suspicious for non-Hodgkin lymphoma",
		confidence: 0.77,
		nba:        "Immunohistochemistry panel",
	},
	domain.ModelRetrieval: {
		finding:    "3 matched exemplars from the regional case library",
		confidence: 0.70,
		nba:        "Compare against matched cases",
	},
	domain.ModelInteraction: {
		finding:    "no contraindication between first-line ART and CHOP; monitor QT interval",
		confidence: 0.82,
		nba:        "Baseline ECG before cycle 1",
	},
}

// SimWorker simulates a modality model. Deterministic given its input, with
// a small fixed latency so concurrency behavior is observable in tests.
type SimWorker struct {
	Latency time.Duration

	mu       sync.Mutex
	failures map[string]int // model → remaining invocations to fail
}

// NewSimWorker creates a simulated worker.
func NewSimWorker() *SimWorker {
	return &SimWorker{Latency: 5 * time.Millisecond, failures: make(map[string]int)}
}

// FailNext makes the next n invocations of model fail, for exercising the
// retry and degradation paths.
func (w *SimWorker) FailNext(model string, n int) {
	w.mu.Lock()
	w.failures[model] = n
	w.mu.Unlock()
}

// Invoke returns the canned finding for the input's model.
func (w *SimWorker) Invoke(ctx context.Context, in domain.StageInput) (domain.StageResult, error) {
	select {
	case <-ctx.Done():
		return domain.StageResult{}, ctx.Err()
	case <-time.After(w.Latency):
	}

	w.mu.Lock()
	if n := w.failures[in.Model]; n > 0 {
		w.failures[in.Model] = n - 1
		w.mu.Unlock()
		return domain.StageResult{}, fmt.Errorf("simulated fault in %s: %w", in.Model, domain.ErrWorkerFailure)
	}
	w.mu.Unlock()

	f, ok := simFindings[in.Model]
	if !ok {
		return domain.StageResult{}, fmt.Errorf("no simulation for model %q: %w", in.Model, domain.ErrWorkerFailure)
	}

	res := domain.StageResult{
		Status:     domain.EvidenceSuccess,
		Finding:    f.finding,
		Confidence: f.confidence,
		NBA:        f.nba,
	}
	if in.Reduced {
		res.Confidence *= ReducedConfidenceFactor
		res.Finding += " (reduced context)"
	}
	if in.Model == domain.ModelASR {
		// ASR carries the transcript through rather than inventing one.
		res.Transcript = in.Transcript
		if in.Transcript == "" {
			res.Transcript = "patient reports persistent cough, night sweats and weight loss over six weeks"
		}
		res.Finding = res.Transcript
	}
	return res, nil
}

// ReducedConfidenceFactor discounts outputs produced from reduced context.
const ReducedConfidenceFactor = 0.85

// ─── Simulated Generator ────────────────────────────────────────────────────

var promptSourceRe = regexp.MustCompile(`\[Source: ([A-Za-z0-9_]+)\]`)

// SimGenerator simulates the debate generator. It reads the persona and the
// allowed citation tags out of the prompt, so its output stays grounded in
// whatever evidence the debate engine actually offered.
type SimGenerator struct {
	Latency time.Duration

	mu       sync.Mutex
	failures int
}

// NewSimGenerator creates a simulated generator.
func NewSimGenerator() *SimGenerator {
	return &SimGenerator{Latency: 5 * time.Millisecond}
}

// FailNext makes the next n Generate calls fail.
func (g *SimGenerator) FailNext(n int) {
	g.mu.Lock()
	g.failures = n
	g.mu.Unlock()
}

// Generate produces persona-flavored text citing sources listed in the prompt.
func (g *SimGenerator) Generate(ctx context.Context, prompt string, params domain.GenerateParams) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(g.Latency):
	}

	g.mu.Lock()
	if g.failures > 0 {
		g.failures--
		g.mu.Unlock()
		return "", fmt.Errorf("simulated generator fault: %w", domain.ErrWorkerFailure)
	}
	g.mu.Unlock()

	sources := promptSourceRe.FindAllString(prompt, 2)
	citation := ""
	if len(sources) > 0 {
		citation = " " + strings.Join(sources, " ")
	}

	switch {
	case strings.Contains(prompt, domain.PersonaPathologist):
		return "Tissue-level pattern favors a lymphoproliferative process; correlation with imaging is required." + citation, nil
	case strings.Contains(prompt, domain.PersonaRadiologist):
		return "Imaging shows upper-lobe predominant disease; TB and lymphadenopathy both remain in the differential." + citation, nil
	case strings.Contains(prompt, domain.PersonaOncologist):
		return "Findings support an oncologic workup alongside TB treatment; staging imaging is the next step." + citation, nil
	case strings.Contains(prompt, domain.PersonaPlanner):
		return "Recommend concurrent anti-TB therapy and oncology referral. Sequence biopsy before systemic therapy, repeat CD4 before cycle 1, and align drug choices with documented interactions." + citation, nil
	case strings.Contains(prompt, domain.PersonaCommunicator):
		return "We found signs that need a specialist's attention. The next steps are a small tissue sample and one more scan. Treatment for the infection starts right away.", nil
	default:
		return "No persona context provided." + citation, nil
	}
}
