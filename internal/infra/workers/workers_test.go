package workers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Sim Worker Tests ───────────────────────────────────────────────────────

func TestSimWorker_CannedFindings(t *testing.T) {
	w := NewSimWorker()
	ctx := context.Background()

	res, err := w.Invoke(ctx, domain.StageInput{Modality: "cxr", Model: domain.ModelCXR})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if res.Status != domain.EvidenceSuccess {
		t.Errorf("Status = %s, want SUCCESS", res.Status)
	}
	if res.Confidence != 0.81 {
		t.Errorf("Confidence = %v, want 0.81", res.Confidence)
	}
	if !strings.Contains(res.Finding, "infiltrates") {
		t.Errorf("Finding = %q, want infiltrate finding", res.Finding)
	}
}

func TestSimWorker_ReducedContext(t *testing.T) {
	w := NewSimWorker()

	full, err := w.Invoke(context.Background(), domain.StageInput{Model: domain.ModelHeAR})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	reduced, err := w.Invoke(context.Background(), domain.StageInput{Model: domain.ModelHeAR, Reduced: true})
	if err != nil {
		t.Fatalf("reduced Invoke() error: %v", err)
	}

	want := full.Confidence * ReducedConfidenceFactor
	if reduced.Confidence != want {
		t.Errorf("reduced Confidence = %v, want %v", reduced.Confidence, want)
	}
}

func TestSimWorker_FailNext(t *testing.T) {
	w := NewSimWorker()
	w.FailNext(domain.ModelDerm, 1)

	_, err := w.Invoke(context.Background(), domain.StageInput{Model: domain.ModelDerm})
	if !errors.Is(err, domain.ErrWorkerFailure) {
		t.Fatalf("first Invoke() = %v, want ErrWorkerFailure", err)
	}

	// Second attempt succeeds
	res, err := w.Invoke(context.Background(), domain.StageInput{Model: domain.ModelDerm})
	if err != nil {
		t.Fatalf("second Invoke() error: %v", err)
	}
	if res.Status != domain.EvidenceSuccess {
		t.Errorf("Status = %s, want SUCCESS", res.Status)
	}
}

func TestSimWorker_TranscriptPassthrough(t *testing.T) {
	w := NewSimWorker()

	res, err := w.Invoke(context.Background(), domain.StageInput{
		Model:      domain.ModelASR,
		Transcript: "three weeks of fever",
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if res.Transcript != "three weeks of fever" {
		t.Errorf("Transcript = %q, want passthrough", res.Transcript)
	}
}

func TestSimWorker_CancelledContext(t *testing.T) {
	w := NewSimWorker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Invoke(ctx, domain.StageInput{Model: domain.ModelCXR})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Invoke() = %v, want context.Canceled", err)
	}
}

// ─── Sim Generator Tests ────────────────────────────────────────────────────

func TestSimGenerator_CitesPromptSources(t *testing.T) {
	g := NewSimGenerator()

	prompt := "You are the Radiologist.\nCite only: [Source: CXR_Foundation] [Source: HeAR]"
	out, err := g.Generate(context.Background(), prompt, domain.GenerateParams{MaxTokens: 200})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !strings.Contains(out, "[Source: CXR_Foundation]") {
		t.Errorf("output should cite an offered source, got %q", out)
	}
}

func TestSimGenerator_FailNext(t *testing.T) {
	g := NewSimGenerator()
	g.FailNext(1)

	_, err := g.Generate(context.Background(), "You are the Oncologist.", domain.GenerateParams{})
	if !errors.Is(err, domain.ErrWorkerFailure) {
		t.Fatalf("first Generate() = %v, want ErrWorkerFailure", err)
	}
	if _, err := g.Generate(context.Background(), "You are the Oncologist.", domain.GenerateParams{}); err != nil {
		t.Errorf("second Generate() error: %v", err)
	}
}

// ─── Remote Worker Tests ────────────────────────────────────────────────────

func TestHTTPWorker_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/invoke" {
			t.Errorf("path = %q, want /v1/invoke", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"SUCCESS","finding":"clear lung fields","confidence":0.9}`))
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, 0)
	res, err := worker.Invoke(context.Background(), domain.StageInput{
		SessionID: "s1", Modality: "cxr", Model: domain.ModelCXR, DataPath: "/tmp/img.png",
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if res.Finding != "clear lung fields" {
		t.Errorf("Finding = %q", res.Finding)
	}
	if res.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", res.Confidence)
	}
}

func TestHTTPWorker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, 0)
	_, err := worker.Invoke(context.Background(), domain.StageInput{Model: domain.ModelCXR})
	if !errors.Is(err, domain.ErrWorkerFailure) {
		t.Errorf("Invoke() = %v, want ErrWorkerFailure", err)
	}
}

func TestHTTPGenerator_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("path = %q, want /v1/generate", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"staging workup first [Source: CXR_Foundation]"}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, 0)
	out, err := g.Generate(context.Background(), "prompt", domain.GenerateParams{MaxTokens: 100})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !strings.Contains(out, "staging workup") {
		t.Errorf("text = %q", out)
	}
}
