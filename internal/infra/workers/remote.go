package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Remote Workers (proxy to model endpoints over HTTP) ────────────────────

// HTTPWorker proxies stage invocations to a model server's /v1/invoke
// endpoint. One instance per endpoint; the model name travels in the body.
type HTTPWorker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWorker creates a worker for the given endpoint.
func NewHTTPWorker(baseURL string, timeout time.Duration) *HTTPWorker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPWorker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type invokeRequest struct {
	SessionID  string                `json:"session_id"`
	Modality   string                `json:"modality"`
	Model      string                `json:"model"`
	DataPath   string                `json:"data_path,omitempty"`
	Transcript string                `json:"transcript,omitempty"`
	Frame      *domain.ClinicalFrame `json:"frame,omitempty"`
	Reduced    bool                  `json:"reduced,omitempty"`
}

type invokeResponse struct {
	Status     string  `json:"status"`
	Finding    string  `json:"finding"`
	Confidence float64 `json:"confidence"`
	NBA        string  `json:"nba,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
}

// Invoke posts the stage input to the endpoint and maps the response.
// Transport and non-200 failures come back as ErrWorkerFailure so the
// scheduler treats them as stage faults, not as absent inputs.
func (w *HTTPWorker) Invoke(ctx context.Context, in domain.StageInput) (domain.StageResult, error) {
	body, err := json.Marshal(invokeRequest{
		SessionID:  in.SessionID,
		Modality:   in.Modality,
		Model:      in.Model,
		DataPath:   in.DataPath,
		Transcript: in.Transcript,
		Frame:      in.Frame,
		Reduced:    in.Reduced,
	})
	if err != nil {
		return domain.StageResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return domain.StageResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.StageResult{}, fmt.Errorf("%s endpoint: %v: %w", in.Model, err, domain.ErrWorkerFailure)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.StageResult{}, fmt.Errorf("%s endpoint returned %d: %s: %w",
			in.Model, resp.StatusCode, string(respBody), domain.ErrWorkerFailure)
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.StageResult{}, fmt.Errorf("decode %s response: %v: %w", in.Model, err, domain.ErrWorkerFailure)
	}

	status := domain.EvidenceStatus(out.Status)
	if status == "" {
		status = domain.EvidenceSuccess
	}
	res := domain.StageResult{
		Status:     status,
		Finding:    out.Finding,
		Confidence: out.Confidence,
		NBA:        out.NBA,
		Transcript: out.Transcript,
	}
	if in.Reduced {
		res.Confidence *= ReducedConfidenceFactor
	}
	return res, nil
}

// ─── Remote Generator ───────────────────────────────────────────────────────

// HTTPGenerator proxies debate generation to a model server's /v1/generate
// endpoint.
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGenerator creates a generator for the given endpoint.
func NewHTTPGenerator(baseURL string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPGenerator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate posts the prompt and returns the generated text.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, params domain.GenerateParams) (string, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:      prompt,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generator endpoint: %v: %w", err, domain.ErrWorkerFailure)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("generator endpoint returned %d: %s: %w",
			resp.StatusCode, string(respBody), domain.ErrWorkerFailure)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generator response: %v: %w", err, domain.ErrWorkerFailure)
	}
	return out.Text, nil
}
