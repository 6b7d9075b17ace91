package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vitalis-health/vitalis/internal/app/pipeline"
	"github.com/vitalis-health/vitalis/internal/infra/telemetry"
)

// ─── Sessions ───────────────────────────────────────────────────────────────

type createSessionRequest struct {
	PatientID  string `json:"patient_id"`
	Transcript string `json:"transcript"`
	AudioPath  string `json:"audio_path"`
	CoughPath  string `json:"cough_path"`
	CXRPath    string `json:"cxr_path"`
	DermPath   string `json:"derm_path"`
	HistoPath  string `json:"histo_path"`
}

// inputs collects the non-empty modality paths. An empty path means the
// modality is absent for this encounter.
func (r createSessionRequest) inputs() map[string]string {
	in := make(map[string]string)
	for key, path := range map[string]string{
		"audio": r.AudioPath,
		"cough": r.CoughPath,
		"cxr":   r.CXRPath,
		"derm":  r.DermPath,
		"histo": r.HistoPath,
	} {
		if path != "" {
			in[key] = path
		}
	}
	return in
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inputs := req.inputs()
	if req.Transcript == "" && len(inputs) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "request carries no transcript and no modality inputs")
		return
	}

	// Preassign the session ID so /cancel can find the run while it is
	// still in flight.
	sessionID := uuid.NewString()[:8]
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.track(sessionID, cancel)
	defer s.untrack(sessionID)

	res, err := s.pipeline.Run(ctx, pipeline.RunRequest{
		SessionID:  sessionID,
		PatientID:  req.PatientID,
		Transcript: req.Transcript,
		Inputs:     inputs,
	})
	if err != nil {
		body := map[string]interface{}{"error": err.Error()}
		if res != nil && res.Session != nil {
			body["session_id"] = res.Session.SessionID
		}
		writeJSON(w, statusFor(err), body)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := s.db.ListSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.db.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.cancelRun(id) {
		writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "cancelling"})
		return
	}
	if _, err := s.db.GetSession(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeError(w, http.StatusConflict, "session is not running")
}

// sessionOr404 gates per-session subresources on the session row existing.
func (s *Server) sessionOr404(w http.ResponseWriter, id string) bool {
	if _, err := s.db.GetSession(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return false
	}
	return true
}

// ─── Subresources ───────────────────────────────────────────────────────────

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessionOr404(w, id) {
		return
	}
	items, err := s.db.ListEvidence(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"evidence": items})
}

func (s *Server) handleListDebate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessionOr404(w, id) {
		return
	}
	outputs, err := s.db.ListDebateOutputs(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"debate": outputs})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.db.GetCase(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ─── Overrides ──────────────────────────────────────────────────────────────

type createOverrideRequest struct {
	ClinicianID string `json:"clinician_id"`
	Field       string `json:"field"`
	NewValue    string `json:"new_value"`
	Reason      string `json:"reason"`
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessionOr404(w, id) {
		return
	}
	trail, err := s.overrides.List(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"overrides": trail})
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req createOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := s.overrides.Apply(chi.URLParam(r, "id"), req.ClinicianID, req.Field, req.NewValue, req.Reason)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ─── VRAM Telemetry ─────────────────────────────────────────────────────────

func (s *Server) handleVram(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessionOr404(w, id) {
		return
	}
	samples, err := s.db.ListVramSamples(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		_ = telemetry.WriteCSV(w, samples)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"samples": samples,
		"summary": telemetry.Summarize(samples),
	})
}
