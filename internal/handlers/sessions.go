package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/certlab/exam-runtime/internal/middleware"
	"github.com/certlab/exam-runtime/internal/orchestrator"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	ExamSessionID string          `json:"examSessionId"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	TemplateID    string          `json:"templateId"`
	AssetPath     string          `json:"assetPath"`
	Config        json.RawMessage `json:"config"`
}

// CreateSession handles POST /api/v1/sessions. The owner is always the
// caller; a body cannot name another user.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.ExamSessionID == "" {
		writeError(w, http.StatusBadRequest, "examSessionId is required")
		return
	}

	res, err := Orch.CreateSession(r.Context(), orchestrator.CreateRequest{
		ExamSessionID: body.ExamSessionID,
		UserID:        middleware.UserID(r),
		ExpiresAt:     body.ExpiresAt,
		TemplateID:    body.TemplateID,
		AssetPath:     body.AssetPath,
		Config:        body.Config,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ActivateSession handles POST /api/v1/sessions/{id}/activate.
func ActivateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Orch.Activate(r.Context(), id, middleware.UserID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	s, err := Orch.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// TerminateSession handles DELETE /api/v1/sessions/{id}.
func TerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := Orch.TerminateSession(r.Context(), chi.URLParam(r, "id"), middleware.UserID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRouting handles GET /api/v1/sessions/{id}/routing.
func GetRouting(w http.ResponseWriter, r *http.Request) {
	routing, err := Orch.GetRouting(r.Context(), chi.URLParam(r, "id"), middleware.UserID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routing)
}

// ValidateAccess handles GET /api/v1/sessions/{id}/access. A denial is a
// normal 200 answer with valid=false.
func ValidateAccess(w http.ResponseWriter, r *http.Request) {
	res, err := Orch.ValidateAccess(r.Context(), chi.URLParam(r, "id"), middleware.UserID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
