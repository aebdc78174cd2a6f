package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/certlab/exam-runtime/internal/audit"
	"github.com/certlab/exam-runtime/internal/exams"
	"github.com/go-chi/chi/v5"
)

// GetPortUsage handles GET /api/v1/admin/ports.
func GetPortUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ranges": Ports.Snapshot(),
	})
}

// ListSessions handles GET /api/v1/admin/sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := Orch.ListActive(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list,
		"total":    len(list),
	})
}

// GetAuditLogs handles GET /api/v1/admin/audit.
// Query parameters:
//   - event (optional): filter by event type
//   - user_id, exam_id (optional): filter by subject
//   - since (optional): RFC 3339 lower bound
//   - limit (optional): entries per page (default 50, max 1000)
//   - offset (optional): pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		Event:  q.Get("event"),
		UserID: q.Get("user_id"),
		ExamID: q.Get("exam_id"),
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since")
			return
		}
		opts.Since = &since
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}
	if s := q.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	res, err := AuditLog.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PutExam handles PUT /api/v1/admin/exams/{id}. It is how the
// exam-management service publishes exam records to the runtime.
func PutExam(w http.ResponseWriter, r *http.Request) {
	var exam exams.Session
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&exam); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if exam.ID == "" {
		exam.ID = id
	}
	if exam.ID != id {
		writeError(w, http.StatusBadRequest, "Exam id does not match path")
		return
	}
	if err := Exams.Put(r.Context(), &exam); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}
