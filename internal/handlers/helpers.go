// Package handlers is the HTTP and WebSocket boundary of the runtime. It
// translates requests into orchestrator calls and apperr kinds into
// status codes; no lifecycle logic lives here.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/audit"
	"github.com/certlab/exam-runtime/internal/countdown"
	"github.com/certlab/exam-runtime/internal/exams"
	"github.com/certlab/exam-runtime/internal/orchestrator"
	"github.com/certlab/exam-runtime/internal/ports"
	"github.com/certlab/exam-runtime/internal/store"
	log "github.com/sirupsen/logrus"
)

// Set from main.go during init.
var (
	Orch      *orchestrator.Orchestrator
	Countdown *countdown.Broadcaster
	Ports     *ports.Allocator
	AuditLog  *audit.Auditor
	Exams     *exams.Repository
	Store     *store.Store
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeAppError maps err to its status. Unclassified errors are logged
// and reported without detail.
func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if kind == apperr.KindUnknown {
		log.Errorf("[http] internal error: %v", err)
		writeError(w, status, "Internal error")
		return
	}
	writeJSON(w, status, map[string]string{"detail": err.Error(), "kind": string(kind)})
}
