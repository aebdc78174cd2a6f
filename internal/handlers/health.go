package handlers

import (
	"net/http"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	storeStatus := "disconnected"
	if Store != nil {
		if err := Store.Ping(r.Context()); err == nil {
			storeStatus = "connected"
		}
	}

	auditStatus := "disabled"
	if AuditLog != nil {
		auditStatus = "enabled"
	}

	status := "healthy"
	code := http.StatusOK
	if storeStatus != "connected" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"status": status,
		"store":  storeStatus,
		"audit":  auditStatus,
	})
}
