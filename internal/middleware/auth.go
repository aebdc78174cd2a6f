// Package middleware carries the caller identity asserted by the auth
// gateway in front of the service. Token verification happens there; this
// package only reads the headers it forwards.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/certlab/exam-runtime/internal/logging"
)

// Headers set by the auth gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type contextKey string

const callerContextKey contextKey = "caller"

// Caller is the identity of a request. An empty UserID is an anonymous
// caller, which may only reach anonymous mock exams.
type Caller struct {
	UserID string
	Admin  bool
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Identity reads the gateway headers into the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := &Caller{
			UserID: logging.Sanitize(r.Header.Get(HeaderUserID)),
			Admin:  r.Header.Get(HeaderUserRole) == "admin",
		}
		ctx := context.WithValue(r.Context(), callerContextKey, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := GetCaller(r)
		if c == nil || !c.Admin || c.UserID == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetCaller returns the request's caller, or nil outside Identity.
func GetCaller(r *http.Request) *Caller {
	c, _ := r.Context().Value(callerContextKey).(*Caller)
	return c
}

// UserID returns the caller's user id, empty for anonymous callers.
func UserID(r *http.Request) string {
	if c := GetCaller(r); c != nil {
		return c.UserID
	}
	return ""
}
