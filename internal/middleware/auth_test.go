package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentityReadsGatewayHeaders(t *testing.T) {
	var got *Caller
	h := Identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetCaller(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "u1\x1b[31m")
	req.Header.Set(HeaderUserRole, "admin")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got == nil || got.UserID != "u1[31m" || !got.Admin {
		t.Errorf("unexpected caller %+v", got)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got == nil || got.UserID != "" || got.Admin {
		t.Errorf("expected anonymous caller, got %+v", got)
	}
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	tests := []struct {
		name   string
		caller *Caller
		want   int
	}{
		{"no caller", nil, http.StatusForbidden},
		{"user", &Caller{UserID: "u1"}, http.StatusForbidden},
		{"anonymous admin role", &Caller{Admin: true}, http.StatusForbidden},
		{"admin", &Caller{UserID: "ops", Admin: true}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.caller != nil {
				req = WithCallerForTest(req, tt.caller)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
