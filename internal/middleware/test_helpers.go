package middleware

import (
	"context"
	"net/http"
)

// WithCallerForTest attaches a Caller to the request context for testing.
func WithCallerForTest(r *http.Request, c *Caller) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), callerContextKey, c))
}
