package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := New("ports.allocate", ResourceExhausted, "range %s [%d-%d] exhausted", "desktop", 1, 2)
	wrapped := fmt.Errorf("create session: %w", base)

	if got := KindOf(wrapped); got != ResourceExhausted {
		t.Errorf("expected %s, got %s", ResourceExhausted, got)
	}
	if !Retryable(wrapped) {
		t.Error("expected exhaustion to be retryable")
	}
	if Retryable(New("x", RuntimeUnavailable, "dead")) {
		t.Error("runtime failures must not be retryable")
	}
}

func TestWrapKeepsInnerKind(t *testing.T) {
	inner := New("runtime.create", RuntimeUnavailable, "spawn failed")
	outer := Wrap("orchestrator.create", KindUnknown, inner)
	if outer.Kind != RuntimeUnavailable {
		t.Errorf("expected inner kind, got %s", outer.Kind)
	}
	if !errors.Is(outer, inner) {
		t.Error("expected outer to unwrap to inner")
	}
	if Wrap("x", NotFound, nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Error("expected unknown kind for plain error")
	}
	if Is(nil, NotFound) {
		t.Error("nil error must not match any kind")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		ResourceExhausted:  http.StatusTooManyRequests,
		OwnershipConflict:  http.StatusConflict,
		RuntimeUnavailable: http.StatusServiceUnavailable,
		IsolationViolation: http.StatusForbidden,
		StateConflict:      http.StatusConflict,
		NotFound:           http.StatusNotFound,
		Invalid:            http.StatusBadRequest,
		KindUnknown:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Op: "terminal.attach", Kind: IsolationViolation, Msg: "user mismatch", Err: errors.New("denied")}
	want := "terminal.attach: isolation_violation: user mismatch: denied"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
