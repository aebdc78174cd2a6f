package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/certlab/exam-runtime/internal/countdown"
	"github.com/certlab/exam-runtime/internal/middleware"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func dialWS(t *testing.T, srv *httptest.Server, path, user string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	header := http.Header{}
	if user != "" {
		header.Set(middleware.HeaderUserID, user)
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readUntil reads binary frames until their concatenation contains want.
func readUntil(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q (have %q): %v", want, got.String(), err)
		}
		got.Write(data)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != code {
			t.Fatalf("expected close %d, got %d (%v)", code, got, err)
		}
		return
	}
}

func TestTerminalSharedAcrossTabs(t *testing.T) {
	srv := setupServer(t)
	res := createSession(t, srv, "e1", "u1")
	path := "/api/v1/sessions/e1/terminal?terminal=" + res.TerminalSessionID

	first := dialWS(t, srv, path, "u1")
	ctx := context.Background()
	if err := first.Write(ctx, websocket.MessageText, []byte(`{"type":"resize","cols":120,"rows":40}`)); err != nil {
		t.Fatalf("write resize: %v", err)
	}
	if err := first.Write(ctx, websocket.MessageBinary, []byte("echo hi\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	readUntil(t, first, "echo hi\n")

	// A second tab sees earlier output replayed from the scrollback.
	second := dialWS(t, srv, path, "u1")
	readUntil(t, second, "echo hi\n")

	if resp := doRequest(t, srv, http.MethodDelete, "/api/v1/sessions/e1", "u1", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("terminate: expected 204, got %d", resp.StatusCode)
	}
	expectClose(t, first, closeEnded)
	expectClose(t, second, closeEnded)
}

func TestTerminalRefusals(t *testing.T) {
	srv := setupServer(t)
	res := createSession(t, srv, "e1", "u1")
	createSession(t, srv, "e2", "u2")

	tests := []struct {
		name string
		path string
		user string
		want websocket.StatusCode
	}{
		{"missing token", "/api/v1/sessions/e1/terminal", "u1", closeNotFound},
		{"other user", "/api/v1/sessions/e1/terminal?terminal=" + res.TerminalSessionID, "u2", closeForbidden},
		{"other exam", "/api/v1/sessions/e2/terminal?terminal=" + res.TerminalSessionID, "u1", closeForbidden},
		{"anonymous", "/api/v1/sessions/e1/terminal?terminal=" + res.TerminalSessionID, "", closeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectClose(t, dialWS(t, srv, tt.path, tt.user), tt.want)
		})
	}
}

func TestCountdownSocket(t *testing.T) {
	srv := setupServer(t)
	createSession(t, srv, "e1", "u1")
	if resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/e1/activate", "u1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", resp.StatusCode)
	}

	conn := dialWS(t, srv, "/api/v1/sessions/e1/countdown", "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var initial countdown.Event
	if err := wsjson.Read(ctx, conn, &initial); err != nil {
		t.Fatalf("read initial event: %v", err)
	}
	if initial.Type != countdown.TypeTick || initial.ExamSessionID != "e1" {
		t.Fatalf("unexpected initial event %+v", initial)
	}
	if initial.RemainingSeconds <= 0 || initial.RemainingSeconds > 3600 {
		t.Errorf("remaining seconds out of range: %d", initial.RemainingSeconds)
	}

	var next countdown.Event
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read tick: %v", err)
	}
	if next.RemainingSeconds > initial.RemainingSeconds {
		t.Errorf("countdown went up: %d then %d", initial.RemainingSeconds, next.RemainingSeconds)
	}

	if resp := doRequest(t, srv, http.MethodDelete, "/api/v1/sessions/e1", "u1", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("terminate: expected 204, got %d", resp.StatusCode)
	}
	for {
		var ev countdown.Event
		err := wsjson.Read(ctx, conn, &ev)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("expected a normal close after termination, got %v", err)
			}
			return
		}
	}
}

func TestCountdownSocketRefusesOtherUser(t *testing.T) {
	srv := setupServer(t)
	createSession(t, srv, "e1", "u1")
	expectClose(t, dialWS(t, srv, "/api/v1/sessions/e1/countdown", "u2"), closeForbidden)
	expectClose(t, dialWS(t, srv, "/api/v1/sessions/nope/countdown", "u1"), closeNotFound)
}
