package handlers

import (
	"context"
	"net/http"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/middleware"
	"github.com/certlab/exam-runtime/internal/terminal"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// Close codes sent when an attach is refused after the upgrade. Browsers
// cannot read the HTTP status of a failed upgrade, so refusals travel as
// close frames.
const (
	closeForbidden   websocket.StatusCode = 4403
	closeNotFound    websocket.StatusCode = 4404
	closeConflict    websocket.StatusCode = 4409
	closeUnavailable websocket.StatusCode = 4503
	closeInternal    websocket.StatusCode = 4500
	closeEnded       websocket.StatusCode = 4000
)

func closeCodeFor(err error) websocket.StatusCode {
	switch apperr.KindOf(err) {
	case apperr.IsolationViolation:
		return closeForbidden
	case apperr.NotFound:
		return closeNotFound
	case apperr.StateConflict, apperr.OwnershipConflict:
		return closeConflict
	case apperr.RuntimeUnavailable:
		return closeUnavailable
	default:
		return closeInternal
	}
}

// TerminalWS handles GET /api/v1/sessions/{id}/terminal?terminal=<token>.
// Keystrokes travel as binary frames, resize requests as JSON text frames.
// All tabs attached with the same token share one upstream shell.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "id")
	token := r.URL.Query().Get("terminal")
	userID := middleware.UserID(r)

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warnf("[terminal] accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	if token == "" {
		clientConn.Close(closeNotFound, "Missing terminal token")
		return
	}

	ctx := r.Context()
	att, err := Orch.AttachTerminal(ctx, token, examID, userID)
	if err != nil {
		log.WithFields(log.Fields{"exam": examID, "user": userID}).Warnf("[terminal] attach refused: %v", err)
		reason := "Attach refused"
		if apperr.Is(err, apperr.RuntimeUnavailable) {
			reason = "Shell unavailable"
		}
		clientConn.Close(closeCodeFor(err), reason)
		return
	}
	defer att.Detach()

	clientConn.SetReadLimit(terminal.MaxInputMessageSize)

	if len(att.Backlog) > 0 {
		if err := clientConn.Write(ctx, websocket.MessageBinary, att.Backlog); err != nil {
			return
		}
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Shell -> browser. A closed Output means the upstream is gone for
	// every tab, so the close is sent from here and unblocks the reader.
	go func() {
		for out := range att.Output {
			if err := clientConn.Write(relayCtx, websocket.MessageBinary, out); err != nil {
				return
			}
		}
		clientConn.Close(closeEnded, "Terminal session ended")
	}()

	limiter := terminal.NewInputLimiter()

	// Browser -> shell
	for {
		msgType, data, err := clientConn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}
		if msgType == websocket.MessageText {
			msg, err := terminal.ParseControl(data)
			if err != nil {
				log.Debugf("[terminal] ignoring control message: %v", err)
				continue
			}
			if err := att.Resize(msg.Cols, msg.Rows); err != nil {
				log.Debugf("[terminal] resize: %v", err)
			}
			continue
		}
		if _, err := att.Write(data); err != nil {
			clientConn.Close(closeEnded, "Terminal session ended")
			return
		}
	}
}
