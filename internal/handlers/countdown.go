package handlers

import (
	"net/http"

	"github.com/certlab/exam-runtime/internal/middleware"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// CountdownWS handles GET /api/v1/sessions/{id}/countdown. The current
// state is sent at once, then every tick until the exam expires or is
// terminated.
func CountdownWS(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warnf("[countdown] accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	if _, err := Orch.Owned(ctx, examID, userID); err != nil {
		conn.Close(closeCodeFor(err), "Countdown unavailable")
		return
	}

	l, err := Countdown.Join(ctx, examID)
	if err != nil {
		conn.Close(closeCodeFor(err), "Countdown unavailable")
		return
	}
	defer l.Close()

	if err := wsjson.Write(ctx, conn, l.Initial); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.C:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
