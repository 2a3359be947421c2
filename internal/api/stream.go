package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classpad/classwork-engine/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// handleAssignmentStream upgrades to a websocket and pushes the caller's
// assignment view on every change until the client disconnects.
func (s *Server) handleAssignmentStream(w http.ResponseWriter, r *http.Request) {
	m := MembershipFromContext(r.Context())
	user := UserFromContext(r.Context())

	sess, err := s.engine.Session(r.Context(), m.ClassID, models.User{ID: user.ID, DisplayName: user.DisplayName}, m.Role)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	// Prime the view so the first push carries data
	if _, _, err := s.engine.LoadAssignments(r.Context(), sess); err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("assignment stream connected", "class", m.ClassID, "user", user.ID)

	views, stop := sess.Watch()
	defer stop()

	// Drain reads so close frames and pongs are processed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(streamPingInterval)
	defer pings.Stop()

	for {
		select {
		case view, ok := <-views:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(view); err != nil {
				slog.Debug("assignment stream write failed", "class", m.ClassID, "user", user.ID, "error", err)
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			slog.Info("assignment stream disconnected", "class", m.ClassID, "user", user.ID)
			return
		case <-r.Context().Done():
			return
		}
	}
}
