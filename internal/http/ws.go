package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
)

var upgrader = websocket.Upgrader{}

// handleWS registers the caller's notification socket. Inbound frames are
// read only to notice the close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		unavailable(w, "websocket notifications")
		return
	}
	id, _ := auth.FromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "user_id", id.ID, "err", err)
		return
	}
	sess := s.ws.Add(id.ID, conn)
	s.logger.Info("ws connected", "user_id", id.ID)
	go func() {
		defer func() {
			s.ws.Remove(id.ID, sess)
			_ = conn.Close()
			s.logger.Info("ws disconnected", "user_id", id.ID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
