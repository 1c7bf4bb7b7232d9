package rpc

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Loopback tool service; any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebsocketHandler serves JSON-RPC over websockets. When a session
// token is configured, a mismatched token query parameter closes the
// socket with a policy violation before any frame is processed.
func (s *Server) WebsocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		defer ws.Close()

		if s.cfg.SessionToken != "" && r.URL.Query().Get("token") != s.cfg.SessionToken {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
			s.logger.Warn().Str("remote", r.RemoteAddr).Msg("websocket rejected: token mismatch")
			return
		}

		s.mgr.ClientConnected()
		defer s.mgr.ClientDisconnected()

		conn := s.NewConn(func(frame []byte) error {
			return ws.WriteMessage(websocket.TextMessage, frame)
		})
		defer conn.Close()

		s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client attached")
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket read failed")
				}
				s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client detached")
				return
			}
			conn.HandleFrame(r.Context(), data)
		}
	})
}
