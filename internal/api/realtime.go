package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are policed by the CORS list and the token is required anyway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRealtime streams the caller's job changes as
// {"type":"job","job":{...}} messages until either side closes.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("problem initiating websocket", "user_id", user.ID, "err", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Hub.Subscribe(user.ID)
	defer sub.Close()
	s.log.Debug("realtime subscribed", "user_id", user.ID)

	// The client never sends anything meaningful; reading keeps pongs and
	// close frames flowing and tells us when the peer goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("realtime write failed", "user_id", user.ID, "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
