package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orris-inc/sshfwd/internal/logger"
)

const (
	eventBuffer  = 64
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// events streams forward events as JSON text messages. The optional
// forwardId query parameter restricts the stream to one forward.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	// Subscribe first so no event published after the handshake is missed.
	evs, cancel := s.svc.Subscribe(eventBuffer)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		logger.Warn("event stream upgrade failed", "error", err)
		return
	}

	s.wsMu.Lock()
	s.wsConns[conn] = struct{}{}
	s.wsMu.Unlock()

	logger.Debug("event subscriber connected", "remote", r.RemoteAddr)

	defer func() {
		cancel()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		conn.Close()
		logger.Debug("event subscriber disconnected", "remote", r.RemoteAddr)
	}()

	// Inbound messages are ignored; reading detects the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	filter := r.URL.Query().Get("forwardId")
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if filter != "" && ev.ForwardID != filter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
