package gateway

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/icarus-hq/icarus/core"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamPongWait     = 60 * time.Second
)

// getStream upgrades to a websocket and pushes the job's event feed until
// the job reaches a terminal status or the client goes away. Events a slow
// client cannot keep up with are dropped upstream; the terminal status is
// always the last frame.
func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, cancel, err := s.engine.Subscribe(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkStreamOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure response.
		s.logger.Warn("Gateway: websocket upgrade for job %s: %v", id, err)
		return
	}
	defer conn.Close()

	s.logger.Debug("Gateway: stream attached to job %s from %s", id, r.RemoteAddr)

	// The read loop exists to service control frames. Clients never send
	// data frames; a read error means the peer is gone.
	readErr := make(chan error, 1)
	go func() {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		if err := conn.SetReadDeadline(time.Now().Add(streamPongWait)); err != nil {
			readErr <- err
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	pings := time.NewTicker(streamPingInterval)
	defer pings.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				deadline := time.Now().Add(streamWriteTimeout)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				s.logger.Debug("Gateway: stream for job %s closed: %v", id, err)
				return
			}

		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				var nerr net.Error
				if !errors.As(err, &nerr) {
					s.logger.Debug("Gateway: stream read for job %s: %v", id, err)
				}
			}
			return

		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev core.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

// checkStreamOrigin applies the CORS origin list to websocket upgrades.
// With no list configured the gateway is assumed to be local-only and any
// origin may attach.
func (s *Server) checkStreamOrigin(r *http.Request) bool {
	if len(s.corsOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
