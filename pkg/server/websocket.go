package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/agenthub/pkg/registry"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// wsTransport is the write side of a websocket for registry.Conn. Only the
// connection's writer goroutine calls WriteMessage.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// handleWebSocket upgrades the request and runs the connection's read loop
// until the peer goes away. Every text frame is handed to the relay.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}

	conn := registry.NewConn(&wsTransport{ws: ws}, s.opts.OutboundQueue)
	slog.Debug("Connection opened", "conn", conn.ID(), "remote", r.RemoteAddr)

	go func() {
		if err := conn.Run(); err != nil {
			slog.Warn("Connection writer stopped", "conn", conn.ID(), "error", err)
		}
	}()

	done := make(chan struct{})
	go keepAlive(ws, done)

	defer func() {
		close(done)
		s.relay.Disconnect(conn)
		conn.Close()
		slog.Debug("Connection closed", "conn", conn.ID())
	}()

	if s.opts.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.opts.MaxFrameBytes)
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read error", "conn", conn.ID(), "error", err)
			}
			return
		}
		// Any inbound frame proves the peer is alive.
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.relay.Handle(conn, data); err != nil {
			slog.Warn("Dropped frame", "conn", conn.ID(), "error", err)
		}
	}
}

// keepAlive pings the peer until done is closed. WriteControl is safe to
// call alongside the connection's writer.
func keepAlive(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
