// File: internal/api/logstream.go
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/metos/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 512
	// Entries buffered between the tail and the socket.
	sendChannelSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleLogStream upgrades to a websocket and streams log entries as they are
// appended. ?from_start=true replays the existing log first.
func (h *Handlers) HandleLogStream(w http.ResponseWriter, r *http.Request) {
	fromStart, _ := strconv.ParseBool(r.URL.Query().Get("from_start"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.log.Error("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()
	h.log.Info("Log stream opened.", zap.String("remoteAddr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan schemas.LogEntry, sendChannelSize)
	followDone := make(chan error, 1)
	go func() {
		followDone <- h.svc.Logs.Follow(ctx, fromStart, func(e schemas.LogEntry) {
			select {
			case send <- e:
			case <-ctx.Done():
			}
		})
	}()
	go readPump(conn, cancel)

	h.writePump(ctx, conn, send)
	cancel()
	if err := <-followDone; err != nil {
		h.log.Warn("Log follower stopped with error.", zap.Error(err))
	}
	h.log.Info("Log stream closed.", zap.String("remoteAddr", r.RemoteAddr))
}

// readPump discards client messages and cancels the stream once the peer goes
// away. It is the only reader of conn.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer of conn.
func (h *Handlers) writePump(ctx context.Context, conn *websocket.Conn, send <-chan schemas.LogEntry) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case entry := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				h.log.Debug("Error writing log entry to WebSocket", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
