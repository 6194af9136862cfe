// Package ws bridges engine event subscriptions onto WebSocket connections.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"presence/internal/events"
	"presence/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from the separately-served frontend.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Streamer upgrades HTTP requests into session event streams.
type Streamer struct {
	log zerolog.Logger
}

// NewStreamer creates a streamer.
func NewStreamer(log zerolog.Logger) *Streamer {
	return &Streamer{log: log}
}

// Serve upgrades the request and pumps the subscription's events to the
// client until the stream closes, the client disconnects, or a write fails.
// A dropped client is logged, never treated as an engine error.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, sub *events.Subscription) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	metrics.Subscribers.Inc()
	defer metrics.Subscribers.Dec()

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, sub, done)
}

// readPump discards inbound frames and detects client disconnects.
func (s *Streamer) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
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
}

func (s *Streamer) writePump(conn *websocket.Conn, sub *events.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case evt, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Session closed; tell the client the stream is over.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.log.Error().Err(err).Msg("event marshal failed")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug().Err(err).Msg("subscriber write failed, dropping client")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
