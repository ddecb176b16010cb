package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"radio-transcription-service/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxClientMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sse streams call events as text/event-stream. Each event is framed as
// "id: <call id>", "event: call" and a JSON data line; heartbeats are
// comment lines.
func (h *handler) sse(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.Events.Subscribe(r.Context())
	defer sub.Close()
	if err := rc.Flush(); err != nil {
		return
	}

	log := h.logger.With().
		Str("subscriber", sub.ID).
		Str("requestId", middleware.GetReqID(r.Context())).
		Logger()
	log.Debug().Msg("SSE client connected")
	defer log.Debug().Msg("SSE client disconnected")

	for msg := range sub.C() {
		if err := writeSSE(w, msg); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, msg events.Message) error {
	if msg.Heartbeat {
		_, err := fmt.Fprint(w, ": heartbeat\n\n")
		return err
	}
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: call\ndata: %s\n\n", msg.Event.CallID, data)
	return err
}

// ws streams call events as JSON text messages. Bus heartbeats are
// sent as pings; a peer that stops answering pings is dropped.
func (h *handler) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := h.Events.Subscribe(r.Context())
	log := h.logger.With().Str("subscriber", sub.ID).Logger()
	log.Debug().Msg("WebSocket client connected")

	go h.readPump(conn, sub)
	h.writePump(conn, sub)
	log.Debug().Msg("WebSocket client disconnected")
}

// readPump discards client messages and ends the subscription when the
// peer goes away.
func (h *handler) readPump(conn *websocket.Conn, sub *events.Subscription) {
	defer sub.Close()

	conn.SetReadLimit(maxClientMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("subscriber", sub.ID).Msg("WebSocket error")
			}
			return
		}
	}
}

func (h *handler) writePump(conn *websocket.Conn, sub *events.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if msg.Heartbeat {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			}
			if err := conn.WriteJSON(msg.Event); err != nil {
				h.logger.Warn().Err(err).Str("subscriber", sub.ID).Msg("Failed to write event")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
