package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darkden-lab/relay/internal/httputil"
	"github.com/darkden-lab/relay/internal/hub"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// maxMessageSize caps inbound frames; clients only send control frames.
	maxMessageSize = 512
)

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsSink struct {
	conn *websocket.Conn
}

// Send writes a text frame. Heartbeats also send a ping so the read side
// sees a pong within pongWait.
func (s *wsSink) Send(event string, data []byte) error {
	deadline := time.Now().Add(writeWait)
	if event == eventHeartbeat {
		if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return err
		}
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(wsMessage{Event: event, Data: data})
}

// readPump discards inbound frames and cancels the session when the peer
// goes away or stops answering pings.
func (h *Handler) readPump(conn *websocket.Conn, pongWait time.Duration, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *Handler) serveWS(channel hub.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, claims, err := h.authorize(r, channel)
		if err != nil {
			httputil.WriteError(w, statusFor(err), err.Error())
			return
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// upgrader already wrote the error response.
			return
		}
		defer conn.Close()

		// A hijacked connection does not cancel the request context on
		// disconnect; the read pump does.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go h.readPump(conn, 2*h.heartbeat+writeWait, cancel)

		h.run(ctx, &wsSink{conn: conn}, transportWS, channel, scope, claims)

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	}
}
