// Package stream serves live notification and chat updates to browsers over
// Server-Sent Events and WebSocket.
//
// Every connection authenticates with a ?token= credential, subscribes to the
// hub for its scope and channel, emits a heartbeat on a fixed interval, and
// unsubscribes when the connection goes away.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/relay/internal/auth"
	"github.com/darkden-lab/relay/internal/config"
	"github.com/darkden-lab/relay/internal/hub"
	"github.com/darkden-lab/relay/internal/logging"
	"github.com/darkden-lab/relay/internal/metrics"
	"github.com/darkden-lab/relay/internal/middleware"
)

const (
	eventConnected = "connected"
	eventHeartbeat = "heartbeat"

	transportSSE = "sse"
	transportWS  = "ws"
)

var (
	errNoToken  = errors.New("missing token")
	errBadToken = errors.New("invalid or expired token")
	errNoTenant = errors.New("token carries no tenant")
)

// sink writes one named event to a client connection.
type sink interface {
	Send(event string, data []byte) error
}

// Handler serves the stream endpoints.
type Handler struct {
	hub        *hub.Hub
	jwtService *auth.JWTService
	heartbeat  time.Duration
	bufferSize int
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

func NewHandler(h *hub.Hub, jwtService *auth.JWTService, cfg config.StreamConfig, allowedOrigins []string) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 64
	}
	return &Handler{
		hub:        h,
		jwtService: jwtService,
		heartbeat:  cfg.HeartbeatInterval,
		bufferSize: cfg.BufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.OriginChecker(allowedOrigins),
		},
		logger: logging.With().Str("component", "stream").Logger(),
	}
}

// RegisterRoutes wires the stream endpoints. They authenticate themselves and
// must not sit behind the bearer-header middleware.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/stream/notifications", h.serveSSE(hub.ChannelNotification)).Methods(http.MethodGet)
	r.HandleFunc("/api/stream/chat", h.serveSSE(hub.ChannelChat)).Methods(http.MethodGet)
	r.HandleFunc("/ws/notifications", h.serveWS(hub.ChannelNotification)).Methods(http.MethodGet)
	r.HandleFunc("/ws/chat", h.serveWS(hub.ChannelChat)).Methods(http.MethodGet)
}

// tokenFromRequest reads the ?token= query parameter, falling back to a
// bearer Authorization header for non-browser clients.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

// authorize resolves the hub scope for the request. Operators watch every
// tenant's notifications. Chat is tenant-private, so it always needs a
// tenant, operators included.
func (h *Handler) authorize(r *http.Request, channel hub.Channel) (string, *auth.Claims, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return "", nil, errNoToken
	}
	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		return "", nil, errBadToken
	}

	if channel == hub.ChannelNotification && claims.IsOperator() {
		return hub.ScopeAll, claims, nil
	}
	if claims.TenantID == nil {
		return "", claims, errNoTenant
	}
	return hub.TenantScope(*claims.TenantID), claims, nil
}

func statusFor(err error) int {
	if errors.Is(err, errNoTenant) {
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}

type connectedEvent struct {
	SessionID        string `json:"session_id"`
	Channel          string `json:"channel"`
	Scope            string `json:"scope"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
}

type heartbeatEvent struct {
	Time time.Time `json:"time"`
}

// enqueue returns the hub callback for a session. It never blocks the
// publisher: when the buffer is full the event is dropped.
func enqueue(events chan<- hub.Event, channel hub.Channel, logger zerolog.Logger) hub.Handler {
	return func(ev hub.Event) {
		select {
		case events <- ev:
		default:
			metrics.StreamEventsDropped.WithLabelValues(string(channel)).Inc()
			logger.Warn().Msg("session buffer full, dropping event")
		}
	}
}

// run drives one session until ctx ends or a write fails. The hub
// subscription and the heartbeat ticker are released on every exit path.
func (h *Handler) run(ctx context.Context, s sink, transport string, channel hub.Channel, scope string, claims *auth.Claims) {
	id := uuid.NewString()
	logger := h.logger.With().
		Str("session", id).
		Str("transport", transport).
		Str("channel", string(channel)).
		Str("scope", scope).
		Str("user_id", claims.UserID).
		Logger()

	hello, _ := json.Marshal(connectedEvent{
		SessionID:        id,
		Channel:          string(channel),
		Scope:            scope,
		HeartbeatSeconds: int(h.heartbeat / time.Second),
	})
	if err := s.Send(eventConnected, hello); err != nil {
		logger.Debug().Err(err).Msg("client gone before connected event")
		return
	}

	events := make(chan hub.Event, h.bufferSize)
	sub := h.hub.Subscribe(scope, channel, enqueue(events, channel, logger))
	defer h.hub.Unsubscribe(sub)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	gauge := metrics.StreamSessions.WithLabelValues(transport, string(channel))
	gauge.Inc()
	defer gauge.Dec()

	logger.Info().Msg("stream session opened")
	defer func() { logger.Info().Msg("stream session closed") }()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			beat, _ := json.Marshal(heartbeatEvent{Time: t.UTC()})
			if err := s.Send(eventHeartbeat, beat); err != nil {
				logger.Debug().Err(err).Msg("heartbeat write failed")
				return
			}
		case ev := <-events:
			if err := s.Send(string(ev.Channel), ev.Data); err != nil {
				logger.Debug().Err(err).Msg("event write failed")
				return
			}
		}
	}
}
