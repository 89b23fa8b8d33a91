package chat

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/relay/internal/httputil"
	"github.com/darkden-lab/relay/internal/logging"
)

const maxEventBody = 256 << 10

// Handlers exposes the chat change webhook.
type Handlers struct {
	notifier *Notifier
}

func NewHandlers(notifier *Notifier) *Handlers {
	return &Handlers{notifier: notifier}
}

// RegisterWebhookRoutes wires the webhook. The caller guards r with the
// webhook secret.
func (h *Handlers) RegisterWebhookRoutes(r *mux.Router) {
	r.HandleFunc("/api/webhooks/chat-events", h.ChatEvent).Methods("POST")
}

// ChatEvent handles POST /api/webhooks/chat-events
func (h *Handlers) ChatEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httputil.DecodeJSON(r, maxEventBody, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.notifier.Publish(req.event())
	if errors.Is(err, ErrInvalidEvent) {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logging.Error().Err(err).Int64("tenant_id", req.TenantID.Int64()).Msg("chat event publish failed")
		httputil.WriteError(w, http.StatusInternalServerError, "failed to publish chat event")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}
