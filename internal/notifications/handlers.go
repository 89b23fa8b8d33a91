package notifications

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/darkden-lab/relay/internal/auth"
	"github.com/darkden-lab/relay/internal/httputil"
	"github.com/darkden-lab/relay/internal/logging"
)

const maxWebhookBody = 64 << 10

// Ingester is the part of Ingestor the HTTP adapters need.
type Ingester interface {
	Ingest(ctx context.Context, sig Signal) (Result, error)
}

// Handlers serves the notification REST API and the inbound signal webhooks.
type Handlers struct {
	store    Store
	ingester Ingester
}

func NewHandlers(store Store, ingester Ingester) *Handlers {
	return &Handlers{store: store, ingester: ingester}
}

// RegisterRoutes wires the session-authenticated endpoints.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/notifications", h.ListNotifications).Methods("GET")
	r.HandleFunc("/api/notifications/unread-count", h.UnreadCount).Methods("GET")
	r.HandleFunc("/api/notifications/read-all", h.MarkAllRead).Methods("PUT")
	r.HandleFunc("/api/notifications/{id}/read", h.SetRead).Methods("PUT")
	r.HandleFunc("/api/notifications/{id}", h.DeleteNotification).Methods("DELETE")
}

// RegisterWebhookRoutes wires the machine-to-machine signal endpoints. The
// caller guards r with the webhook secret.
func (h *Handlers) RegisterWebhookRoutes(r *mux.Router) {
	r.HandleFunc("/api/webhooks/manual-message", h.ManualMessage).Methods("POST")
	r.HandleFunc("/api/webhooks/handoff", h.Handoff).Methods("POST")
}

// tenantScope returns the tenant filter for the caller: nil for operators,
// the token's tenant otherwise. ok is false when the caller has no scope.
func tenantScope(r *http.Request) (scope *int64, ok bool) {
	claims, found := auth.ClaimsFromContext(r.Context())
	if !found {
		return nil, false
	}
	if claims.IsOperator() {
		return nil, true
	}
	if claims.TenantID == nil {
		return nil, false
	}
	return claims.TenantID, true
}

// ListNotifications handles GET /api/notifications
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenantScope(r)
	if !ok {
		httputil.WriteError(w, http.StatusForbidden, "no tenant in session")
		return
	}

	q := r.URL.Query()
	params := ListParams{
		TenantID: scope,
		Kind:     Kind(q.Get("kind")),
		Limit:    httputil.QueryInt(r, "limit", defaultListLimit),
		Offset:   httputil.QueryInt(r, "offset", 0),
	}
	if v := q.Get("read"); v != "" {
		read, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "read must be true or false")
			return
		}
		params.Read = &read
	}
	params.normalize()

	list, total, err := h.store.List(r.Context(), params)
	if err != nil {
		logging.Error().Err(err).Msg("list notifications")
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
		"total":         total,
		"limit":         params.Limit,
		"offset":        params.Offset,
	})
}

// UnreadCount handles GET /api/notifications/unread-count
func (h *Handlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenantScope(r)
	if !ok {
		httputil.WriteError(w, http.StatusForbidden, "no tenant in session")
		return
	}

	count, err := h.store.UnreadCount(r.Context(), scope)
	if err != nil {
		logging.Error().Err(err).Msg("count unread notifications")
		httputil.WriteError(w, http.StatusInternalServerError, "failed to count notifications")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

// SetRead handles PUT /api/notifications/{id}/read. The body {"read": false}
// marks the notification unread; an empty body marks it read.
func (h *Handlers) SetRead(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenantScope(r)
	if !ok {
		httputil.WriteError(w, http.StatusForbidden, "no tenant in session")
		return
	}
	id, ok := notificationID(w, r)
	if !ok {
		return
	}

	read := true
	if r.ContentLength != 0 {
		var body struct {
			Read *bool `json:"read"`
		}
		if err := httputil.DecodeJSON(r, maxWebhookBody, &body); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Read != nil {
			read = *body.Read
		}
	}

	if err := h.store.SetRead(r.Context(), scope, id, read); err != nil {
		writeStoreError(w, err, "failed to update notification")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"id": id, "read": read})
}

// MarkAllRead handles PUT /api/notifications/read-all
func (h *Handlers) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenantScope(r)
	if !ok {
		httputil.WriteError(w, http.StatusForbidden, "no tenant in session")
		return
	}

	n, err := h.store.MarkAllRead(r.Context(), scope)
	if err != nil {
		writeStoreError(w, err, "failed to update notifications")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// DeleteNotification handles DELETE /api/notifications/{id}
func (h *Handlers) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenantScope(r)
	if !ok {
		httputil.WriteError(w, http.StatusForbidden, "no tenant in session")
		return
	}
	id, ok := notificationID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), scope, id); err != nil {
		writeStoreError(w, err, "failed to delete notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func notificationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		httputil.WriteError(w, http.StatusNotFound, "notification not found")
		return "", false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	logging.Error().Err(err).Msg(msg)
	httputil.WriteError(w, http.StatusInternalServerError, msg)
}

type manualMessageRequest struct {
	Phone       string `json:"phone"`
	TenantID    FlexID `json:"tenant_id"`
	MessageText string `json:"message_text"`
}

// ManualMessage handles POST /api/webhooks/manual-message
func (h *Handlers) ManualMessage(w http.ResponseWriter, r *http.Request) {
	var req manualMessageRequest
	if err := httputil.DecodeJSON(r, maxWebhookBody, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.ingest(w, r, Signal{
		Kind:     KindManualMessage,
		TenantID: req.TenantID.Int64(),
		Phone:    req.Phone,
		Text:     req.MessageText,
	})
}

type handoffRequest struct {
	CustomerID FlexID `json:"customer_id"`
	TenantID   FlexID `json:"tenant_id"`
}

// Handoff handles POST /api/webhooks/handoff
func (h *Handlers) Handoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := httputil.DecodeJSON(r, maxWebhookBody, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.ingest(w, r, Signal{
		Kind:       KindHumanHandoff,
		TenantID:   req.TenantID.Int64(),
		CustomerID: req.CustomerID.Int64(),
	})
}

func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request, sig Signal) {
	res, err := h.ingester.Ingest(r.Context(), sig)
	if errors.Is(err, ErrInvalidSignal) {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("kind", string(sig.Kind)).Msg("ingest signal")
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record notification")
		return
	}

	status := http.StatusOK
	if res.Outcome == OutcomeCreated {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, res)
}
